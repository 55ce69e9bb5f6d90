// Package flow implements the Flow Engine (spec §4.4): a single active,
// pausable/resumable scripted procedure that borrows the Session
// Manager's Channel to drive multi-step, user-guided card operations
// (recover account, sign, change PIN, ...), suspending on user input and
// fanning its pauses and results out over the Signal Bus.
package flow

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/keycard-hq/keycard-core/pkg/channel"
	"github.com/keycard-hq/keycard-core/pkg/commandset"
	"github.com/keycard-hq/keycard-core/pkg/pairing"
	"github.com/keycard-hq/keycard-core/pkg/signal"
)

var errAlreadyRunning = errors.New("a flow is already running")
var errNotRunning = errors.New("no flow is running")
var errNotPaused = errors.New("flow is not paused")
var errUnknownFlow = errors.New("unknown flow type")

// cardSnapshot is the flow's cached view of the connected card, reset at
// the top of every connectedFlow attempt (spec §8 property 6, "restart
// loop").
type cardSnapshot struct {
	instanceUID string
	keyUID      string
	initialized bool
	freeSlots   int
	pinRetries  int
	pukRetries  int
}

func newCardSnapshot() cardSnapshot {
	return cardSnapshot{freeSlots: -1, pinRetries: -1, pukRetries: -1}
}

// Engine is the Flow Engine component. It keeps one Command Set across
// successive flows until the card is lost or the engine stops (unlike the
// Session Manager, which rebuilds one per card insertion). Each flow still
// runs its own prelude, so the secure channel is reopened and the PIN
// verified on every StartFlow call.
type Engine struct {
	logger *zap.Logger
	bus    *signal.Bus
	ch     channel.Channel
	pairs  *pairing.Store

	newCommandSet func(channel.Channel) cardCommandSet

	mu        sync.Mutex
	started   bool
	state     State
	flowType  FlowType
	params    Params
	cardInfo  cardSnapshot
	appInfo   commandset.ApplicationInfo
	cmdSet    cardCommandSet
	cancelled bool
	hasTarget bool
	targetUID string

	wakeUp chan struct{}
	done   chan struct{}
}

// New constructs an Engine bound to ch and bus. ch must not yet have
// detection started; Start takes care of that.
func New(ch channel.Channel, bus *signal.Bus) *Engine {
	return &Engine{
		logger:        zap.L().Named("flow"),
		bus:           bus,
		ch:            ch,
		state:         Idle,
		wakeUp:        make(chan struct{}),
		newCommandSet: func(ch channel.Channel) cardCommandSet { return commandset.New(ch) },
	}
}

// Start opens the pairing store, installs the engine as the Channel's
// listener, and starts continuous detection (spec §4.4 "init",
// "start_continuous_detection").
func (e *Engine) Start(storagePath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return errors.New("flow engine already started")
	}

	store, err := pairing.NewStore(storagePath)
	if err != nil {
		return errors.Wrap(err, "failed to open pairing store")
	}
	e.pairs = store

	e.ch.SetListener(e)
	if err := e.ch.StartDetection(); err != nil {
		return errors.Wrap(err, "failed to start channel detection")
	}

	e.started = true
	return nil
}

// Stop tears down detection and the persistent Command Set.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return
	}
	e.ch.StopDetection()
	e.cmdSet = nil
	e.started = false
}

// StartFlow allocates a flow of the given type and runs it asynchronously
// (spec §4.4 "start_flow"). Returns errAlreadyRunning if a flow is already
// active, errUnknownFlow if flowType isn't one of the codes this engine
// implements.
func (e *Engine) StartFlow(flowType FlowType, params Params) error {
	if !isKnownFlowType(flowType) {
		return errUnknownFlow
	}

	e.mu.Lock()
	if e.state != Idle {
		e.mu.Unlock()
		return errAlreadyRunning
	}
	if params == nil {
		params = Params{}
	}
	e.flowType = flowType
	e.params = params
	e.state = Running
	e.cancelled = false
	e.done = make(chan struct{})
	e.mu.Unlock()

	go e.runFlow()
	return nil
}

// ResumeFlow merges params into the paused flow's parameter set and wakes
// it (spec §4.4 "resume_flow").
func (e *Engine) ResumeFlow(params Params) error {
	e.mu.Lock()
	if e.state != Paused {
		e.mu.Unlock()
		return errNotPaused
	}
	for k, v := range params {
		e.params[k] = v
	}
	e.state = Resuming
	e.mu.Unlock()

	e.wakeUp <- struct{}{}
	return nil
}

// CancelFlow transitions to Cancelling, wakes a paused flow if needed, and
// waits for the worker to observe cancellation and exit back to Idle
// (spec §4.4 "cancel_flow").
func (e *Engine) CancelFlow() error {
	e.mu.Lock()
	if e.state == Idle {
		e.mu.Unlock()
		return errNotRunning
	}
	wasPaused := e.state == Paused
	e.cancelled = true
	e.state = Cancelling
	done := e.done
	e.mu.Unlock()

	if wasPaused {
		e.wakeUp <- struct{}{}
	}

	<-done
	return nil
}

// State returns the engine's current state without side effects.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func isKnownFlowType(t FlowType) bool {
	switch t {
	case GetAppInfo, RecoverAccount, LoadAccount, Login, ExportPublic, Sign,
		ChangePIN, ChangePUK, ChangePairing, GetMetadata, StoreMetadata:
		return true
	default:
		return false
	}
}

func (e *Engine) runFlow() {
	var result Status
	var err error

	for {
		e.mu.Lock()
		e.cardInfo = newCardSnapshot()
		e.mu.Unlock()

		result, err = e.connectedFlow()

		if _, ok := err.(*restartError); !ok {
			if result == nil {
				result = Status{"error": err.Error()}
				e.mu.Lock()
				snap := e.cardInfo
				e.mu.Unlock()
				if snap.freeSlots != -1 {
					result[KeyInstanceUID] = snap.instanceUID
					result[KeyUID] = snap.keyUID
				}
			}
			break
		}
	}

	e.mu.Lock()
	cancelling := e.state == Cancelling
	done := e.done
	e.params = nil
	e.state = Idle
	e.mu.Unlock()

	if !cancelling {
		e.bus.Send(SignalFlowResult, result)
	}
	close(done)
}

// pause builds the pause event from the current card/retry snapshot,
// emits it, and transitions to Paused.
func (e *Engine) pause(action, errTag string, status Status) {
	if status == nil {
		status = Status{}
	}
	status["error"] = errTag

	e.mu.Lock()
	snap := e.cardInfo
	e.mu.Unlock()

	if snap.freeSlots != -1 {
		status[KeyInstanceUID] = snap.instanceUID
		status[KeyUID] = snap.keyUID
		status[KeyFreeSlots] = snap.freeSlots
	}
	if snap.pinRetries != -1 {
		status[KeyPINRetries] = snap.pinRetries
		status[KeyPUKRetries] = snap.pukRetries
	}

	e.bus.Send(action, status)

	e.mu.Lock()
	e.state = Paused
	e.mu.Unlock()
}

func (e *Engine) pauseAndWaitWithStatus(action, errTag string, status Status) error {
	e.mu.Lock()
	cancelling := e.state == Cancelling
	e.mu.Unlock()
	if cancelling {
		return giveupErr()
	}

	e.pause(action, errTag, status)
	<-e.wakeUp

	e.mu.Lock()
	resuming := e.state == Resuming
	if resuming {
		e.state = Running
	}
	e.mu.Unlock()

	if resuming {
		return nil
	}
	return giveupErr()
}

func (e *Engine) pauseAndWait(action, errTag string) error {
	return e.pauseAndWaitWithStatus(action, errTag, Status{})
}

func (e *Engine) pauseAndRestart(action, errTag string) error {
	if err := e.pauseAndWait(action, errTag); err != nil {
		return err
	}
	return restartErr()
}

func (e *Engine) getParam(key string) (interface{}, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.params[key]
	return v, ok
}

func (e *Engine) setParam(key string, v interface{}) {
	e.mu.Lock()
	e.params[key] = v
	e.mu.Unlock()
}

func (e *Engine) deleteParam(key string) {
	e.mu.Lock()
	delete(e.params, key)
	e.mu.Unlock()
}

// -- channel.Listener: card-presence tracking only ----------------------

func (e *Engine) OnReaderAvailabilityChanged(available bool) {
	if !available {
		e.mu.Lock()
		e.hasTarget = false
		e.mu.Unlock()
	}
}

func (e *Engine) OnTargetDetected(uid string) {
	e.mu.Lock()
	e.hasTarget = true
	e.targetUID = uid
	e.mu.Unlock()
}

func (e *Engine) OnTargetLost() {
	e.mu.Lock()
	e.hasTarget = false
	e.targetUID = ""
	e.cmdSet = nil // secure-channel state dies with the card
	e.mu.Unlock()
}

func (e *Engine) OnError(kind channel.ErrorKind, message string) {
	e.logger.Error("channel error", zap.Stringer("kind", kind), zap.String("message", message))
}

func (e *Engine) hasTargetNow() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasTarget
}

// waitForCard implements the common prelude's first step (spec §4.4): an
// optimistic 150ms wait before pausing, so a card that arrives
// near-simultaneously with flow start never produces a spurious
// insert-card blink.
func (e *Engine) waitForCard() error {
	for {
		if e.hasTargetNow() {
			return nil
		}

		time.Sleep(150 * time.Millisecond)

		if e.hasTargetNow() {
			return nil
		}

		e.mu.Lock()
		cancelling := e.state == Cancelling
		e.mu.Unlock()
		if cancelling {
			return giveupErr()
		}

		if err := e.pauseAndWait(SignalInsertCard, ErrConnection); err != nil {
			return err
		}
	}
}

func (e *Engine) commandSet() cardCommandSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmdSet == nil {
		e.cmdSet = e.newCommandSet(e.ch)
	}
	return e.cmdSet
}

func (e *Engine) connectedFlow() (Status, error) {
	if err := e.waitForCard(); err != nil {
		return nil, err
	}

	cs := e.commandSet()

	if err := e.selectKeycard(context.Background(), cs); err != nil {
		return nil, err
	}

	if reset, ok := e.getParam(KeyFactoryReset); ok {
		if b, _ := reset.(bool); b {
			if err := e.factoryReset(context.Background(), cs); err != nil {
				return nil, err
			}
		}
	}

	return e.dispatch(context.Background(), cs)
}

