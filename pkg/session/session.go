package session

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/keycard-hq/keycard-core/pkg/channel"
	"github.com/keycard-hq/keycard-core/pkg/commandset"
	"github.com/keycard-hq/keycard-core/pkg/pairing"
	"github.com/keycard-hq/keycard-core/pkg/signal"
)

// DefaultPairingPassword is used to PAIR a card this driver has never seen
// before, matching the Keycard applet's factory default.
const DefaultPairingPassword = "KeycardDefaultPairing"

// publicDataSlot is the GET/STORE DATA slot index metadata is kept in.
const publicDataSlot = 0x00

var errAlreadyStarted = errors.New("session already started")
var errNotStarted = errors.New("session not started")
var errWrongState = errors.New("operation not valid in the current session state")

// Session is the Session Manager component (spec §4.3): owns one Channel,
// one Command Set, a pairing store, and the state machine above. It
// exposes a flat procedural API for non-flow workflows; the Flow Engine
// borrows the same Channel but keeps its own persistent Command Set.
type Session struct {
	logger *zap.Logger
	bus    *signal.Bus

	opMu sync.Mutex

	started bool
	ch      channel.Channel
	pairs   *pairing.Store

	// newCommandSet builds a fresh Command Set for a newly detected card.
	// Overridden in tests to inject a mock; production code always gets
	// commandset.New.
	newCommandSet func(channel.Channel) cardCommandSet

	mu         sync.Mutex
	state      State
	currentUID string
	cmdSet     cardCommandSet
	appInfo    commandset.ApplicationInfo
	appStatus  *commandset.ApplicationStatus
	metadata   *commandset.Metadata
	cardAuthed bool
}

// New constructs a Session bound to the given channel backend and signal
// bus. ch must not yet have detection started.
func New(ch channel.Channel, bus *signal.Bus) *Session {
	return &Session{
		logger:        zap.L().Named("session"),
		bus:           bus,
		ch:            ch,
		state:         UnknownReaderState,
		newCommandSet: func(ch channel.Channel) cardCommandSet { return commandset.New(ch) },
	}
}

// Start allocates the pairing store and starts Channel detection. Spec
// §4.3 "Startup" calls this idempotent-rejecting.
func (s *Session) Start(storagePath string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.started {
		return errAlreadyStarted
	}

	store, err := pairing.NewStore(storagePath)
	if err != nil {
		return errors.Wrap(err, "failed to open pairing store")
	}
	s.pairs = store

	s.ch.SetListener(s)
	if err := s.ch.StartDetection(); err != nil {
		return errors.Wrap(err, "failed to start channel detection")
	}

	s.started = true
	return nil
}

// Stop acquires the operation mutex before tearing down Channel/Command
// Set state, so in-flight background operations cannot dereference freed
// state (spec §4.3 "Concurrency").
func (s *Session) Stop() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if !s.started {
		return
	}

	s.ch.StopDetection()

	s.mu.Lock()
	s.resetCardState()
	s.mu.Unlock()

	s.started = false
}

func (s *Session) resetCardState() {
	s.cmdSet = nil
	s.currentUID = ""
	s.cardAuthed = false
	s.appInfo = commandset.ApplicationInfo{}
	s.appStatus = nil
	s.metadata = nil
}

// GetStatus returns a cached snapshot. It never issues an APDU (spec §4.3
// "Status reporting").
func (s *Session) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	st := newUnknownStatus()
	st.State = s.state

	if s.appInfo.Initialized || s.appInfo.Installed {
		st.InstanceUID = s.appInfo.InstanceUID.String()
		st.KeyUID = s.appInfo.KeyUID.String()
		st.FreeSlots = s.appInfo.AvailablePairingSlots
	}
	if s.appStatus != nil {
		st.PinRetries = s.appStatus.PinRetryCount
		st.PukRetries = s.appStatus.PukRetryCount
		st.DerivationPath = s.appStatus.DerivationPath
	}
	st.Paired = s.cmdSet != nil
	st.Metadata = s.metadata

	return st
}

// CurrentDerivationPath returns the cached derivation path without issuing
// an APDU (SPEC_FULL.md §4.3 supplement). The cache is filled only from
// GET_STATUS(application) responses, which carry no path, and the session
// never issues GetKeyPathStatus, so this returns nil.
func (s *Session) CurrentDerivationPath() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appStatus == nil {
		return nil
	}
	return s.appStatus.DerivationPath
}

func (s *Session) publishStatus() {
	snapshot := s.GetStatus()
	s.logger.Debug("status changed", zap.Stringer("state", snapshot.State))
	s.bus.Send("status-changed", snapshot)
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.publishStatus()
}

// -- channel.Listener --------------------------------------------------

func (s *Session) OnReaderAvailabilityChanged(available bool) {
	s.mu.Lock()
	cur := s.state
	s.mu.Unlock()

	if !available {
		s.setState(NoReadersFound)
		return
	}

	if cur != UnknownReaderState && cur != WaitingForReader {
		return // auto-resume noise
	}

	s.mu.Lock()
	s.resetCardState()
	s.mu.Unlock()

	s.setState(WaitingForCard)
}

func (s *Session) OnTargetDetected(uid string) {
	s.mu.Lock()
	cur := s.state
	sameCard := uid == s.currentUID && (cur == Ready || cur == Authorized || cur == ConnectingCard)
	s.mu.Unlock()

	if sameCard {
		return
	}

	s.mu.Lock()
	s.currentUID = uid
	s.mu.Unlock()
	s.setState(ConnectingCard)

	go s.connectSequence(uid)
}

func (s *Session) OnTargetLost() {
	s.mu.Lock()
	s.resetCardState()
	s.mu.Unlock()
	s.setState(WaitingForCard)
}

func (s *Session) OnError(kind channel.ErrorKind, message string) {
	s.logger.Error("channel error", zap.Stringer("kind", kind), zap.String("message", message))
	s.setState(ReaderConnectionError)
}

// connectSequence runs the full connect procedure (spec §4.3 step list) on
// a background goroutine so the Channel's detection thread is never
// blocked on card I/O.
func (s *Session) connectSequence(uid string) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	ctx := context.Background()

	cs := s.newCommandSet(s.ch)

	info, err := cs.Select(ctx)
	if err != nil {
		s.logger.Error("select failed", zap.Error(err))
		s.setState(ConnectionError)
		return
	}

	s.mu.Lock()
	s.appInfo = info
	s.mu.Unlock()

	if !info.Installed && len(info.SecureChannelPublicKey) == 0 {
		s.setState(NotKeycard)
		return
	}

	if !info.Initialized {
		s.setState(EmptyKeycard)
		return
	}

	pair := s.pairs.Get(info.InstanceUID.String())
	if pair == nil {
		pair, err = s.pairNewCard(ctx, cs, info)
		if err != nil {
			return // pairNewCard already set the terminal state
		}
	}
	cs.SetPairing(pair.ToCommandSetPairing())

	if err := cs.OpenSecureChannel(ctx); err != nil {
		s.logger.Error("open secure channel failed", zap.Error(err))
		s.setState(ConnectionError)
		return
	}

	// Mandatory GET_STATUS immediately after opening the channel (spec
	// §4.3 step 6) — skipping this desyncs the applet's internal state
	// machine and later commands fail with opaque SWs.
	status, err := cs.GetStatusApplication(ctx)
	if err != nil {
		s.logger.Error("get status failed after opening secure channel", zap.Error(err))
		s.setState(ConnectionError)
		return
	}

	meta, err := s.fetchMetadata(ctx, cs)
	if err != nil {
		s.logger.Warn("best-effort metadata fetch failed", zap.Error(err))
	}

	s.mu.Lock()
	s.cmdSet = cs
	s.appStatus = status
	s.metadata = meta
	s.mu.Unlock()

	s.ch.SetUIState(channel.UIIdle)
	s.setState(Ready)
}

func (s *Session) pairNewCard(ctx context.Context, cs cardCommandSet, info commandset.ApplicationInfo) (*pairing.Info, error) {
	cardPairing, err := cs.Pair(ctx, DefaultPairingPassword)
	if err != nil {
		if _, ok := err.(*commandset.NoSlotsError); ok {
			s.setState(PairingError)
			return nil, err
		}
		s.logger.Error("pair failed", zap.Error(err))
		s.setState(PairingError)
		return nil, err
	}

	stored := pairing.FromCardPairing(cardPairing)
	if err := s.pairs.Store(info.InstanceUID.String(), stored); err != nil {
		s.logger.Error("failed to persist pairing", zap.Error(err))
		s.setState(ConnectionError)
		return nil, err
	}

	return stored, nil
}

func (s *Session) fetchMetadata(ctx context.Context, cs cardCommandSet) (*commandset.Metadata, error) {
	raw, err := cs.GetData(ctx, publicDataSlot)
	if err != nil {
		return nil, err
	}
	return commandset.ParseMetadata(raw)
}
