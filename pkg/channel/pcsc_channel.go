package channel

import (
	"context"
	"runtime"
	"sync"

	"github.com/ebfe/scard"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// pnpNotificationReader is a pseudo-reader some PC/SC stacks support so
// GetStatusChange also wakes up when a reader is plugged in, not just when
// a card is inserted/removed on an already-known reader.
const pnpNotificationReader = `\\?PnP?\Notification`

const infiniteTimeout = -1
const zeroTimeout = 0

// PCSCChannel is the desktop Channel backend: it polls PC/SC readers with a
// blocking GetStatusChange on a dedicated goroutine (spec §4.1 "Algorithmic
// notes" rejects a short-timer poll loop as it desynchronizes with
// upper-layer timers) and serializes Transmit calls with a mutex. Each
// APDU exchange runs on a goroutine locked to its OS thread for that one
// call; successive calls of one card connection may run on different
// threads.
type PCSCChannel struct {
	logger *zap.Logger

	listener Listener

	mu           sync.Mutex
	cardCtx      *scard.Context
	card         *scard.Card
	activeReader string
	forceScan    bool

	detectCancel context.CancelFunc

	txMu sync.Mutex
}

// NewPCSCChannel constructs a channel backend that has not yet started
// detection. Call SetListener then StartDetection.
func NewPCSCChannel() *PCSCChannel {
	return &PCSCChannel{logger: zap.L().Named("channel")}
}

func (c *PCSCChannel) SetListener(l Listener) {
	c.listener = l
}

func (c *PCSCChannel) SetUIState(UIState) {
	// PC/SC has no platform NFC session to drive.
}

func (c *PCSCChannel) StartDetection() error {
	c.mu.Lock()
	if c.detectCancel != nil {
		c.mu.Unlock()
		return nil // idempotent restart
	}

	cardCtx, err := scard.EstablishContext()
	if err != nil {
		c.mu.Unlock()
		return errors.Wrap(err, "failed to establish PC/SC context")
	}
	c.cardCtx = cardCtx

	ctx, cancel := context.WithCancel(context.Background())
	c.detectCancel = cancel
	c.mu.Unlock()

	go c.detectionLoop(ctx)

	return nil
}

func (c *PCSCChannel) StopDetection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.detectCancel != nil {
		c.detectCancel()
		c.detectCancel = nil
	}
	if c.cardCtx != nil {
		_ = c.cardCtx.Cancel()
		_ = c.cardCtx.Release()
		c.cardCtx = nil
	}
}

// ForceScan disconnects the current target and re-arms the blocking
// GetStatusChange so the same physical card is re-detected — used after
// INIT / factory-reset (spec §4.1, §4.3).
func (c *PCSCChannel) ForceScan() {
	c.mu.Lock()
	c.forceScan = true
	c.disconnectLocked()
	cardCtx := c.cardCtx
	c.mu.Unlock()

	if cardCtx != nil {
		if err := cardCtx.Cancel(); err != nil {
			c.logger.Warn("failed to cancel PC/SC context for force scan", zap.Error(err))
		}
	}
}

func (c *PCSCChannel) disconnectLocked() {
	if c.card != nil {
		_ = c.card.Disconnect(scard.LeaveCard)
		c.card = nil
	}
	c.activeReader = ""
	if c.listener != nil {
		c.listener.OnTargetLost()
	}
}

// Transmit serializes one APDU round-trip. Card communication is pinned to
// a single OS thread for the life of the call, mirroring the teacher's
// command-channel pattern for PC/SC drivers sensitive to thread affinity.
func (c *PCSCChannel) Transmit(ctx context.Context, apdu []byte) ([]byte, error) {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	c.mu.Lock()
	card := c.card
	c.mu.Unlock()

	if card == nil {
		return nil, errors.New("no card connected")
	}

	type result struct {
		resp []byte
		err  error
	}
	done := make(chan result, 1)

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		resp, err := card.Transmit(apdu)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			c.handleTransmitError(r.err)
		}
		return r.resp, r.err
	case <-ctx.Done():
		// The APDU is already on its way to the card; keep txMu until its
		// response arrives so the next exchange cannot overlap it.
		<-done
		return nil, ctx.Err()
	}
}

func (c *PCSCChannel) handleTransmitError(err error) {
	if _, ok := err.(scard.Error); !ok {
		// Malformed/short response: a protocol error, not a transport one.
		// Surfaced directly to the caller, no synthetic target_lost.
		return
	}

	c.logger.Warn("transport error during transmit, disconnecting", zap.Error(err))
	c.mu.Lock()
	c.disconnectLocked()
	c.mu.Unlock()
}

func (c *PCSCChannel) detectionLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if c.detectionStep(ctx) {
			return
		}
	}
}

// detectionStep runs one iteration: read current reader/card state, notify
// the listener, then block on GetStatusChange until something changes.
// Returns true when the loop should stop.
func (c *PCSCChannel) detectionStep(ctx context.Context) bool {
	c.mu.Lock()
	cardCtx := c.cardCtx
	c.mu.Unlock()

	if cardCtx == nil {
		return true
	}

	readers, err := c.currentReaderStates(cardCtx)
	if err != nil {
		if c.listener != nil {
			c.listener.OnError(ErrorKindReaderStack, err.Error())
		}
		return false
	}

	if c.listener != nil {
		c.listener.OnReaderAvailabilityChanged(!readers.empty())
	}

	if err := c.scanForTarget(cardCtx, readers); err != nil {
		c.logger.Error("failed scanning readers for a target", zap.Error(err))
	}

	watch := append(readerStates{}, readers...)
	watch = append(watch, scard.ReaderState{Reader: pnpNotificationReader, CurrentState: scard.StateUnaware})

	err = cardCtx.GetStatusChange(watch, infiniteTimeout)
	if err == scard.ErrCancelled {
		c.mu.Lock()
		again := c.forceScan
		c.forceScan = false
		c.mu.Unlock()
		return !again
	}
	if err != nil {
		c.logger.Error("GetStatusChange failed", zap.Error(err))
		if c.listener != nil {
			c.listener.OnError(ErrorKindReaderStack, err.Error())
		}
	}

	return false
}

func (c *PCSCChannel) currentReaderStates(cardCtx *scard.Context) (readerStates, error) {
	names, err := cardCtx.ListReaders()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list PC/SC readers")
	}

	rs := make(readerStates, len(names))
	for i, name := range names {
		rs[i].Reader = name
		rs[i].CurrentState = scard.StateUnaware
	}

	if rs.empty() {
		return rs, nil
	}

	if err := cardCtx.GetStatusChange(rs, zeroTimeout); err != nil {
		return nil, errors.Wrap(err, "failed to read PC/SC reader status")
	}
	rs.updateCurrent()

	known := make(readerStates, 0, len(rs))
	for i := range rs {
		if rs[i].EventState&scard.StateUnknown == 0 {
			known = append(known, rs[i])
		}
	}

	return known, nil
}

// scanForTarget connects a card if one is present and we are not already
// connected to the same reader — the "same UID already connected" defense
// spec §4.1 calls out as the only protection against interpreting
// auto-resume as a card swap (also see §8 property 7, enforced one layer
// up by the Session Manager which knows the UID; here we only suppress a
// redundant reconnect to the same reader).
func (c *PCSCChannel) scanForTarget(cardCtx *scard.Context, readers readerStates) error {
	c.mu.Lock()
	already := !c.forceScan && c.activeReader != "" && readers.contains(c.activeReader) && readers.readerHasCard(c.activeReader)
	c.mu.Unlock()

	if already {
		return nil
	}

	if readers.empty() {
		return nil
	}

	c.mu.Lock()
	c.forceScan = false
	c.disconnectLocked()
	c.mu.Unlock()

	idx, ok := readers.indexWithCard()
	if !ok {
		return nil
	}

	reader := readers[idx].Reader
	card, err := cardCtx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return errors.Wrap(err, "failed to connect to card")
	}

	status, err := card.Status()
	if err != nil {
		_ = card.Disconnect(scard.LeaveCard)
		return errors.Wrap(err, "failed to read card status")
	}

	uid := atrToUID(status.Atr)

	c.mu.Lock()
	c.card = card
	c.activeReader = reader
	c.mu.Unlock()

	if c.listener != nil {
		c.listener.OnTargetDetected(uid)
	}

	return nil
}
