// Package channel implements spec §4.1: reader/target detection and
// serialized APDU transmission, abstracted behind the Channel interface so
// the Session Manager and Flow Engine never touch PC/SC (or NFC) directly.
package channel

import "context"

// UIState is the subset of the mobile NFC session lifecycle spec §4.1
// mentions ("A channel state visible on mobile: Idle / WaitingForCard /
// ..."). Desktop backends accept SetUIState calls and ignore them — there
// is no system NFC drawer to dismiss.
type UIState int

const (
	UIIdle UIState = iota
	UIWaitingForCard
)

// ErrorKind classifies a channel-level failure for Listener.OnError: a
// transport failure or a failure of the reader stack itself.
type ErrorKind int

const (
	ErrorKindTransport ErrorKind = iota
	ErrorKindReaderStack
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindTransport:
		return "transport"
	case ErrorKindReaderStack:
		return "reader-stack"
	default:
		return "unknown"
	}
}

// Listener receives the events spec §4.1 requires a Channel to emit. All
// callbacks may be invoked from the channel's dedicated detection
// goroutine; implementations must not block for long inside them.
type Listener interface {
	OnReaderAvailabilityChanged(available bool)
	OnTargetDetected(uidHex string)
	OnTargetLost()
	OnError(kind ErrorKind, message string)
}

// Channel is the contract a transport backend (PC/SC today; platform NFC
// on mobile, out of scope here) must satisfy. Implementations must
// serialize concurrent Transmit calls so APDU exchanges never interleave
// (spec §4.1, §5 "Ordering").
type Channel interface {
	// StartDetection begins (or idempotently continues) watching for
	// readers and cards. Safe to call multiple times.
	StartDetection() error
	// StopDetection halts detection. Safe to call even if never started.
	StopDetection()

	// Transmit sends one APDU and returns the raw response including
	// SW1SW2. Safe to call from any goroutine; calls are serialized.
	Transmit(ctx context.Context, apdu []byte) ([]byte, error)

	// ForceScan disconnects the current target and re-arms detection so
	// that OnTargetDetected fires again for the same physical card — used
	// after INIT / factory-reset invalidate the current connection.
	ForceScan()

	// SetUIState updates the mobile NFC session state. No-op on backends
	// without a platform UI session (e.g. PC/SC).
	SetUIState(state UIState)

	// SetListener installs the event sink. Must be called before
	// StartDetection.
	SetListener(l Listener)
}
