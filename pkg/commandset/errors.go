package commandset

import (
	"errors"
	"fmt"

	"github.com/status-im/keycard-go/apdu"
)

// Status-word based error classification, spec §4.2 "Error mapping".
const (
	swNoAvailablePairingSlots = 0x6A84
	swSecureChannelRequired   = 0x6982
	swConditionsNotSatisfied  = 0x6985
	swCardInternalA           = 0x6F05
	swCardInternalB           = 0x6F00
)

// NoSlotsError means the card has no free pairing slots left (SW 0x6A84).
// Terminal for the card instance short of a factory reset.
type NoSlotsError struct{}

func (e *NoSlotsError) Error() string { return "no available pairing slots" }

// WrongPasswordError names a PAIR rejected because the supplied pairing
// password didn't match the card's. Pair does not return it: a rejected
// password comes back as the codec's own error, which classifySW leaves
// unwrapped.
type WrongPasswordError struct{}

func (e *WrongPasswordError) Error() string { return "wrong pairing password" }

// WrongPINError carries the remaining PIN attempts from SW 0x63Cx.
type WrongPINError struct {
	Remaining int
}

func (e *WrongPINError) Error() string {
	return fmt.Sprintf("wrong PIN, %d attempts remaining", e.Remaining)
}

// WrongPUKError carries the remaining PUK attempts from SW 0x63Cx.
type WrongPUKError struct {
	Remaining int
}

func (e *WrongPUKError) Error() string {
	return fmt.Sprintf("wrong PUK, %d attempts remaining", e.Remaining)
}

// BlockedError means the retry counter has reached zero: PIN or PUK is
// permanently blocked for this card instance.
type BlockedError struct {
	PUK bool
}

func (e *BlockedError) Error() string {
	if e.PUK {
		return "PUK blocked"
	}
	return "PIN blocked"
}

// SecureChannelRequiredError maps SW 0x6982: the command needs an open
// secure channel.
type SecureChannelRequiredError struct{}

func (e *SecureChannelRequiredError) Error() string { return "secure channel required" }

// ConditionsError maps SW 0x6985 — conditions of use not satisfied, most
// often a command issued out of order (e.g. VERIFY_PIN before GET_STATUS).
type ConditionsError struct{}

func (e *ConditionsError) Error() string { return "conditions of use not satisfied" }

// CardInternalError maps SW 0x6F00/0x6F05. Per spec §4.3 this is often
// symptomatic of a skipped GET_STATUS call right after opening the secure
// channel, which leaves the applet's internal state machine desynced.
type CardInternalError struct {
	SW uint16
}

func (e *CardInternalError) Error() string {
	return fmt.Sprintf("card internal error (SW=%04x) — check GET_STATUS ordering", e.SW)
}

// classifySW maps a raw status word from the out-of-scope APDU codec into
// one of the typed errors above, falling back to the codec's own
// ErrBadResponse (still carrying the raw SW for telemetry) when the
// failure isn't one of the documented cases. PIN/PUK wrong-attempt errors
// are not handled here — the codec already returns a typed
// WrongPIN/WrongPUK error with the remaining-attempts count baked in, and
// translatePINPUKError (below) converts that into our own stable type.
func classifySW(err error) error {
	if err == nil {
		return nil
	}

	var bad *apdu.ErrBadResponse
	if !errors.As(err, &bad) {
		return err
	}

	switch bad.Sw {
	case swNoAvailablePairingSlots:
		return &NoSlotsError{}
	case swSecureChannelRequired:
		return &SecureChannelRequiredError{}
	case swConditionsNotSatisfied:
		return &ConditionsError{}
	case swCardInternalA, swCardInternalB:
		return &CardInternalError{SW: bad.Sw}
	default:
		return err
	}
}
