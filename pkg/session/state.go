package session

import "github.com/keycard-hq/keycard-core/pkg/commandset"

// State is the Session Manager's state machine (spec §3 SessionState).
// External representation uses the kebab-case names via String().
type State int

const (
	UnknownReaderState State = iota
	NoReadersFound
	WaitingForReader
	ReaderConnectionError
	WaitingForCard
	ConnectingCard
	EmptyKeycard
	NotKeycard
	ConnectionError
	PairingError
	BlockedPIN
	BlockedPUK
	Ready
	Authorized
	FactoryResetting
)

func (s State) String() string {
	switch s {
	case UnknownReaderState:
		return "unknown-reader-state"
	case NoReadersFound:
		return "no-readers-found"
	case WaitingForReader:
		return "waiting-for-reader"
	case ReaderConnectionError:
		return "reader-connection-error"
	case WaitingForCard:
		return "waiting-for-card"
	case ConnectingCard:
		return "connecting-card"
	case EmptyKeycard:
		return "empty-keycard"
	case NotKeycard:
		return "not-keycard"
	case ConnectionError:
		return "connection-error"
	case PairingError:
		return "pairing-error"
	case BlockedPIN:
		return "blocked-pin"
	case BlockedPUK:
		return "blocked-puk"
	case Ready:
		return "ready"
	case Authorized:
		return "authorized"
	case FactoryResetting:
		return "factory-resetting"
	default:
		return "unknown-reader-state"
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Status is the structured snapshot returned by GetStatus. It is built
// entirely from cached state — no APDU is issued to produce it (spec
// §4.3 "Status reporting").
type Status struct {
	State          State                `json:"state"`
	InstanceUID    string               `json:"instanceUID,omitempty"`
	KeyUID         string               `json:"keyUID,omitempty"`
	FreeSlots      int                  `json:"freeSlots"`
	PinRetries     int                  `json:"pinRetries"`
	PukRetries     int                  `json:"pukRetries"`
	Paired         bool                 `json:"paired"`
	DerivationPath []uint32             `json:"derivationPath,omitempty"`
	Metadata       *commandset.Metadata `json:"metadata,omitempty"`
}

// newUnknownStatus is the zero-card status the manager reports before a
// target has been detected, or after one was lost.
func newUnknownStatus() Status {
	return Status{State: UnknownReaderState, PinRetries: -1, PukRetries: -1}
}
