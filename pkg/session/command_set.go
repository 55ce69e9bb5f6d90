package session

import (
	"context"

	"github.com/keycard-hq/keycard-core/pkg/commandset"
)

// cardCommandSet is the narrow view of commandset.CommandSet this package
// actually calls. Defined at the point of use (not in package commandset)
// so tests can substitute a mock without touching real card hardware or a
// live secure channel.
type cardCommandSet interface {
	Select(ctx context.Context) (commandset.ApplicationInfo, error)
	SetPairing(p *commandset.PairingInfo)
	Pair(ctx context.Context, pairingPassword string) (*commandset.PairingInfo, error)
	OpenSecureChannel(ctx context.Context) error
	GetStatusApplication(ctx context.Context) (*commandset.ApplicationStatus, error)
	GetKeyPathStatus(ctx context.Context) (*commandset.ApplicationStatus, error)
	VerifyPIN(ctx context.Context, pin string) error
	ChangePIN(ctx context.Context, pin string) error
	ChangePUK(ctx context.Context, puk string) error
	UnblockPIN(ctx context.Context, puk, newPIN string) error
	ChangePairingSecret(ctx context.Context, newPairingPassword string) error
	Init(ctx context.Context, pin, puk, pairingPassword string) error
	FactoryReset(ctx context.Context) error
	GenerateMnemonic(ctx context.Context, checksumSize int) ([]int, error)
	LoadSeed(ctx context.Context, seed []byte) ([]byte, error)
	ExportKey(ctx context.Context, derive, makeCurrent, onlyPublic bool, path string) (*commandset.KeyPair, error)
	ExportKeyExtended(ctx context.Context, derive, makeCurrent bool, path string) (*commandset.KeyPair, error)
	SignWithPath(ctx context.Context, hash []byte, path string) (*commandset.Signature, error)
	RemoveKey(ctx context.Context) error
	Unpair(ctx context.Context, index uint8) error
	StoreData(ctx context.Context, typ uint8, data []byte) error
	GetData(ctx context.Context, typ uint8) ([]byte, error)
}

var _ cardCommandSet = (*commandset.CommandSet)(nil)
