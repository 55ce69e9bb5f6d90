package commandset

import (
	"context"

	keycard "github.com/status-im/keycard-go"
	"github.com/status-im/keycard-go/io"

	"github.com/keycard-hq/keycard-core/pkg/channel"
)

// CommandSet is the Command Set component (spec §4.2): a thin, opaque
// wrapper around the out-of-scope keycard-go codec. It owns exactly one
// codec CommandSet for the lifetime of one card connection and translates
// the codec's status-word and typed errors into our own stable error
// types, so nothing above this package ever imports keycard-go directly.
type CommandSet struct {
	transmitter *cardTransmitter
	kc          *keycard.CommandSet

	applicationInfo ApplicationInfo
	pairing         *PairingInfo
}

// New builds a fresh CommandSet bound to ch. Spec §4.2/§4.3 requires a new
// Command Set per card insertion — callers must not reuse one across
// connections.
func New(ch channel.Channel) *CommandSet {
	t := newCardTransmitter(ch)
	return &CommandSet{
		transmitter: t,
		kc:          keycard.NewCommandSet(io.NewNormalChannel(t)),
	}
}

// SetPairing primes the codec with a previously stored pairing key/index so
// OpenSecureChannel can be issued without repeating PAIR.
func (cs *CommandSet) SetPairing(p *PairingInfo) {
	cs.pairing = p
	if p != nil {
		cs.kc.SetPairingInfo(p.Key, p.Index)
	}
}

// Select issues SELECT and returns the parsed ApplicationInfo (spec §4.2
// Select). A card with no Keycard applet installed returns a zero-value
// ApplicationInfo rather than an error — the caller (Session Manager)
// checks Installed/Initialized to branch into NotKeycard/EmptyKeycard.
func (cs *CommandSet) Select(ctx context.Context) (ApplicationInfo, error) {
	cs.transmitter.setContext(ctx)

	if err := cs.kc.Select(); err != nil {
		return ApplicationInfo{}, classifySW(err)
	}

	cs.applicationInfo = toApplicationInfo(cs.kc.ApplicationInfo)
	return cs.applicationInfo, nil
}

// Init loads PIN/PUK/pairing-password secrets into a pre-initialized card
// (spec §4.2 Init). Only valid directly after Select reports
// Installed && !Initialized.
func (cs *CommandSet) Init(ctx context.Context, pin, puk, pairingPassword string) error {
	cs.transmitter.setContext(ctx)
	secrets := keycard.NewSecrets(pin, puk, pairingPassword)
	return classifySW(cs.kc.Init(secrets))
}

// Pair exchanges a pairing secret and stores the resulting key/index on
// this CommandSet for subsequent OpenSecureChannel calls.
func (cs *CommandSet) Pair(ctx context.Context, pairingPassword string) (*PairingInfo, error) {
	cs.transmitter.setContext(ctx)

	if err := cs.kc.Pair(pairingPassword); err != nil {
		if err == keycard.ErrNoAvailablePairingSlots {
			return nil, &NoSlotsError{}
		}
		return nil, classifySW(err)
	}

	cs.pairing = toPairingInfo(cs.kc.PairingInfo)
	return cs.pairing, nil
}

// OpenSecureChannel establishes the AES-256 secure channel using the
// pairing info previously set via Pair or SetPairing (spec §4.2
// OpenSecureChannel). Per spec §4.3 this must always be followed
// immediately by a GetStatusApplication call before any other command.
func (cs *CommandSet) OpenSecureChannel(ctx context.Context) error {
	cs.transmitter.setContext(ctx)
	return classifySW(cs.kc.OpenSecureChannel())
}

// GetStatusApplication issues GET_STATUS(P1=0x00).
func (cs *CommandSet) GetStatusApplication(ctx context.Context) (*ApplicationStatus, error) {
	cs.transmitter.setContext(ctx)

	st, err := cs.kc.GetStatusApplication()
	if err != nil {
		return nil, classifySW(err)
	}
	return toApplicationStatus(st), nil
}

// GetKeyPathStatus issues GET_STATUS(P1=0x01), returning the current key
// derivation path (SPEC_FULL.md §3/§4.3 supplement).
func (cs *CommandSet) GetKeyPathStatus(ctx context.Context) (*ApplicationStatus, error) {
	cs.transmitter.setContext(ctx)

	st, err := cs.kc.GetStatusKeyPath()
	if err != nil {
		return nil, classifySW(err)
	}
	return toApplicationStatus(st), nil
}

// VerifyPIN authenticates the session against the card's PIN.
func (cs *CommandSet) VerifyPIN(ctx context.Context, pin string) error {
	cs.transmitter.setContext(ctx)
	return translatePINPUKError(cs.kc.VerifyPIN(pin))
}

// ChangePIN replaces the PIN. Requires an authorized session.
func (cs *CommandSet) ChangePIN(ctx context.Context, pin string) error {
	cs.transmitter.setContext(ctx)
	return classifySW(cs.kc.ChangePIN(pin))
}

// ChangePUK replaces the PUK. Requires an authorized session.
func (cs *CommandSet) ChangePUK(ctx context.Context, puk string) error {
	cs.transmitter.setContext(ctx)
	return classifySW(cs.kc.ChangePUK(puk))
}

// UnblockPIN consumes the PUK to reset a blocked PIN.
func (cs *CommandSet) UnblockPIN(ctx context.Context, puk, newPIN string) error {
	cs.transmitter.setContext(ctx)
	return translatePINPUKError(cs.kc.UnblockPIN(puk, newPIN))
}

// ChangePairingSecret rotates the pairing password used by future PAIR
// calls; it does not affect the already-established pairing key.
func (cs *CommandSet) ChangePairingSecret(ctx context.Context, newPairingPassword string) error {
	cs.transmitter.setContext(ctx)
	return classifySW(cs.kc.ChangePairingSecret(newPairingPassword))
}

// GenerateMnemonic asks the card's onboard RNG to produce entropy and
// returns it as a BIP39 word-index list: indices into the English wordlist
// that cryptoutil.WordAt reads.
func (cs *CommandSet) GenerateMnemonic(ctx context.Context, checksumSize int) ([]int, error) {
	cs.transmitter.setContext(ctx)

	indexes, err := cs.kc.GenerateMnemonic(checksumSize)
	if err != nil {
		return nil, classifySW(err)
	}
	return indexes, nil
}

// LoadSeed installs a BIP32 master seed (derived off-card from a mnemonic
// via cryptoutil.MnemonicToSeed) and returns the key UID the card reports
// for the loaded master key.
func (cs *CommandSet) LoadSeed(ctx context.Context, seed []byte) ([]byte, error) {
	cs.transmitter.setContext(ctx)

	pubKey, err := cs.kc.LoadSeed(seed)
	if err != nil {
		return nil, classifySW(err)
	}
	return pubKey, nil
}

// FactoryReset wipes keys, PIN/PUK state and all pairings. Per spec §4.3
// the Session Manager must force a fresh card re-detection afterward since
// the applet instance is effectively a new card from the driver's point of
// view.
func (cs *CommandSet) FactoryReset(ctx context.Context) error {
	cs.transmitter.setContext(ctx)
	return classifySW(cs.kc.FactoryReset())
}

// ExportKey exports the key at the current path (derive=false) or at path
// (derive=true), optionally advancing the current path (makeCurrent) and
// optionally omitting the private key (onlyPublic).
func (cs *CommandSet) ExportKey(ctx context.Context, derive, makeCurrent, onlyPublic bool, path string) (*KeyPair, error) {
	cs.transmitter.setContext(ctx)

	privKey, pubKey, err := cs.kc.ExportKey(derive, makeCurrent, onlyPublic, path)
	if err != nil {
		return nil, classifySW(err)
	}
	return toKeyPair(privKey, pubKey, nil)
}

// ExportKeyExtended exports the public key at path along with its BIP32
// chain code, so the caller can derive further child keys off-card without
// asking the applet again (spec §3 KeyPair, §4.2). Only applets satisfying
// ApplicationInfo.SupportsExtendedKeyExport answer this APDU; callers must
// check that before calling.
func (cs *CommandSet) ExportKeyExtended(ctx context.Context, derive, makeCurrent bool, path string) (*KeyPair, error) {
	cs.transmitter.setContext(ctx)

	exported, err := cs.kc.ExportKeyExtended(derive, makeCurrent, keycard.P2ExportKeyExtendedPublic, path)
	if err != nil {
		return nil, classifySW(err)
	}
	return toKeyPair(exported.PrivKey(), exported.PubKey(), exported.ChainCode())
}

// SignWithPath derives path then signs a 32-byte hash at that path,
// leaving the card's current path unchanged (spec §4.2 Sign).
func (cs *CommandSet) SignWithPath(ctx context.Context, hash []byte, path string) (*Signature, error) {
	cs.transmitter.setContext(ctx)

	sig, err := cs.kc.SignWithPath(hash, path)
	if err != nil {
		return nil, classifySW(err)
	}
	return toSignature(sig), nil
}

// RemoveKey deletes the key currently loaded on the card.
func (cs *CommandSet) RemoveKey(ctx context.Context) error {
	cs.transmitter.setContext(ctx)
	return classifySW(cs.kc.RemoveKey())
}

// Unpair removes the pairing slot at index.
func (cs *CommandSet) Unpair(ctx context.Context, index uint8) error {
	cs.transmitter.setContext(ctx)
	return classifySW(cs.kc.Unpair(index))
}

// StoreData persists an opaque metadata blob in the card's public data
// store (spec §3 Metadata, §4.3 StoreMetadata/GetMetadata).
func (cs *CommandSet) StoreData(ctx context.Context, typ uint8, data []byte) error {
	cs.transmitter.setContext(ctx)
	return classifySW(cs.kc.StoreData(typ, data))
}

// GetData reads back a previously stored metadata blob.
func (cs *CommandSet) GetData(ctx context.Context, typ uint8) ([]byte, error) {
	cs.transmitter.setContext(ctx)

	data, err := cs.kc.GetData(typ)
	if err != nil {
		return nil, classifySW(err)
	}
	return data, nil
}

// CachedApplicationInfo returns the ApplicationInfo captured by the last
// Select call, without issuing any APDU.
func (cs *CommandSet) CachedApplicationInfo() ApplicationInfo {
	return cs.applicationInfo
}

// translatePINPUKError converts the codec's typed wrong-PIN/wrong-PUK
// errors into our own stable types, so callers never need to import
// keycard-go to inspect RemainingAttempts.
func translatePINPUKError(err error) error {
	if err == nil {
		return nil
	}

	if wrongPIN, ok := err.(*keycard.WrongPINError); ok {
		return &WrongPINError{Remaining: wrongPIN.RemainingAttempts}
	}
	if wrongPUK, ok := err.(*keycard.WrongPUKError); ok {
		return &WrongPUKError{Remaining: wrongPUK.RemainingAttempts}
	}

	return classifySW(err)
}
