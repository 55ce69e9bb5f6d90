package session

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/keycard-hq/keycard-core/pkg/channel"
	"github.com/keycard-hq/keycard-core/pkg/commandset"
	"github.com/keycard-hq/keycard-core/pkg/cryptoutil"
	"github.com/keycard-hq/keycard-core/pkg/utils"
)

// Derivation paths, spec §4.3 "Key export" — contract, byte-for-byte.
const (
	PathMaster     = "m"
	PathWalletRoot = "m/44'/60'/0'/0"
	PathWallet     = "m/44'/60'/0'/0/0"
	PathEIP1581    = "m/43'/60'/1581'"
	PathWhisper    = "m/43'/60'/1581'/0'/0"
	PathEncryption = "m/43'/60'/1581'/1'/0"
)

func (s *Session) requireState(want State) (cardCommandSet, error) {
	if !s.started {
		return nil, errNotStarted
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != want || s.cmdSet == nil {
		return nil, errWrongState
	}
	return s.cmdSet, nil
}

func (s *Session) requireAtLeastReady() (cardCommandSet, error) {
	if !s.started {
		return nil, errNotStarted
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if (s.state != Ready && s.state != Authorized) || s.cmdSet == nil {
		return nil, errWrongState
	}
	return s.cmdSet, nil
}

// Authorize verifies the PIN against the connected card and, on success,
// refreshes the cached application status and transitions to Authorized
// (spec §4.3 "Authorize"). Must be called with the session in Ready.
func (s *Session) Authorize(pin string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	cs, err := s.requireState(Ready)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := cs.VerifyPIN(ctx, pin); err != nil {
		s.handleAuthFailure(err)
		return err
	}

	status, err := cs.GetStatusApplication(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.appStatus = status
	s.cardAuthed = true
	s.mu.Unlock()

	s.setState(Authorized)
	return nil
}

func (s *Session) handleAuthFailure(err error) {
	wrong, ok := err.(*commandset.WrongPINError)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.appStatus != nil {
		s.appStatus.PinRetryCount = wrong.Remaining
	}
	blocked := wrong.Remaining == 0
	s.mu.Unlock()

	if blocked {
		s.setState(BlockedPIN)
	} else {
		s.publishStatus()
	}
}

// Initialize loads PIN/PUK/pairing-password secrets into a pre-initialized
// card, rejecting a PIN that is not 6 ASCII digits or a PUK that is not 12
// before any APDU is sent, then forces a full re-detection since the resulting credentials
// invalidate everything the manager cached (spec §4.3 "INIT, factory-reset").
func (s *Session) Initialize(pin, puk, pairingPassword string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	cs, err := s.requireState(EmptyKeycard)
	if err != nil {
		return err
	}

	if len(pin) != 6 || len(puk) != 12 || strings.Trim(pin+puk, "0123456789") != "" {
		return errors.New("PIN must be 6 digits and PUK 12 digits")
	}

	if pairingPassword == "" {
		pairingPassword = DefaultPairingPassword
	}

	if err := cs.Init(context.Background(), pin, puk, pairingPassword); err != nil {
		return err
	}

	s.invalidateAndRescan()
	return nil
}

// FactoryReset wipes keys, PIN/PUK state and all pairings, then forces
// re-detection (spec §4.3).
func (s *Session) FactoryReset() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	cs, err := s.requireAtLeastReady()
	if err != nil {
		return err
	}

	s.setState(FactoryResetting)

	if err := cs.FactoryReset(context.Background()); err != nil {
		return err
	}

	s.invalidateAndRescan()
	return nil
}

func (s *Session) invalidateAndRescan() {
	s.mu.Lock()
	s.resetCardState()
	s.mu.Unlock()

	s.ch.SetUIState(channel.UIIdle)
	s.ch.ForceScan()
}

// ExportKey exports the key at path. The first export in an Authorized
// session's lifetime MUST set makeCurrent since the card's "current key"
// pointer is unset right after channel open (spec §4.3 "Key export").
func (s *Session) ExportKey(ctx context.Context, path string, makeCurrent, onlyPublic bool) (*commandset.KeyPair, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	cs, err := s.requireState(Authorized)
	if err != nil {
		return nil, err
	}
	return cs.ExportKey(ctx, true, makeCurrent, onlyPublic, path)
}

// ExportWalletRoot exports the wallet-root public key, including its BIP32
// chain code whenever the connected applet is new enough to support
// extended export (spec §4.3, §9 Open Question on the version threshold).
func (s *Session) ExportWalletRoot(ctx context.Context, makeCurrent bool) (*commandset.KeyPair, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	cs, err := s.requireState(Authorized)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	extended := s.appInfo.SupportsExtendedKeyExport()
	s.mu.Unlock()

	if extended {
		return cs.ExportKeyExtended(ctx, true, makeCurrent, PathWalletRoot)
	}
	return cs.ExportKey(ctx, true, makeCurrent, true, PathWalletRoot)
}

// Sign signs a 32-byte hash at path without disturbing the card's current
// key pointer.
func (s *Session) Sign(ctx context.Context, hash []byte, path string) (*commandset.Signature, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	cs, err := s.requireState(Authorized)
	if err != nil {
		return nil, err
	}
	return cs.SignWithPath(ctx, hash, path)
}

// ChangePIN requires Authorized.
func (s *Session) ChangePIN(ctx context.Context, newPIN string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	cs, err := s.requireState(Authorized)
	if err != nil {
		return err
	}
	return cs.ChangePIN(ctx, newPIN)
}

// ChangePUK requires Authorized.
func (s *Session) ChangePUK(ctx context.Context, newPUK string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	cs, err := s.requireState(Authorized)
	if err != nil {
		return err
	}
	return cs.ChangePUK(ctx, newPUK)
}

// ChangePairing requires Authorized; it rotates the pairing *password* used
// for future PAIR calls, not the already-established pairing key.
func (s *Session) ChangePairing(ctx context.Context, newPairingPassword string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	cs, err := s.requireState(Authorized)
	if err != nil {
		return err
	}
	return cs.ChangePairingSecret(ctx, newPairingPassword)
}

// UnblockPIN consumes the PUK to reset a blocked PIN; valid from Ready,
// BlockedPIN, or Authorized.
func (s *Session) UnblockPIN(ctx context.Context, puk, newPIN string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	cs := s.cmdSet
	ok := cs != nil && (s.state == Ready || s.state == BlockedPIN || s.state == Authorized)
	s.mu.Unlock()
	if !ok {
		return errWrongState
	}

	if err := cs.UnblockPIN(ctx, puk, newPIN); err != nil {
		if wrong, ok := err.(*commandset.WrongPUKError); ok && wrong.Remaining == 0 {
			s.setState(BlockedPUK)
		}
		return err
	}

	s.setState(Ready)
	return nil
}

// LoadMnemonic NFKD-normalizes mnemonic and passphrase, derives the BIP39
// seed, and hands it to LOAD SEED (spec §4.3 "Mnemonic load").
func (s *Session) LoadMnemonic(ctx context.Context, mnemonic, passphrase string) (string, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	cs, err := s.requireState(Authorized)
	if err != nil {
		return "", err
	}

	seed := cryptoutil.MnemonicToSeed(mnemonic, passphrase)
	keyUID, err := cs.LoadSeed(ctx, seed)
	if err != nil {
		return "", err
	}

	return utils.Btox(keyUID), nil
}

// StoreMetadata sorts indices ascending, run-length-encodes them, and
// writes the encoded blob to the card's public data slot (spec §4.3
// "Metadata store").
func (s *Session) StoreMetadata(ctx context.Context, name string, walletIndices []uint32) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	cs, err := s.requireState(Authorized)
	if err != nil {
		return err
	}

	blob, err := commandset.EncodeMetadata(name, walletIndices)
	if err != nil {
		return err
	}

	if err := cs.StoreData(ctx, publicDataSlot, blob); err != nil {
		return err
	}

	meta, err := commandset.ParseMetadata(blob)
	if err == nil {
		s.mu.Lock()
		s.metadata = meta
		s.mu.Unlock()
	}
	return nil
}

// GetMetadata re-fetches and parses the public data slot.
func (s *Session) GetMetadata(ctx context.Context) (*commandset.Metadata, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	cs, err := s.requireAtLeastReady()
	if err != nil {
		return nil, err
	}

	meta, err := s.fetchMetadata(ctx, cs)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.metadata = meta
	s.mu.Unlock()

	return meta, nil
}

// UnpairCurrent removes the pairing slot this session is currently using
// and forgets the stored record, so the next connection re-pairs from
// scratch (SPEC_FULL.md §4.3 supplement).
func (s *Session) UnpairCurrent(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	cs := s.cmdSet
	instanceUID := s.appInfo.InstanceUID.String()
	s.mu.Unlock()

	if cs == nil {
		return errWrongState
	}

	var index uint8
	if pair := s.pairs.Get(instanceUID); pair != nil {
		index = uint8(pair.Index)
	}

	if err := cs.Unpair(ctx, index); err != nil {
		return err
	}

	return s.pairs.Delete(instanceUID)
}

// UnpairSlot removes an arbitrary pairing slot by index, without touching
// the stored record for the currently connected card unless it matches.
func (s *Session) UnpairSlot(ctx context.Context, index uint8) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	cs, err := s.requireAtLeastReady()
	if err != nil {
		return err
	}

	if err := cs.Unpair(ctx, index); err != nil {
		return err
	}

	s.mu.Lock()
	instanceUID := s.appInfo.InstanceUID.String()
	s.mu.Unlock()

	if pair := s.pairs.Get(instanceUID); pair != nil && pair.Index == int(index) {
		return s.pairs.Delete(instanceUID)
	}
	return nil
}

// UnpairAll unpairs slots 0 through totalSlots-1 (occupied or not), then
// clears the local store entry for this card instance.
func (s *Session) UnpairAll(ctx context.Context, totalSlots int) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	cs := s.cmdSet
	instanceUID := s.appInfo.InstanceUID.String()
	s.mu.Unlock()

	if cs == nil {
		return errWrongState
	}

	var firstErr error
	for i := 0; i < totalSlots; i++ {
		if err := cs.Unpair(ctx, uint8(i)); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "unpairing slot %d", i)
		}
	}

	if err := s.pairs.Delete(instanceUID); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

