package flow

import (
	"context"
	"strings"

	"github.com/ebfe/scard"
	"github.com/pkg/errors"
	derivationpath "github.com/status-im/keycard-go/derivationpath"

	"github.com/keycard-hq/keycard-core/pkg/commandset"
	"github.com/keycard-hq/keycard-core/pkg/cryptoutil"
	"github.com/keycard-hq/keycard-core/pkg/pairing"
	"github.com/keycard-hq/keycard-core/pkg/utils"
)

var errMetadataPathPrefix = errors.New("wallet path must start with " + pathWalletRoot)

func lastPathComponentIndex(path string) (uint32, error) {
	_, components, err := derivationpath.Parse(path)
	if err != nil {
		return 0, err
	}
	if len(components) == 0 {
		return 0, errors.New("empty derivation path")
	}
	return components[len(components)-1], nil
}

const publicDataSlot = 0x00

// isRestartable reports whether err is a PC/SC transport failure (reader
// vanished mid-APDU, short read, timeout — spec §7 "Transport"): those
// unwind the current flow attempt back to the top, where wait_for_card
// re-detects the card. Everything else — the documented card-semantic
// errors each caller already handles explicitly (wrong PIN, no slots,
// ...), and any other error this package doesn't otherwise recognize, such
// as a rejected pairing password that commandset.classifySW left
// unwrapped — is non-restartable: callers with a retry loop (pairing, PIN,
// PUK) pause for new input, and the others end the flow with the error. A
// default of "restart" here would silently spin forever retrying an APDU
// the card will never accept.
func isRestartable(err error) bool {
	_, ok := err.(scard.Error)
	return ok
}

func (e *Engine) factoryReset(ctx context.Context, cs cardCommandSet) error {
	err := cs.FactoryReset(ctx)
	if err == nil {
		e.deleteParam(KeyFactoryReset)
		e.ch.ForceScan()
		return restartErr()
	}
	if isRestartable(err) {
		return restartErr()
	}
	return err
}

func (e *Engine) selectKeycard(ctx context.Context, cs cardCommandSet) error {
	info, err := cs.Select(ctx)
	if err != nil {
		return restartErr()
	}

	e.mu.Lock()
	e.cardInfo.instanceUID = info.InstanceUID.String()
	e.cardInfo.keyUID = info.KeyUID.String()
	e.cardInfo.freeSlots = info.AvailablePairingSlots
	e.cardInfo.initialized = info.Initialized
	e.appInfo = info
	e.mu.Unlock()

	if !info.Installed {
		return e.pauseAndRestart(SignalSwapCard, ErrSelectFailed)
	}

	if want, ok := e.getParam(KeyInstanceUID); ok {
		if s, _ := want.(string); s != "" && s != info.InstanceUID.String() {
			return e.pauseAndRestart(SignalSwapCard, ErrSelectFailed)
		}
	}
	if want, ok := e.getParam(KeyUID); ok {
		if s, _ := want.(string); s != "" && s != info.KeyUID.String() {
			return e.pauseAndRestart(SignalSwapCard, ErrSelectFailed)
		}
	}

	return nil
}

func (e *Engine) pair(ctx context.Context, cs cardCommandSet) error {
	e.mu.Lock()
	freeSlots := e.cardInfo.freeSlots
	instanceUID := e.cardInfo.instanceUID
	e.mu.Unlock()

	if freeSlots == 0 {
		return e.pauseAndRestart(SignalSwapCard, ErrNoKeys)
	}

	pass, ok := e.getParam(KeyPairingPass)
	passStr, _ := pass.(string)
	if !ok || passStr == "" {
		passStr = defaultPairingPassword
	}

	info, err := cs.Pair(ctx, passStr)
	if err == nil {
		return e.pairs.Store(instanceUID, pairing.FromCardPairing(info))
	}
	if isRestartable(err) {
		return restartErr()
	}

	e.deleteParam(KeyPairingPass)

	if waitErr := e.pauseAndWait(SignalEnterPairing, ErrEnterPairing); waitErr != nil {
		return waitErr
	}
	return e.pair(ctx, cs)
}

func (e *Engine) initCard(ctx context.Context, cs cardCommandSet) error {
	newPIN, pinOK := e.getParam(KeyNewPIN)
	if !pinOK {
		if err := e.pauseAndWait(SignalEnterNewPIN, ErrRequireInit); err != nil {
			return err
		}
		return e.initCard(ctx, cs)
	}

	newPUK, pukOK := e.getParam(KeyNewPUK)
	if !pukOK {
		if err := e.pauseAndWait(SignalEnterNewPUK, ErrRequireInit); err != nil {
			return err
		}
		return e.initCard(ctx, cs)
	}

	pairingPass, ok := e.getParam(KeyNewPairing)
	pairingPassStr, _ := pairingPass.(string)
	if !ok || pairingPassStr == "" {
		pairingPassStr = defaultPairingPassword
	}

	err := cs.Init(ctx, newPIN.(string), newPUK.(string), pairingPassStr)
	if err != nil {
		if isRestartable(err) {
			return restartErr()
		}
		return err
	}

	e.setParam(KeyPIN, newPIN)
	e.setParam(KeyPairingPass, pairingPassStr)
	e.deleteParam(KeyNewPIN)
	e.deleteParam(KeyNewPUK)
	e.deleteParam(KeyNewPairing)

	e.ch.ForceScan()
	return restartErr()
}

// openSC opens the secure channel, pairing first if this instance UID has
// never been paired. giveup suppresses the init-card / re-pair retry
// loops for callers (like GetAppInfo) that just want to know whether
// authentication is currently possible.
func (e *Engine) openSC(ctx context.Context, cs cardCommandSet, giveup bool) error {
	e.mu.Lock()
	instanceUID := e.cardInfo.instanceUID
	initialized := e.cardInfo.initialized
	e.mu.Unlock()

	if !initialized && !giveup {
		return e.initCard(ctx, cs)
	}

	pair := e.pairs.Get(instanceUID)

	if pair != nil {
		cs.SetPairing(pair.ToCommandSetPairing())
		err := cs.OpenSecureChannel(ctx)
		if err == nil {
			status, err := cs.GetStatusApplication(ctx)
			if err != nil {
				return restartErr()
			}
			e.mu.Lock()
			e.cardInfo.pinRetries = status.PinRetryCount
			e.cardInfo.pukRetries = status.PukRetryCount
			e.mu.Unlock()
			return nil
		}
		if isRestartable(err) {
			return restartErr()
		}
		_ = e.pairs.Delete(instanceUID)
	}

	if giveup {
		return giveupErr()
	}

	if err := e.pair(ctx, cs); err != nil {
		return err
	}
	return e.openSC(ctx, cs, giveup)
}

func (e *Engine) unblockPIN(ctx context.Context, cs cardCommandSet) error {
	e.mu.Lock()
	pukRetries := e.cardInfo.pukRetries
	e.mu.Unlock()

	if pukRetries == 0 {
		return e.pauseAndRestart(SignalSwapCard, ErrPINBlocked)
	}

	pukErrTag := ""

	newPIN, pinOK := e.getParam(KeyNewPIN)
	puk, pukOK := e.getParam(KeyPUK)

	if pinOK && pukOK {
		err := cs.UnblockPIN(ctx, puk.(string), newPIN.(string))
		if err == nil {
			e.setParam(KeyPIN, newPIN)
			e.deleteParam(KeyNewPIN)
			e.deleteParam(KeyPUK)
			return nil
		}
		if isRestartable(err) {
			return restartErr()
		}
		if wrong, ok := err.(*commandset.WrongPUKError); ok {
			e.mu.Lock()
			e.cardInfo.pukRetries = wrong.Remaining
			e.mu.Unlock()
			e.deleteParam(KeyPUK)
			pukOK = false
		}
		pukErrTag = ErrEnterPUK
	}

	e.mu.Lock()
	pukRetries = e.cardInfo.pukRetries
	e.mu.Unlock()
	if pukRetries == 0 {
		return e.pauseAndRestart(SignalSwapCard, ErrPINBlocked)
	}

	var err error
	if !pukOK {
		err = e.pauseAndWait(SignalEnterPUK, pukErrTag)
	} else if !pinOK {
		err = e.pauseAndWait(SignalEnterNewPIN, ErrLoadingKeys)
	}
	if err != nil {
		return err
	}
	return e.unblockPIN(ctx, cs)
}

func (e *Engine) authenticate(ctx context.Context, cs cardCommandSet) error {
	e.mu.Lock()
	pinRetries := e.cardInfo.pinRetries
	e.mu.Unlock()

	if pinRetries == 0 {
		return e.unblockPIN(ctx, cs)
	}

	pinErrTag := ""

	if pin, ok := e.getParam(KeyPIN); ok {
		err := cs.VerifyPIN(ctx, pin.(string))
		if err == nil {
			return nil
		}
		if isRestartable(err) {
			return restartErr()
		}
		if wrong, ok := err.(*commandset.WrongPINError); ok {
			e.mu.Lock()
			e.cardInfo.pinRetries = wrong.Remaining
			e.mu.Unlock()
			e.deleteParam(KeyPIN)
		}
		pinErrTag = ErrWrongPIN
	}

	e.mu.Lock()
	pinRetries = e.cardInfo.pinRetries
	e.mu.Unlock()
	if pinRetries == 0 {
		return e.unblockPIN(ctx, cs)
	}

	if err := e.pauseAndWait(SignalEnterPIN, pinErrTag); err != nil {
		return err
	}
	return e.authenticate(ctx, cs)
}

func (e *Engine) openSCAndAuthenticate(ctx context.Context, cs cardCommandSet, giveup bool) error {
	if err := e.openSC(ctx, cs, giveup); err != nil {
		return err
	}
	return e.authenticate(ctx, cs)
}

func (e *Engine) exportKey(ctx context.Context, cs cardCommandSet, path string, makeCurrent, onlyPublic bool) (*commandset.KeyPair, error) {
	kp, err := cs.ExportKey(ctx, true, makeCurrent, onlyPublic, path)
	if err != nil {
		if isRestartable(err) {
			return nil, restartErr()
		}
		return nil, err
	}
	return kp, nil
}

// exportWalletRootKey exports the wallet-root key, including its chain code
// whenever the connected applet supports extended export (SPEC_FULL.md §3
// supplement), falling back to the plain export path otherwise.
func (e *Engine) exportWalletRootKey(ctx context.Context, cs cardCommandSet) (*commandset.KeyPair, error) {
	e.mu.Lock()
	extended := e.appInfo.SupportsExtendedKeyExport()
	e.mu.Unlock()

	if !extended {
		return e.exportKey(ctx, cs, pathWalletRoot, true, true)
	}

	kp, err := cs.ExportKeyExtended(ctx, true, true, pathWalletRoot)
	if err != nil {
		if isRestartable(err) {
			return nil, restartErr()
		}
		return nil, err
	}
	return kp, nil
}

func (e *Engine) exportBIP44Key(ctx context.Context, cs cardCommandSet) (interface{}, error) {
	path, ok := e.getParam(KeyBIP44Path)
	if !ok {
		if err := e.pauseAndWait(SignalEnterPath, ErrExportFailed); err != nil {
			return nil, err
		}
		return e.exportBIP44Key(ctx, cs)
	}

	switch p := path.(type) {
	case string:
		return e.exportKey(ctx, cs, p, false, true)
	case []interface{}:
		keys := make([]*commandset.KeyPair, len(p))
		for i, raw := range p {
			k, err := e.exportKey(ctx, cs, raw.(string), false, true)
			if err != nil {
				return nil, err
			}
			keys[i] = k
		}
		return keys, nil
	default:
		e.deleteParam(KeyBIP44Path)
		return e.exportBIP44Key(ctx, cs)
	}
}

func (e *Engine) loadKeys(ctx context.Context, cs cardCommandSet) error {
	if mnemonic, ok := e.getParam(KeyMnemonic); ok {
		passphrase := ""
		seed := cryptoutil.MnemonicToSeed(mnemonic.(string), passphrase)
		keyUID, err := cs.LoadSeed(ctx, seed)
		if err != nil {
			if isRestartable(err) {
				return restartErr()
			}
			return err
		}
		e.mu.Lock()
		e.cardInfo.keyUID = utils.Btox(keyUID)
		e.mu.Unlock()
		return nil
	}

	length := defaultMnemonicLength
	if raw, ok := e.getParam(KeyMnemonicLen); ok {
		switch v := raw.(type) {
		case int:
			length = v
		case float64:
			length = int(v)
		}
	}

	indices, err := cs.GenerateMnemonic(ctx, length/3)
	if err != nil {
		if isRestartable(err) {
			return restartErr()
		}
		return err
	}

	if err := e.pauseAndWaitWithStatus(SignalEnterMnemonic, ErrLoadingKeys, Status{KeyMnemonicIdxs: indices}); err != nil {
		return err
	}
	return e.loadKeys(ctx, cs)
}

func (e *Engine) changePIN(ctx context.Context, cs cardCommandSet) error {
	if newPIN, ok := e.getParam(KeyNewPIN); ok {
		err := cs.ChangePIN(ctx, newPIN.(string))
		if err != nil {
			if isRestartable(err) {
				return restartErr()
			}
			return err
		}
		return nil
	}
	if err := e.pauseAndWait(SignalEnterNewPIN, ErrChangeFailed); err != nil {
		return err
	}
	return e.changePIN(ctx, cs)
}

func (e *Engine) changePUK(ctx context.Context, cs cardCommandSet) error {
	if newPUK, ok := e.getParam(KeyNewPUK); ok {
		err := cs.ChangePUK(ctx, newPUK.(string))
		if err != nil {
			if isRestartable(err) {
				return restartErr()
			}
			return err
		}
		return nil
	}
	if err := e.pauseAndWait(SignalEnterNewPUK, ErrChangeFailed); err != nil {
		return err
	}
	return e.changePUK(ctx, cs)
}

func (e *Engine) changePairing(ctx context.Context, cs cardCommandSet) error {
	if newPairing, ok := e.getParam(KeyNewPairing); ok {
		err := cs.ChangePairingSecret(ctx, newPairing.(string))
		if err != nil {
			if isRestartable(err) {
				return restartErr()
			}
			return err
		}
		return nil
	}
	if err := e.pauseAndWait(SignalEnterNewPair, ErrChangeFailed); err != nil {
		return err
	}
	return e.changePairing(ctx, cs)
}

func (e *Engine) sign(ctx context.Context, cs cardCommandSet) (*commandset.Signature, error) {
	path, ok := e.getParam(KeyBIP44Path)
	if !ok {
		if err := e.pauseAndWait(SignalEnterPath, ErrExportFailed); err != nil {
			return nil, err
		}
		return e.sign(ctx, cs)
	}

	hash, hashOK := e.getParam(KeyTXHash)
	var rawHash []byte
	if hashOK {
		var err error
		rawHash, err = utils.Xtob(hash.(string))
		if err != nil {
			hashOK = false
		}
	}
	if !hashOK {
		if err := e.pauseAndWait(SignalEnterTXHash, ErrExportFailed); err != nil {
			return nil, err
		}
		return e.sign(ctx, cs)
	}

	sig, err := cs.SignWithPath(ctx, rawHash, path.(string))
	if err != nil {
		if isRestartable(err) {
			return nil, restartErr()
		}
		return nil, err
	}
	return sig, nil
}

func (e *Engine) storeMetadata(ctx context.Context, cs cardCommandSet) error {
	name, nameOK := e.getParam(KeyCardName)
	if !nameOK {
		if err := e.pauseAndWait(SignalEnterName, ErrCardError); err != nil {
			return err
		}
		return e.storeMetadata(ctx, cs)
	}

	w, walletsOK := e.getParam(KeyWalletPaths)
	if !walletsOK {
		if err := e.pauseAndWait(SignalEnterWallets, ErrCardError); err != nil {
			return err
		}
		return e.storeMetadata(ctx, cs)
	}

	wallets, _ := w.([]interface{})
	indices := make([]uint32, 0, len(wallets))
	for _, raw := range wallets {
		p, _ := raw.(string)
		if !strings.HasPrefix(p, pathWalletRoot) {
			return errMetadataPathPrefix
		}
		idx, err := lastPathComponentIndex(p)
		if err != nil {
			return err
		}
		indices = append(indices, idx)
	}

	blob, err := commandset.EncodeMetadata(name.(string), indices)
	if err != nil {
		return err
	}

	if err := cs.StoreData(ctx, publicDataSlot, blob); err != nil {
		if isRestartable(err) {
			return restartErr()
		}
		return err
	}
	return nil
}

func (e *Engine) getMetadata(ctx context.Context, cs cardCommandSet) (*commandset.Metadata, error) {
	raw, err := cs.GetData(ctx, publicDataSlot)
	if err != nil {
		if isRestartable(err) {
			return nil, restartErr()
		}
		return nil, err
	}
	return commandset.ParseMetadata(raw)
}
