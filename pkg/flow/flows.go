package flow

import (
	"context"
)

func (e *Engine) dispatch(ctx context.Context, cs cardCommandSet) (Status, error) {
	e.mu.Lock()
	ft := e.flowType
	e.mu.Unlock()

	switch ft {
	case GetAppInfo:
		return e.getAppInfoFlow(ctx, cs)
	case RecoverAccount:
		return e.recoverAccountFlow(ctx, cs)
	case LoadAccount:
		return e.loadAccountFlow(ctx, cs)
	case Login:
		return e.loginFlow(ctx, cs)
	case ExportPublic:
		return e.exportPublicFlow(ctx, cs)
	case Sign:
		return e.signFlow(ctx, cs)
	case ChangePIN:
		return e.changePINFlow(ctx, cs)
	case ChangePUK:
		return e.changePUKFlow(ctx, cs)
	case ChangePairing:
		return e.changePairingFlow(ctx, cs)
	case GetMetadata:
		return e.getMetadataFlow(ctx, cs)
	case StoreMetadata:
		return e.storeMetadataFlow(ctx, cs)
	default:
		return nil, errUnknownFlow
	}
}

func (e *Engine) snapshotResult() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{KeyInstanceUID: e.cardInfo.instanceUID, KeyUID: e.cardInfo.keyUID}
}

// getAppInfoFlow is the one flow that authenticates on a best-effort
// basis: it never initializes or pairs the card, and a failed/missing
// pairing just reports paired:false instead of failing the flow. Once the
// secure channel is open it verifies the PIN, pausing for one if none was
// supplied (spec §4.4 "GetAppInfo").
func (e *Engine) getAppInfoFlow(ctx context.Context, cs cardCommandSet) (Status, error) {
	e.mu.Lock()
	info := e.appInfo
	e.mu.Unlock()

	res := Status{KeyAppInfo: info}

	err := e.openSCAndAuthenticate(ctx, cs, true)
	if err == nil {
		res[KeyPaired] = true
		e.mu.Lock()
		res[KeyPINRetries] = e.cardInfo.pinRetries
		res[KeyPUKRetries] = e.cardInfo.pukRetries
		e.mu.Unlock()
	} else if _, ok := err.(*giveupError); ok {
		res[KeyPaired] = false
	} else {
		return nil, err
	}

	return res, nil
}

// loginFlow exports the two session-scoped keys used to decrypt and sign
// application-layer messages (spec §4.4 "Login").
func (e *Engine) loginFlow(ctx context.Context, cs cardCommandSet) (Status, error) {
	if err := e.openSCAndAuthenticate(ctx, cs, false); err != nil {
		return nil, err
	}

	result := e.snapshotResult()

	whisper, err := e.exportKey(ctx, cs, pathWhisper, true, false)
	if err != nil {
		return nil, err
	}
	result[KeyWhisperKey] = whisper

	enc, err := e.exportKey(ctx, cs, pathEncryption, false, false)
	if err != nil {
		return nil, err
	}
	result[KeyEncKey] = enc

	return result, nil
}

// recoverAccountFlow exports the full key set a wallet needs to rebuild
// its local state from a card it has never seen before (spec §4.4
// "RecoverAccount").
func (e *Engine) recoverAccountFlow(ctx context.Context, cs cardCommandSet) (Status, error) {
	if err := e.openSCAndAuthenticate(ctx, cs, false); err != nil {
		return nil, err
	}

	result := e.snapshotResult()

	enc, err := e.exportKey(ctx, cs, pathEncryption, true, false)
	if err != nil {
		return nil, err
	}
	result[KeyEncKey] = enc

	whisper, err := e.exportKey(ctx, cs, pathWhisper, false, false)
	if err != nil {
		return nil, err
	}
	result[KeyWhisperKey] = whisper

	eip1581, err := e.exportKey(ctx, cs, pathEIP1581, true, true)
	if err != nil {
		return nil, err
	}
	result[KeyEIP1581Key] = eip1581

	walletRoot, err := e.exportWalletRootKey(ctx, cs)
	if err != nil {
		return nil, err
	}
	result[KeyWalletRoot] = walletRoot

	wallet, err := e.exportKey(ctx, cs, pathWallet, true, true)
	if err != nil {
		return nil, err
	}
	result[KeyWalletKey] = wallet

	master, err := e.exportKey(ctx, cs, pathMaster, true, true)
	if err != nil {
		return nil, err
	}
	result[KeyMasterKey] = master

	return result, nil
}

// loadAccountFlow initializes a blank card in place if needed, then loads
// a BIP39 mnemonic (caller-supplied or card-generated) into it (spec §4.4
// "LoadAccount").
func (e *Engine) loadAccountFlow(ctx context.Context, cs cardCommandSet) (Status, error) {
	e.mu.Lock()
	initialized := e.cardInfo.initialized
	e.mu.Unlock()

	if initialized {
		if overwrite, ok := e.getParam(KeyOverwrite); !ok || !toBool(overwrite) {
			e.mu.Lock()
			hasKeys := e.cardInfo.keyUID != ""
			e.mu.Unlock()
			if hasKeys {
				return nil, e.pauseAndRestart(SignalSwapCard, ErrHasKeys)
			}
		}
	}

	if err := e.openSCAndAuthenticate(ctx, cs, false); err != nil {
		return nil, err
	}

	if err := e.loadKeys(ctx, cs); err != nil {
		return nil, err
	}

	return e.snapshotResult(), nil
}

func toBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

// signFlow authenticates, then signs a caller-supplied 32-byte hash at a
// caller-supplied derivation path (spec §4.4 "Sign").
func (e *Engine) signFlow(ctx context.Context, cs cardCommandSet) (Status, error) {
	if err := e.openSCAndAuthenticate(ctx, cs, false); err != nil {
		return nil, err
	}

	sig, err := e.sign(ctx, cs)
	if err != nil {
		return nil, err
	}

	result := e.snapshotResult()
	result[KeyTXSignature] = sig
	return result, nil
}

func (e *Engine) changePINFlow(ctx context.Context, cs cardCommandSet) (Status, error) {
	if err := e.openSCAndAuthenticate(ctx, cs, false); err != nil {
		return nil, err
	}
	if err := e.changePIN(ctx, cs); err != nil {
		return nil, err
	}
	return e.snapshotResult(), nil
}

func (e *Engine) changePUKFlow(ctx context.Context, cs cardCommandSet) (Status, error) {
	if err := e.openSCAndAuthenticate(ctx, cs, false); err != nil {
		return nil, err
	}
	if err := e.changePUK(ctx, cs); err != nil {
		return nil, err
	}
	return e.snapshotResult(), nil
}

func (e *Engine) changePairingFlow(ctx context.Context, cs cardCommandSet) (Status, error) {
	if err := e.openSCAndAuthenticate(ctx, cs, false); err != nil {
		return nil, err
	}
	if err := e.changePairing(ctx, cs); err != nil {
		return nil, err
	}
	return e.snapshotResult(), nil
}

// exportPublicFlow accepts either a single derivation path or an array of
// them and mirrors that shape in the result (spec §4.4 "ExportPublic").
func (e *Engine) exportPublicFlow(ctx context.Context, cs cardCommandSet) (Status, error) {
	if err := e.openSCAndAuthenticate(ctx, cs, false); err != nil {
		return nil, err
	}

	key, err := e.exportBIP44Key(ctx, cs)
	if err != nil {
		return nil, err
	}

	result := e.snapshotResult()
	result[KeyExportedKey] = key
	return result, nil
}

func (e *Engine) storeMetadataFlow(ctx context.Context, cs cardCommandSet) (Status, error) {
	if err := e.openSCAndAuthenticate(ctx, cs, false); err != nil {
		return nil, err
	}
	if err := e.storeMetadata(ctx, cs); err != nil {
		return nil, err
	}
	return e.snapshotResult(), nil
}

// getMetadataFlow reads the public data slot without opening a secure
// channel or verifying the PIN, since that slot needs neither. The stored
// wallet indices are returned as decoded; they are not resolved to
// addresses (spec §4.4 "GetMetadata").
func (e *Engine) getMetadataFlow(ctx context.Context, cs cardCommandSet) (Status, error) {
	meta, err := e.getMetadata(ctx, cs)
	if err != nil {
		return nil, err
	}

	result := e.snapshotResult()
	result[KeyCardMeta] = meta
	return result, nil
}
