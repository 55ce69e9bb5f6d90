package commandset

import (
	derivationpath "github.com/status-im/keycard-go/derivationpath"
	ktypes "github.com/status-im/keycard-go/types"

	"github.com/keycard-hq/keycard-core/pkg/cryptoutil"
	"github.com/keycard-hq/keycard-core/pkg/utils"
)

// ApplicationInfo mirrors spec §3: returned by SELECT. Either InstanceUID
// is non-empty (initialized card) or SecureChannelPublicKey is non-empty
// (pre-initialized card); if neither is set, SELECT failed to recognize a
// Keycard applet at all.
type ApplicationInfo struct {
	Installed               bool            `json:"installed"`
	Initialized             bool            `json:"initialized"`
	InstanceUID             utils.HexString `json:"instanceUID"`
	SecureChannelPublicKey  utils.HexString `json:"secureChannelPublicKey"`
	AppVersionMajor         int             `json:"appVersionMajor"`
	AppVersionMinor         int             `json:"appVersionMinor"`
	AvailablePairingSlots   int             `json:"availablePairingSlots"`
	KeyUID                  utils.HexString `json:"keyUID"`
}

// SupportsExtendedKeyExport reports whether the applet version satisfies
// the extended wallet-root export threshold. Spec §9 Open Questions flags
// the teacher's test as `major >= 3 AND minor >= 1`, which misclassifies
// e.g. 4.0; we implement the intended lexicographic `(major, minor) >=
// (3, 1)` instead, per the Open Question's own recommendation.
func (a ApplicationInfo) SupportsExtendedKeyExport() bool {
	if a.AppVersionMajor != 3 {
		return a.AppVersionMajor > 3
	}
	return a.AppVersionMinor >= 1
}

// ApplicationStatus mirrors spec §3: returned by GET_STATUS. Retry counts
// use -1 as the "unknown/not fetched" sentinel. DerivationPath is only
// populated by GetKeyPathStatus (P1=0x01): the BIP32 component list of the
// currently derived key, e.g. [44'|0x80000000, 60'|0x80000000, 0'|0x80000000, 0, 0].
type ApplicationStatus struct {
	PinRetryCount  int      `json:"pinRetryCount"`
	PukRetryCount  int      `json:"pukRetryCount"`
	KeyInitialized bool     `json:"keyInitialized"`
	DerivationPath []uint32 `json:"derivationPath,omitempty"`
}

// NewUnknownApplicationStatus returns a status with both retry counters set
// to the "unknown" sentinel, the value the Session Manager caches before
// the first GET_STATUS of a connection completes.
func NewUnknownApplicationStatus() *ApplicationStatus {
	return &ApplicationStatus{PinRetryCount: -1, PukRetryCount: -1}
}

// PairingInfo mirrors spec §3: one per paired card instance.
type PairingInfo struct {
	Key   utils.HexString `json:"key"`
	Index int             `json:"index"`
}

// KeyPair mirrors spec §3: parsed from the card's export TLV, with the
// Ethereum-style address derived from the public key body.
type KeyPair struct {
	PublicKey  utils.HexString `json:"publicKey"`
	PrivateKey utils.HexString `json:"privateKey,omitempty"`
	ChainCode  utils.HexString `json:"chainCode,omitempty"`
	Address    string          `json:"address,omitempty"`
}

// Signature mirrors spec §3/GLOSSARY: an ECDSA signature over a 32-byte
// hash, returned by SIGN.
type Signature struct {
	R utils.HexString `json:"r"`
	S utils.HexString `json:"s"`
	V byte            `json:"v"`
}

func toApplicationInfo(r *ktypes.ApplicationInfo) ApplicationInfo {
	return ApplicationInfo{
		Installed:              r.Installed,
		Initialized:            r.Initialized,
		InstanceUID:            r.InstanceUID,
		SecureChannelPublicKey: r.PublicKey,
		AppVersionMajor:        versionByte(r.Version, 0),
		AppVersionMinor:        versionByte(r.Version, 1),
		AvailablePairingSlots:  int(bytesToUint(r.AvailableSlots)),
		KeyUID:                 r.KeyUID,
	}
}

func versionByte(version []byte, idx int) int {
	if len(version) <= idx {
		return 0
	}
	return int(version[idx])
}

func bytesToUint(b []byte) uint32 {
	var v uint32
	for _, by := range b {
		v = v<<8 | uint32(by)
	}
	return v
}

func toApplicationStatus(r *ktypes.ApplicationStatus) *ApplicationStatus {
	return &ApplicationStatus{
		PinRetryCount:  r.PinRetryCount,
		PukRetryCount:  r.PUKRetryCount,
		KeyInitialized: r.KeyInitialized,
		DerivationPath: parseDerivationPath(r.Path),
	}
}

// parseDerivationPath turns the codec's formatted path string (e.g.
// "m/44'/60'/0'/0/0", only ever populated by GetKeyPathStatus) back into
// its BIP32 component list. An empty or unparsable path — the normal case
// for a plain GetStatusApplication response — yields nil rather than an
// error, since ApplicationStatus has no error channel of its own.
func parseDerivationPath(path string) []uint32 {
	if path == "" {
		return nil
	}
	_, components, err := derivationpath.Parse(path)
	if err != nil {
		return nil
	}
	return components
}

func toPairingInfo(r *ktypes.PairingInfo) *PairingInfo {
	return &PairingInfo{Key: r.Key, Index: r.Index}
}

// toKeyPair wraps the raw (privKey, pubKey, chainCode) triple returned by
// the codec's export-key TLV parser. chainCode is empty unless the applet
// and codec version support extended wallet-root export (spec §3 KeyPair,
// §9 Open Question on the version threshold).
func toKeyPair(privKey, pubKey, chainCode []byte) (*KeyPair, error) {
	if len(pubKey) == 0 {
		return &KeyPair{PrivateKey: privKey, ChainCode: chainCode}, nil
	}

	address, err := cryptoutil.AddressFromPubKey(pubKey)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		PublicKey:  pubKey,
		PrivateKey: privKey,
		ChainCode:  chainCode,
		Address:    address,
	}, nil
}

func toSignature(r *ktypes.Signature) *Signature {
	return &Signature{R: r.R(), S: r.S(), V: r.V()}
}
