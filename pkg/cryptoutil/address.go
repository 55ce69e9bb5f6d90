package cryptoutil

import (
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// AddressFromPubKey derives the 20-byte Ethereum-style address from a
// 65-byte uncompressed secp256k1 public key: the lower 20 bytes of the
// Keccak-256 hash of the 64-byte public key body (spec §3 KeyPair.address).
func AddressFromPubKey(pubKey []byte) (string, error) {
	if len(pubKey) == 0 {
		return "", nil
	}

	ecdsaPubKey, err := crypto.UnmarshalPubkey(pubKey)
	if err != nil {
		return "", errors.Wrap(err, "invalid public key")
	}

	return crypto.PubkeyToAddress(*ecdsaPubKey).Hex(), nil
}
