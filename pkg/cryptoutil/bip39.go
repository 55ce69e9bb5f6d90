// Package cryptoutil implements the handful of "Crypto helpers" spec §2
// calls out as in-scope core logic: BIP39 seed derivation, secp256k1
// address derivation, and LEB128 varints. Everything else (APDU framing,
// secure-channel key derivation, BER-TLV) stays in the out-of-scope
// status-im/keycard-go dependency.
package cryptoutil

import (
	"crypto/sha512"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

const bip39Salt = "mnemonic"

// MnemonicToSeed derives the 64-byte BIP39 seed from a mnemonic phrase and
// an optional passphrase: PBKDF2-HMAC-SHA512 with password =
// NFKD(mnemonic), salt = "mnemonic" || NFKD(passphrase), 2048 rounds.
// Matches spec §4.3 "Mnemonic load" and the BIP39 reference test vector
// exercised in §8 property 8.
func MnemonicToSeed(mnemonic, passphrase string) []byte {
	password := norm.NFKD.Bytes([]byte(mnemonic))
	salt := append([]byte(bip39Salt), norm.NFKD.Bytes([]byte(passphrase))...)
	return pbkdf2.Key(password, salt, 2048, 64, sha512.New)
}

// WordListLength is the size of the BIP39 English wordlist; generated
// mnemonic indices from the card are always in [0, WordListLength).
func WordListLength() int {
	return len(bip39.GetWordList())
}

// WordAt returns the BIP39 English wordlist entry at index, the same table
// the card's GENERATE MNEMONIC indices are drawn from.
func WordAt(index int) string {
	return bip39.GetWordList()[index]
}

// ValidMnemonic checks a space-separated mnemonic phrase against the BIP39
// English wordlist and checksum. Session.LoadMnemonic and flow.loadKeys do
// not call it: they derive a seed from whatever phrase they are given.
func ValidMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}
