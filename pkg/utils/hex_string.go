// Package utils holds small serialization helpers shared across the
// keycard-core packages: hex encoding for byte slices that need to travel
// through JSON (pairing records, signal payloads, flow results) without
// becoming base64.
package utils

import (
	"encoding/hex"
	"encoding/json"
)

// HexString is a byte slice that marshals to/from lowercase hex in JSON
// instead of Go's default base64. Every on-the-wire byte field in this
// module (instance UIDs, pairing keys, public/private keys, signatures)
// uses it so pairing files and flow-result payloads stay human-readable.
type HexString []byte

func (s HexString) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(s))
}

func (s *HexString) UnmarshalJSON(data []byte) error {
	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return err
	}

	decoded, err := hex.DecodeString(encoded)
	if err != nil {
		return err
	}

	*s = decoded
	return nil
}

func (s HexString) String() string {
	return hex.EncodeToString(s)
}

// Btox hex-encodes a byte slice. Kept as a free function alongside the
// HexString type because most callers only need the string, not the type.
func Btox(b []byte) string {
	return hex.EncodeToString(b)
}

// Xtob decodes a lowercase hex string back into bytes.
func Xtob(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
