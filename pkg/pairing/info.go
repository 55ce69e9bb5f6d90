package pairing

import (
	"github.com/keycard-hq/keycard-core/pkg/commandset"
	"github.com/keycard-hq/keycard-core/pkg/utils"
)

// Info is one pairing record: the 32-byte master key derived during PAIR
// and the slot index the card allocated for it. Per spec §3 it is valid
// iff Key is exactly 32 bytes.
type Info struct {
	Key   utils.HexString `json:"key"`
	Index int             `json:"index"`
}

// Valid reports whether the record carries a usable pairing key.
func (i *Info) Valid() bool {
	return i != nil && len(i.Key) == 32
}

// FromCardPairing adapts a commandset.PairingInfo (returned by
// CommandSet.Pair) into our persisted record shape.
func FromCardPairing(r *commandset.PairingInfo) *Info {
	return &Info{
		Key:   utils.HexString(r.Key),
		Index: r.Index,
	}
}

// ToCommandSetPairing adapts a stored record into the shape CommandSet.SetPairing expects.
func (i *Info) ToCommandSetPairing() *commandset.PairingInfo {
	return &commandset.PairingInfo{Key: []byte(i.Key), Index: i.Index}
}
