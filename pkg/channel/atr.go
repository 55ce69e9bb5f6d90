package channel

import "encoding/hex"

// atrToUID derives the PC/SC target identifier from a card's ATR: the last
// two bytes, lowercase hex (spec §6 "ATR/UID").
func atrToUID(atr []byte) string {
	if len(atr) < 2 {
		return hex.EncodeToString(atr)
	}
	return hex.EncodeToString(atr[len(atr)-2:])
}
