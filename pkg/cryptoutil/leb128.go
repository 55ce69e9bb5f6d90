package cryptoutil

import "bytes"

// EncodeLEB128 appends the unsigned LEB128 encoding of v to buf. Used to
// encode the (start, count) run pairs in the on-card
// metadata blob (spec §3/§6).
func EncodeLEB128(buf *bytes.Buffer, v uint32) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			buf.WriteByte(b | 0x80)
		} else {
			buf.WriteByte(b)
			return
		}
	}
}

// DecodeLEB128 reads one unsigned LEB128-encoded uint32 from buf.
func DecodeLEB128(buf *bytes.Reader) (uint32, error) {
	var result uint32
	var shift uint

	for {
		b, err := buf.ReadByte()
		if err != nil {
			return 0, err
		}

		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}
}
