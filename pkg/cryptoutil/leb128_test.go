package cryptoutil

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLEB128RoundTrip(t *testing.T) {
	values := []uint32{0, 1, 63, 127, 128, 300, 16384, 2097151, 4294967295}

	for _, v := range values {
		var buf bytes.Buffer
		EncodeLEB128(&buf, v)

		decoded, err := DecodeLEB128(bytes.NewReader(buf.Bytes()))
		require.NoError(t, err)
		require.Equal(t, v, decoded, "value %d", v)
	}
}

func TestLEB128MultipleValuesInSequence(t *testing.T) {
	var buf bytes.Buffer
	EncodeLEB128(&buf, 5)
	EncodeLEB128(&buf, 300)
	EncodeLEB128(&buf, 0)

	r := bytes.NewReader(buf.Bytes())

	a, err := DecodeLEB128(r)
	require.NoError(t, err)
	require.Equal(t, uint32(5), a)

	b, err := DecodeLEB128(r)
	require.NoError(t, err)
	require.Equal(t, uint32(300), b)

	c, err := DecodeLEB128(r)
	require.NoError(t, err)
	require.Equal(t, uint32(0), c)
}
