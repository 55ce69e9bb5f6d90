package commandset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetadataRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		indices []uint32
	}{
		{"empty", nil},
		{"single", []uint32{5}},
		{"consecutive run", []uint32{0, 1, 2, 3, 4}},
		{"two runs", []uint32{0, 1, 2, 10, 11}},
		{"unsorted with duplicates", []uint32{9, 3, 3, 4, 9, 1}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			blob, err := EncodeMetadata("savings", tc.indices)
			require.NoError(t, err)

			got, err := ParseMetadata(blob)
			require.NoError(t, err)
			require.Equal(t, "savings", got.Name)

			want := dedupSorted(tc.indices)
			require.Equal(t, want, got.Indices)
		})
	}
}

func TestEncodeMetadataRejectsOversizedName(t *testing.T) {
	_, err := EncodeMetadata("this display name is far too long to fit the header", nil)
	require.Error(t, err)
}

func TestParseMetadataEmptyBlob(t *testing.T) {
	m, err := ParseMetadata(nil)
	require.NoError(t, err)
	require.Equal(t, "", m.Name)
	require.Nil(t, m.Indices)
}

func dedupSorted(in []uint32) []uint32 {
	if len(in) == 0 {
		return nil
	}
	runs := runLengthEncode(in)
	var out []uint32
	for _, r := range runs {
		for i := uint32(0); i < r.count; i++ {
			out = append(out, r.start+i)
		}
	}
	return out
}

func TestClassifySWPassesThroughUnmappedErrors(t *testing.T) {
	plain := errPlain("boom")
	require.Equal(t, plain, classifySW(plain))
	require.Nil(t, classifySW(nil))
}

type errPlain string

func (e errPlain) Error() string { return string(e) }
