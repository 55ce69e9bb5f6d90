package pairing

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestPairingRoundTripAcrossRestart is spec §8 property 1: stored then
// retrieved across a process restart, the bytes and index are identical.
func TestPairingRoundTripAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pairings.json")

	store, err := NewStore(path)
	require.NoError(t, err)

	info := &Info{Key: make([]byte, 32), Index: 3}
	for i := range info.Key {
		info.Key[i] = byte(i)
	}

	require.NoError(t, store.Store("aabbccdd", info))

	restarted, err := NewStore(path)
	require.NoError(t, err)

	retrieved := restarted.Get("aabbccdd")
	require.NotNil(t, retrieved)
	require.Equal(t, info.Key, retrieved.Key)
	require.Equal(t, info.Index, retrieved.Index)
}

func TestMissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "pairings.json")

	store, err := NewStore(path)
	require.NoError(t, err)
	require.Nil(t, store.Get("anything"))
}

func TestMalformedEntriesAreSkipped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pairings.json")

	// one valid entry, one with a too-short key, one with wrong types.
	goodKey := strings.Repeat("ab", 32)
	raw := `{
		"good": {"index": 1, "key": "` + goodKey + `"},
		"shortkey": {"index": 2, "key": "aabb"},
		"badtype": {"index": "nope", "key": "aabb"}
	}`

	require.NoError(t, os.WriteFile(path, []byte(raw), 0640))

	store, err := NewStore(path)
	require.NoError(t, err)
	require.Nil(t, store.Get("shortkey"))
	require.Nil(t, store.Get("badtype"))
	require.NotNil(t, store.Get("good"))
}

func TestDeleteAbsentEntryIsNoOp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pairings.json")

	store, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Delete("nope"))
}
