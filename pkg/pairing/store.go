// Package pairing persists the per-card pairing records described in spec
// §3/§4.5/§6: a mapping from hex(instance UID) to {index, key}, stored as
// a human-readable JSON file that survives process restarts.
package pairing

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Store is a file-backed pairing map. It is not safe for concurrent
// mutation from multiple goroutines without an external lock — the
// Session Manager and flow.Engine each serialize their own access to it
// (spec §5: "Pairing Store: single writer at a time").
type Store struct {
	path   string
	values map[string]*Info
	logger *zap.Logger
}

// NewStore loads storagePath if it exists. A missing file is not an error
// (spec §4.5: "Loading a missing file is not an error"); it starts an
// empty store and ensures the parent directory exists so the first Save
// can succeed.
func NewStore(storagePath string) (*Store, error) {
	s := &Store{
		path:   storagePath,
		values: map[string]*Info{},
		logger: zap.L().Named("pairing"),
	}

	raw, err := os.ReadFile(storagePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "failed to read pairing store")
		}

		if mkErr := os.MkdirAll(filepath.Dir(storagePath), 0750); mkErr != nil {
			return nil, errors.Wrap(mkErr, "failed to create pairing store directory")
		}

		return s, nil
	}

	if err := s.load(raw); err != nil {
		return nil, err
	}

	return s, nil
}

// load parses raw as a map of hex(instance UID) -> arbitrary JSON object,
// keeping only the entries that decode into a valid Info. Malformed
// entries are dropped with a warning rather than failing the whole store,
// per spec §6 ("malformed entries are skipped with a warning").
func (s *Store) load(raw []byte) error {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return errors.Wrap(err, "pairing store is not valid JSON")
	}

	for instanceUID, entry := range entries {
		var info Info
		if err := json.Unmarshal(entry, &info); err != nil {
			s.logger.Warn("skipping malformed pairing entry", zap.String("instanceUID", instanceUID), zap.Error(err))
			continue
		}

		if !info.Valid() {
			s.logger.Warn("skipping pairing entry with invalid key length", zap.String("instanceUID", instanceUID))
			continue
		}

		s.values[instanceUID] = &info
	}

	return nil
}

// save writes the whole map back to disk. It writes to a sibling temp file
// and renames it into place so a reader never observes a half-written
// file — the "atomic from the caller's perspective" requirement in §4.5.
func (s *Store) save() error {
	encoded, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode pairing store")
	}
	encoded = append(encoded, '\n')

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0640); err != nil {
		return errors.Wrap(err, "failed to write pairing store")
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "failed to finalize pairing store")
	}

	return nil
}

// Store upserts the pairing record for instanceUID and flushes to disk.
func (s *Store) Store(instanceUID string, info *Info) error {
	s.values[instanceUID] = info
	return s.save()
}

// Get returns the pairing record for instanceUID, or nil if absent.
func (s *Store) Get(instanceUID string) *Info {
	return s.values[instanceUID]
}

// Delete removes the pairing record for instanceUID and flushes to disk.
// Deleting an absent entry is a no-op, not an error.
func (s *Store) Delete(instanceUID string) error {
	if _, ok := s.values[instanceUID]; !ok {
		return nil
	}

	delete(s.values, instanceUID)
	return s.save()
}
