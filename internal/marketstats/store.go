package marketstats

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Store keeps derived per-market views in pebble. Values are JSON.
type Store struct {
	db *pebble.DB
}

// Open opens the store under dir. An empty dir keeps everything in memory.
func Open(dir string) (*Store, error) {
	opts := &pebble.Options{}
	if dir == "" {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open stats store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// keys: s:<market id>, d:<market id>, r:<market id>
func statsKey(marketID uint) []byte     { return []byte(fmt.Sprintf("s:%d", marketID)) }
func depthKey(marketID uint) []byte     { return []byte(fmt.Sprintf("d:%d", marketID)) }
func referenceKey(marketID uint) []byte { return []byte(fmt.Sprintf("r:%d", marketID)) }

func (s *Store) put(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

// get decodes the value under key into v and reports whether it existed
func (s *Store) get(key []byte, v interface{}) (bool, error) {
	data, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}
