// Package store persists the watched market across restarts.
//
// The state is a single small JSON file, watch.json. Writes use atomic file
// replacement (write to .tmp, then rename) so a crash mid-save never leaves
// a partial file behind.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const watchFile = "watch.json"

// WatchState is the persisted watch selection.
type WatchState struct {
	Slug      string    `json:"slug"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists watch state in a designated directory.
type Store struct {
	dir string
	mu  sync.Mutex // serializes file operations
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// SaveWatch atomically records slug as the watched market. An empty slug
// records that nothing is watched.
func (s *Store) SaveWatch(slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(WatchState{Slug: slug, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal watch state: %w", err)
	}

	path := filepath.Join(s.dir, watchFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write watch state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace watch state: %w", err)
	}
	return nil
}

// LoadWatch returns the persisted watch state, or nil, nil if none was
// saved yet.
func (s *Store) LoadWatch() (*WatchState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, watchFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read watch state: %w", err)
	}

	var st WatchState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal watch state: %w", err)
	}
	return &st, nil
}
