package cron

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// storeVersion is the current on-disk format version.
const storeVersion = 1

// storeFile is the sole persisted artifact: the full job list, read in
// whole at startup and rewritten in whole after every mutation.
type storeFile struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}

// Store persists jobs to a single flat JSON document. It is owned
// exclusively by the Scheduler; nothing else reads or writes the file.
type Store struct {
	path string
}

// NewStore creates a Store for the given path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the store file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the full job list. A missing file is an empty store.
func (s *Store) Load() ([]*Job, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("cron: reading store %s: %w", s.path, err)
	}

	var f storeFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("cron: parsing store %s: %w", s.path, err)
	}
	if f.Version > storeVersion {
		return nil, fmt.Errorf("cron: store %s has version %d, newer than supported %d", s.path, f.Version, storeVersion)
	}
	return f.Jobs, nil
}

// Save rewrites the full job list. The write goes through a temp file and
// rename so a crash mid-write never leaves a truncated store behind.
func (s *Store) Save(jobs []*Job) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("cron: create store directory %s: %w", dir, err)
		}
	}

	raw, err := json.MarshalIndent(storeFile{Version: storeVersion, Jobs: jobs}, "", "  ")
	if err != nil {
		return fmt.Errorf("cron: marshal store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("cron: write store %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("cron: replace store %s: %w", s.path, err)
	}
	return nil
}
