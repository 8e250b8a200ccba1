package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Snapshot is a registry persisted as a JSON file. Every successful mutation
// rewrites the file, so a plan applied against a snapshot can be inspected
// and planned again offline.
type Snapshot struct {
	*Memory
	path string
}

// OpenSnapshot loads the snapshot at path. A missing file is an empty registry.
func OpenSnapshot(path string) (*Snapshot, error) {
	state, err := ReadSnapshot(path)
	if err != nil {
		return nil, err
	}
	s := &Snapshot{Memory: NewMemoryFromState(*state), path: path}
	s.Memory.onChange = s.write
	return s, nil
}

// ReadSnapshot reads a snapshot file.
func ReadSnapshot(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", path, err)
	}
	return &state, nil
}

// Path returns the snapshot file path.
func (s *Snapshot) Path() string {
	return s.path
}

// Save writes the current state to the snapshot file.
func (s *Snapshot) Save() error {
	return s.write(s.Memory.State())
}

func (s *Snapshot) write(state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return os.Rename(tmp, s.path)
}
