package store

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// State is the last-known supervisor view, persisted so a restarted process
// can seed its display before the first authoritative push arrives. It is a
// cache, never authoritative.
type State struct {
	UpdatedAt   time.Time `yaml:"updated_at"`
	Status      string    `yaml:"status"`
	SessionID   string    `yaml:"session_id,omitempty"`
	ConnectedAt time.Time `yaml:"connected_at,omitempty"`
	CorePID     int32     `yaml:"core_pid,omitempty"`
	HelperVer   string    `yaml:"helper_version,omitempty"`
}

// LoadState loads persisted state from disk. A missing file yields an empty
// state, not an error.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{}, nil
		}
		return nil, err
	}

	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// SaveState writes the state to disk.
func SaveState(path string, st *State) error {
	if st == nil {
		return nil
	}
	st.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(st)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}
