// Package state persists the minimum session context needed to resume
// cleanly after a process restart. Credentials are never written here.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Snapshot is the recovery state written on every meaningful transition.
type Snapshot struct {
	SavedAt         time.Time         `json:"saved_at"`
	LastSignalID    string            `json:"last_signal_id,omitempty"`
	ActiveSymbols   map[string]string `json:"active_symbols,omitempty"`   // account -> contract symbol
	AccountPorts    map[string]int    `json:"account_ports,omitempty"`    // account -> assigned port
	CircuitStates   map[string]string `json:"circuit_states,omitempty"`   // account/class -> state
	ReadySessions   []string          `json:"ready_sessions,omitempty"`
}

// Store reads and writes the snapshot at a fixed path. Writes are atomic:
// temp file in the same directory, then rename.
type Store struct {
	path   string
	maxAge time.Duration

	mu   sync.Mutex
	snap Snapshot
	log  zerolog.Logger
}

// NewStore creates a store for the given path. Snapshots older than
// maxAge are ignored on load.
func NewStore(path string, maxAge time.Duration, log zerolog.Logger) *Store {
	return &Store{
		path:   path,
		maxAge: maxAge,
		snap: Snapshot{
			ActiveSymbols: make(map[string]string),
			AccountPorts:  make(map[string]int),
			CircuitStates: make(map[string]string),
		},
		log: log,
	}
}

// Load reads an existing snapshot. Absence is not an error; a stale
// snapshot returns nil as if absent.
func (s *Store) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot %s: %w", s.path, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		// A corrupt snapshot is treated as absent; recovery state is
		// best-effort.
		s.log.Warn().Err(err).Str("path", s.path).Msg("Discarding unreadable snapshot")
		return nil, nil
	}

	if s.maxAge > 0 && time.Since(snap.SavedAt) > s.maxAge {
		s.log.Info().
			Time("saved_at", snap.SavedAt).
			Dur("max_age", s.maxAge).
			Msg("Snapshot too old, starting fresh")
		return nil, nil
	}

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	return &snap, nil
}

// Update mutates the in-memory snapshot under the lock and writes it out.
func (s *Store) Update(mutate func(*Snapshot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mutate(&s.snap)
	s.snap.SavedAt = time.Now()
	return s.writeLocked()
}

// SetSymbol records the last active symbol for an account.
func (s *Store) SetSymbol(account, symbol string) error {
	return s.Update(func(snap *Snapshot) {
		if snap.ActiveSymbols == nil {
			snap.ActiveSymbols = make(map[string]string)
		}
		snap.ActiveSymbols[account] = symbol
	})
}

// SetLastSignal records the last processed signal id.
func (s *Store) SetLastSignal(id string) error {
	return s.Update(func(snap *Snapshot) {
		snap.LastSignalID = id
	})
}

// SetCircuits replaces the persisted circuit states.
func (s *Store) SetCircuits(states map[string]string) error {
	return s.Update(func(snap *Snapshot) {
		snap.CircuitStates = states
	})
}

// SetReadySessions records which sessions reached READY, with their ports.
func (s *Store) SetReadySessions(sessions []string, ports map[string]int) error {
	return s.Update(func(snap *Snapshot) {
		snap.ReadySessions = sessions
		snap.AccountPorts = ports
	})
}

func (s *Store) writeLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	data, err := json.MarshalIndent(&s.snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".recovery-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}
