// Package persistence stores the monitor state file. Writes are debounced so
// a burst of registry updates costs one disk write.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muxfleet/muxfleet/internal/logging"
)

// SnapshotVersion is the current state file schema version.
const SnapshotVersion = 2

const saveDebounce = 500 * time.Millisecond

// AgentSnapshot is the persisted form of one agent record.
type AgentSnapshot struct {
	Target                string     `json:"target"`
	Role                  string     `json:"role"`
	WindowName            string     `json:"window_name,omitempty"`
	State                 string     `json:"state"`
	SpawnedAt             time.Time  `json:"spawned_at"`
	LastSeenAt            time.Time  `json:"last_seen_at"`
	LastActivityAt        time.Time  `json:"last_activity_at"`
	Fingerprint           string     `json:"last_content_fingerprint,omitempty"`
	ConsecutiveIdleCycles int        `json:"consecutive_idle_cycles"`
	SubmissionAttempts    int        `json:"submission_attempts"`
	LastSubmissionAt      *time.Time `json:"last_submission_at,omitempty"`
	GraceUntil            *time.Time `json:"grace_until,omitempty"`
	ErrorCount            int        `json:"error_count"`
	LastErrorAt           *time.Time `json:"last_error_at,omitempty"`
	MissedDiscoveries     int        `json:"missed_discoveries"`
}

// State is the monitor state file.
type State struct {
	Version int                      `json:"version"`
	SavedAt time.Time                `json:"saved_at"`
	Agents  map[string]AgentSnapshot `json:"agents"`
}

// NewState returns an empty current-version state.
func NewState() *State {
	return &State{
		Version: SnapshotVersion,
		Agents:  make(map[string]AgentSnapshot),
	}
}

// FileStore implements debounced JSON persistence for State.
type FileStore struct {
	mu    sync.RWMutex
	path  string
	state *State

	// Debounced save
	saveTimer *time.Timer
	saveMu    sync.Mutex

	log *logging.Logger
}

// NewFileStore creates a store writing to path.
func NewFileStore(path string, log *logging.Logger) *FileStore {
	return &FileStore{
		path:  path,
		state: NewState(),
		log:   log.Component("persistence"),
	}
}

// Load reads the state file. A missing file yields an empty state. Unknown
// fields are ignored and version 1 files are upgraded in memory, so older
// monitors' files keep working.
func (s *FileStore) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.state = NewState()
			return s.state, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	if state.Agents == nil {
		state.Agents = make(map[string]AgentSnapshot)
	}
	if state.Version < SnapshotVersion {
		s.log.Info("upgrading state file",
			zap.Int("from_version", state.Version),
			zap.Int("to_version", SnapshotVersion))
		state.Version = SnapshotVersion
	}

	s.state = &state
	return s.state, nil
}

// State returns the current in-memory state.
func (s *FileStore) State() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ReplaceAgents swaps the agent set and schedules a save.
func (s *FileStore) ReplaceAgents(agents map[string]AgentSnapshot) {
	s.mu.Lock()
	s.state.Agents = agents
	s.mu.Unlock()
	s.scheduleSave()
}

// Save writes state to disk immediately.
func (s *FileStore) Save() error {
	s.mu.Lock()
	s.state.SavedAt = time.Now().UTC()
	data, err := json.MarshalIndent(s.state, "", "  ")
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}

// Flush cancels any pending debounced save and writes now. Call on shutdown.
func (s *FileStore) Flush() error {
	s.saveMu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	s.saveMu.Unlock()
	return s.Save()
}

// scheduleSave debounces save operations
func (s *FileStore) scheduleSave() {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}

	s.saveTimer = time.AfterFunc(saveDebounce, func() {
		if err := s.Save(); err != nil {
			s.log.Warn("state save failed", zap.Error(err))
		}
	})
}
