package batch

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loveholidays/eval-kit/internal/observability"
	"github.com/loveholidays/eval-kit/pkg/evaluation"
)

// StateManager keeps a live image of the batch suitable for resume and
// persists it on demand, on an interval, and once more at cleanup.
type StateManager struct {
	mu   sync.Mutex
	snap evaluation.StateSnapshot

	path     string
	onSave   func(evaluation.StateSnapshot) error
	interval time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewStateManager builds a manager. path may be empty (callback-only
// persistence), onSave may be nil, interval ≤ 0 disables the timer.
func NewStateManager(path string, interval time.Duration, onSave func(evaluation.StateSnapshot) error) *StateManager {
	return &StateManager{
		path:     path,
		onSave:   onSave,
		interval: interval,
	}
}

// Initialize installs the initial snapshot and starts the save timer.
func (m *StateManager) Initialize(snap evaluation.StateSnapshot) {
	m.mu.Lock()
	m.snap = snap
	m.mu.Unlock()

	if m.interval > 0 && m.stop == nil {
		m.stop = make(chan struct{})
		m.done = make(chan struct{})
		go m.saveLoop()
	}
}

func (m *StateManager) saveLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if err := m.Save(); err != nil {
				slog.Warn("periodic state save failed", slog.Any("error", err))
			}
		}
	}
}

// Update applies a mutation to the snapshot and stamps LastUpdated.
func (m *StateManager) Update(apply func(*evaluation.StateSnapshot)) {
	m.mu.Lock()
	apply(&m.snap)
	m.snap.LastUpdated = time.Now().UTC()
	m.mu.Unlock()
}

// Snapshot returns a copy safe to hand to callers.
func (m *StateManager) Snapshot() evaluation.StateSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Clone()
}

// Save persists the snapshot to the configured path (atomic temp file +
// rename) and invokes the user callback. Both steps see the same copy.
func (m *StateManager) Save() error {
	snap := m.Snapshot()
	if m.path != "" {
		if err := writeSnapshotFile(m.path, snap); err != nil {
			return err
		}
		observability.StateSavesTotal.Inc()
	}
	if m.onSave != nil {
		if err := m.onSave(snap); err != nil {
			return fmt.Errorf("state save callback: %w", err)
		}
	}
	return nil
}

// Cleanup stops the timer and performs one final save.
func (m *StateManager) Cleanup() error {
	if m.stop != nil {
		close(m.stop)
		<-m.done
		m.stop = nil
	}
	return m.Save()
}

func writeSnapshotFile(path string, snap evaluation.StateSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state snapshot: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write state snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// LoadState reads and validates a previously saved snapshot.
func LoadState(path string) (*evaluation.StateSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var snap evaluation.StateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", evaluation.ErrCorruptedState, err)
	}
	if snap.Version != evaluation.StateSchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", evaluation.ErrIncompatibleState, snap.Version, evaluation.StateSchemaVersion)
	}
	if snap.BatchID == "" {
		return nil, fmt.Errorf("%w: missing batch id", evaluation.ErrCorruptedState)
	}
	if snap.Processed == nil {
		snap.Processed = evaluation.NewIndexSet()
	}
	return &snap, nil
}
