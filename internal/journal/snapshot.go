package journal

// ============================================================================
// Snapshot Manager
// Responsibility:
// 1. Serialize the full job table to a JSON snapshot file
// 2. Atomic writes (temp file + rename) so a crash never leaves a torn file
// 3. Validate schema version compatibility on load
// 4. Together with the journal, bound recovery time after a restart
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/visvikbharti/stickforstats-sub000/pkg/types"
)

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

const snapshotSchemaVersion = 1

// SnapshotManager persists and restores the job table.
type SnapshotManager struct {
	path string
	mu   sync.Mutex
}

// NewSnapshotManager creates a snapshot manager writing to path.
func NewSnapshotManager(path string) *SnapshotManager {
	return &SnapshotManager{path: path}
}

// Write atomically replaces the snapshot file: the data is written to a
// temp file first, then renamed over the old snapshot.
func (m *SnapshotManager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = snapshotSchemaVersion

	// json.Marshal, not MarshalIndent: indenting would rewrite the raw
	// result bytes embedded in each job, and results must survive a
	// restart byte for byte.
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file is not an error: it returns an
// empty job table for first startup.
func (m *SnapshotManager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.SnapshotData

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.SnapshotData{
				Jobs:      make(map[types.JobID]*types.Job),
				SchemaVer: snapshotSchemaVersion,
			}, nil
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != snapshotSchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, snapshotSchemaVersion)
	}
	if data.Jobs == nil {
		data.Jobs = make(map[types.JobID]*types.Job)
	}
	return data, nil
}

// Exists reports whether a snapshot file is present.
func (m *SnapshotManager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Path returns the snapshot file path.
func (m *SnapshotManager) Path() string {
	return m.path
}
