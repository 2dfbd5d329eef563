package journal

// ============================================================================
// Snapshot Manager Tests
// Responsibility: Verify atomic writes, loading, version validation, and
// error handling
// ============================================================================

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visvikbharti/stickforstats-sub000/pkg/types"
)

func TestSnapshotWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.snapshot.json")
	manager := NewSnapshotManager(path)

	original := types.SnapshotData{
		Jobs: map[types.JobID]*types.Job{
			"job-001": {
				ID:             "job-001",
				CapabilityName: "distributions",
				Fingerprint:    "fp-1",
				State:          types.StateQueued,
			},
			"job-002": {
				ID:             "job-002",
				CapabilityName: "pca",
				Fingerprint:    "fp-2",
				State:          types.StateSucceeded,
			},
		},
		LastSeq: 42,
	}

	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), loaded.LastSeq)
	require.Len(t, loaded.Jobs, 2)

	job, exists := loaded.Jobs["job-002"]
	require.True(t, exists)
	assert.Equal(t, types.StateSucceeded, job.State)
	assert.Equal(t, "pca", job.CapabilityName)
}

func TestSnapshotPreservesResultBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.snapshot.json")
	manager := NewSnapshotManager(path)

	raw := json.RawMessage(`{"doubled":8,"values":[1,2,3]}`)
	require.NoError(t, manager.Write(types.SnapshotData{
		Jobs: map[types.JobID]*types.Job{
			"job-001": {ID: "job-001", State: types.StateSucceeded, Result: raw},
		},
		LastSeq: 1,
	}))

	loaded, err := manager.Load()
	require.NoError(t, err)
	job, exists := loaded.Jobs["job-001"]
	require.True(t, exists)
	assert.Equal(t, string(raw), string(job.Result), "result bytes must survive a write/load cycle unchanged")
}

func TestSnapshotLoadMissingFile(t *testing.T) {
	manager := NewSnapshotManager(filepath.Join(t.TempDir(), "missing.json"))

	data, err := manager.Load()
	require.NoError(t, err, "first startup without a snapshot is not an error")
	assert.NotNil(t, data.Jobs)
	assert.Empty(t, data.Jobs)
	assert.False(t, manager.Exists())
}

func TestSnapshotLoadCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte("{not valid json"), 0644))

	manager := NewSnapshotManager(path)
	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestSnapshotVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver":99,"jobs":{}}`), 0644))

	manager := NewSnapshotManager(path)
	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestSnapshotOverwriteIsAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.snapshot.json")
	manager := NewSnapshotManager(path)

	require.NoError(t, manager.Write(types.SnapshotData{
		Jobs:    map[types.JobID]*types.Job{"job-old": {ID: "job-old"}},
		LastSeq: 1,
	}))
	require.NoError(t, manager.Write(types.SnapshotData{
		Jobs:    map[types.JobID]*types.Job{"job-new": {ID: "job-new"}},
		LastSeq: 2,
	}))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), loaded.LastSeq)
	_, exists := loaded.Jobs["job-new"]
	assert.True(t, exists)
	_, exists = loaded.Jobs["job-old"]
	assert.False(t, exists)

	// No temp file left behind.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
