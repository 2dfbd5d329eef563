package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "statcore", cmd.Use, "Root command should be 'statcore'")
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	commands := cmd.Commands()
	assert.Len(t, commands, 4, "Should have 4 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Name()] = true
	}

	assert.True(t, commandNames["run"], "Should have 'run' command")
	assert.True(t, commandNames["submit"], "Should have 'submit' command")
	assert.True(t, commandNames["status"], "Should have 'status' command")
	assert.True(t, commandNames["capabilities"], "Should have 'capabilities' command")

	configFlag := cmd.PersistentFlags().Lookup("config")
	assert.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue, "Default config path should be configs/default.yaml")
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.NotNil(t, cmd, "buildRunCommand should return a non-nil command")
	assert.Equal(t, "run", cmd.Use, "Command should be 'run'")
	assert.Contains(t, cmd.Short, "Start", "Short description should mention 'Start'")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestBuildSubmitCommand(t *testing.T) {
	cmd := buildSubmitCommand()

	assert.NotNil(t, cmd, "buildSubmitCommand should return a non-nil command")
	assert.Equal(t, "submit", cmd.Use, "Command should be 'submit'")

	assert.NotNil(t, cmd.Flags().Lookup("capability"), "Should have --capability flag")
	assert.NotNil(t, cmd.Flags().Lookup("params"), "Should have --params flag")
	assert.NotNil(t, cmd.Flags().Lookup("wait"), "Should have --wait flag")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestBuildStatusCommand(t *testing.T) {
	cmd := buildStatusCommand()

	assert.NotNil(t, cmd, "buildStatusCommand should return a non-nil command")
	assert.Contains(t, cmd.Use, "status", "Command should be 'status'")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "localhost:8080", cfg.Server.Addr)
	assert.Equal(t, 4, cfg.Scheduler.WorkerCount)
	assert.Equal(t, 1024, cfg.Scheduler.MaxQueue)
	assert.Equal(t, 5*time.Second, cfg.graceTimeout())
	assert.Equal(t, 30*time.Second, cfg.snapshotInterval())
	assert.Equal(t, 30*time.Minute, cfg.jobRetention())
	assert.Equal(t, 256, cfg.Stream.MaxBacklog)
	assert.Equal(t, 256*1024, cfg.Stream.ChunkThreshold)
	assert.Equal(t, 10*time.Minute, cfg.streamRetention())
	assert.Equal(t, time.Minute, cfg.streamIdleTimeout())
	assert.Zero(t, cfg.cacheTTL(), "Cached results should never expire by default")
	assert.True(t, cfg.Metrics.Enabled)

	assert.NoError(t, validateConfig(cfg), "Defaults must validate")
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.yaml")

	configContent := `
server:
  addr: "0.0.0.0:9000"

scheduler:
  worker_count: 8
  max_queue: 64
  grace_timeout_ms: 2000
  snapshot_interval_seconds: 10
  job_retention_minutes: 5

journal:
  path: "./data/test.journal"
  snapshot_path: "./data/test.snapshot.json"

cache:
  in_memory: true
  max_entries: 100
  ttl_minutes: 60

stream:
  max_backlog: 128
  chunk_threshold_bytes: 65536
  retention_minutes: 2
  idle_timeout_seconds: 30

metrics:
  enabled: false
`

	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err, "Failed to write test config file")

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err, "LoadConfig should not return an error")
	require.NotNil(t, cfg, "Config should not be nil")

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, 8, cfg.Scheduler.WorkerCount)
	assert.Equal(t, 64, cfg.Scheduler.MaxQueue)
	assert.Equal(t, 2*time.Second, cfg.graceTimeout())
	assert.Equal(t, 10*time.Second, cfg.snapshotInterval())
	assert.Equal(t, "./data/test.journal", cfg.Journal.Path)
	assert.True(t, cfg.Cache.InMemory)
	assert.Equal(t, 100, cfg.Cache.MaxEntries)
	assert.Equal(t, time.Hour, cfg.cacheTTL())
	assert.Equal(t, 128, cfg.Stream.MaxBacklog)
	assert.Equal(t, 65536, cfg.Stream.ChunkThreshold)
	assert.Equal(t, 30*time.Second, cfg.streamIdleTimeout())
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	// A missing file falls back to the defaults.
	cfg, err := LoadConfig("/nonexistent/config.yaml")

	require.NoError(t, err, "LoadConfig should default when the file is absent")
	require.NotNil(t, cfg)
	assert.Equal(t, DefaultConfig().Server.Addr, cfg.Server.Addr)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `
scheduler:
  worker_count: "not a number"
  invalid yaml structure
    broken indentation
`

	err := os.WriteFile(configPath, []byte(invalidYAML), 0644)
	require.NoError(t, err, "Failed to write invalid YAML file")

	cfg, err := LoadConfig(configPath)

	assert.Error(t, err, "LoadConfig should return an error for invalid YAML")
	assert.Nil(t, cfg, "Config should be nil on parse error")
	assert.Contains(t, err.Error(), "failed to parse config YAML", "Error should mention YAML parsing failure")
}

func TestLoadConfig_PartialConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "partial.yaml")

	partialConfig := `
scheduler:
  worker_count: 2
`

	err := os.WriteFile(configPath, []byte(partialConfig), 0644)
	require.NoError(t, err, "Partial config should parse successfully")

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Scheduler.WorkerCount, "Overridden field should be set")
	assert.Equal(t, DefaultConfig().Server.Addr, cfg.Server.Addr, "Unset fields keep their defaults")
	assert.Equal(t, DefaultConfig().Scheduler.MaxQueue, cfg.Scheduler.MaxQueue)
}

func TestLoadConfig_ValidationRejectsBadValues(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "bad.yaml")

	badConfig := `
scheduler:
  worker_count: 0
`

	err := os.WriteFile(configPath, []byte(badConfig), 0644)
	require.NoError(t, err)

	_, err = LoadConfig(configPath)
	assert.Error(t, err, "worker_count below 1 must be rejected")
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestSubmitJob_UnreachableService(t *testing.T) {
	err := submitJob("127.0.0.1:1", "distributions", `{"data":[1]}`, "", 0, false)

	assert.Error(t, err, "submitJob should fail when the service is unreachable")
	assert.Contains(t, err.Error(), "request failed")
}
