// ============================================================================
// Configuration
// Responsibility: Load, default, and validate the YAML configuration that
// wires the scheduler, journal, cache, stream and HTTP server together
// ============================================================================

package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config maps the YAML configuration file. Zero values fall back to the
// defaults below, so a partial file only overrides what it names.
type Config struct {
	Server struct {
		Addr string `yaml:"addr" validate:"required,hostname_port"`
	} `yaml:"server"`

	Scheduler struct {
		WorkerCount      int `yaml:"worker_count" validate:"gte=1,lte=256"`
		MaxQueue         int `yaml:"max_queue" validate:"gte=1"`
		GraceTimeoutMs   int `yaml:"grace_timeout_ms" validate:"gte=100"`
		SnapshotSeconds  int `yaml:"snapshot_interval_seconds" validate:"gte=1"`
		RetentionMinutes int `yaml:"job_retention_minutes" validate:"gte=1"`
	} `yaml:"scheduler"`

	Journal struct {
		Path         string `yaml:"path" validate:"required"`
		SnapshotPath string `yaml:"snapshot_path" validate:"required"`
	} `yaml:"journal"`

	Cache struct {
		Dir        string `yaml:"dir"`
		InMemory   bool   `yaml:"in_memory"`
		MaxEntries int    `yaml:"max_entries" validate:"gte=0"`
		MaxBytes   int64  `yaml:"max_bytes" validate:"gte=0"`
		TTLMinutes int    `yaml:"ttl_minutes" validate:"gte=0"`
	} `yaml:"cache"`

	Stream struct {
		MaxBacklog         int `yaml:"max_backlog" validate:"gte=8"`
		ChunkThreshold     int `yaml:"chunk_threshold_bytes" validate:"gte=1024"`
		RetentionMinutes   int `yaml:"retention_minutes" validate:"gte=1"`
		IdleTimeoutSeconds int `yaml:"idle_timeout_seconds" validate:"gte=5"`
	} `yaml:"stream"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Addr = "localhost:8080"
	cfg.Scheduler.WorkerCount = 4
	cfg.Scheduler.MaxQueue = 1024
	cfg.Scheduler.GraceTimeoutMs = 5000
	cfg.Scheduler.SnapshotSeconds = 30
	cfg.Scheduler.RetentionMinutes = 30
	cfg.Journal.Path = "data/jobs.journal"
	cfg.Journal.SnapshotPath = "data/jobs.snapshot.json"
	cfg.Cache.Dir = "data/results"
	cfg.Stream.MaxBacklog = 256
	cfg.Stream.ChunkThreshold = 256 * 1024
	cfg.Stream.RetentionMinutes = 10
	cfg.Stream.IdleTimeoutSeconds = 60
	cfg.Metrics.Enabled = true
	return cfg
}

// LoadConfig reads path when it exists, layers it over the defaults, and
// validates the result. A missing file is not an error: the defaults run.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, validateConfig(cfg)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, validateConfig(cfg)
}

func validateConfig(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (c *Config) graceTimeout() time.Duration {
	return time.Duration(c.Scheduler.GraceTimeoutMs) * time.Millisecond
}

func (c *Config) snapshotInterval() time.Duration {
	return time.Duration(c.Scheduler.SnapshotSeconds) * time.Second
}

func (c *Config) jobRetention() time.Duration {
	return time.Duration(c.Scheduler.RetentionMinutes) * time.Minute
}

func (c *Config) cacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLMinutes) * time.Minute
}

func (c *Config) streamRetention() time.Duration {
	return time.Duration(c.Stream.RetentionMinutes) * time.Minute
}

func (c *Config) streamIdleTimeout() time.Duration {
	return time.Duration(c.Stream.IdleTimeoutSeconds) * time.Second
}
