// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds everything the CLI, workers and dashboard read from the
// environment. All knobs are optional; defaults suit a local install.
type Config struct {
	// DataDir holds the database file and per-job logs.
	DataDir string `env:"DATA_DIR" envDefault:"./data"`
	// DBFile overrides the database file name inside DataDir.
	DBFile string `env:"DB_FILE" envDefault:"queuectl.db"`

	// PollInterval is the worker sleep between empty claim attempts;
	// PollJitter is the random extra added to each sleep.
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"300ms"`
	PollJitter   time.Duration `env:"POLL_JITTER" envDefault:"200ms"`

	// OrphanGrace is added on top of a job's own timeout before a
	// processing row with no live worker is considered orphaned.
	OrphanGrace time.Duration `env:"ORPHAN_GRACE" envDefault:"30s"`

	// ShutdownTimeout bounds how long a stopping pool waits for
	// in-flight jobs.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	DashboardAddr string `env:"DASHBOARD_ADDR" envDefault:"127.0.0.1:8431"`

	// WorkerMetricsAddr, when set, exposes prometheus metrics from the
	// worker process on that loopback address.
	WorkerMetricsAddr string `env:"WORKER_METRICS_ADDR"`

	OTelEnabled      bool   `env:"OTEL_ENABLED" envDefault:"false"`
	OTelEndpoint     string `env:"OTEL_ENDPOINT"`
	OTelHeaders      string `env:"OTEL_HEADERS"`
	OTelServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"queuectl"`
	OTelInsecureMode bool   `env:"OTEL_INSECURE" envDefault:"false"`
}

// Load parses QUEUECTL_-prefixed environment variables and validates the
// result.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "QUEUECTL_"}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no deployment can want.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data dir must not be empty")
	}
	if c.DBFile == "" {
		return fmt.Errorf("db file must not be empty")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.PollJitter < 0 {
		return fmt.Errorf("poll jitter must not be negative, got %s", c.PollJitter)
	}
	if c.OrphanGrace < 0 {
		return fmt.Errorf("orphan grace must not be negative, got %s", c.OrphanGrace)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got %s", c.ShutdownTimeout)
	}
	if c.OTelEnabled && c.OTelEndpoint == "" {
		return fmt.Errorf("otel endpoint required when otel is enabled")
	}
	return nil
}

// DBPath is the full path of the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, c.DBFile)
}

// LogsDir is the directory holding per-job log files.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// LogPath is the log file for one job.
func (c *Config) LogPath(jobID string) string {
	return filepath.Join(c.LogsDir(), jobID+".log")
}
