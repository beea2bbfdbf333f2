// Package config provides configuration management for detectd.
//
// Responsibilities:
//   - Load engine configuration from a YAML file and environment variables
//   - Discover and parse per-metric config files from the metrics directory
//   - Parse the source profiles file
//   - Validate everything on startup with actionable error messages
//   - Establish reasonable defaults
//
// Configuration sources (priority order, high to low):
//  1. Environment variables (DETECTK_* prefix)
//  2. YAML config file (default: detectk.yaml)
//  3. Built-in defaults
//
// The engine config names a metrics directory; every *.yaml/*.yml file in it
// (recursively) declares one metric to watch.
package config

import (
	"fmt"
	"time"
)

// Config contains all engine-level configuration.
type Config struct {
	// Server configuration for the ops HTTP API.
	Server struct {
		Port int
		// AllowedOrigins lists origins permitted to open WebSocket
		// connections. Use ["*"] to allow any origin (development only).
		AllowedOrigins []string
		// RateLimitPerMin throttles /api/v1 requests per client host.
		// Zero disables throttling.
		RateLimitPerMin int
	}

	// Store configuration for the engine's own tables.
	Store struct {
		Path string // SQLite file, ":memory:" for ephemeral runs
	}

	// ProfilesPath points at the source profiles YAML file.
	ProfilesPath string

	// MetricsDir is scanned recursively for metric config files.
	MetricsDir string

	// Runner configuration for the periodic scheduler.
	Runner struct {
		Enabled     bool
		LockTimeout time.Duration
		// DetectionWindow bounds how far back each run re-scores history.
		DetectionWindow time.Duration
	}

	// Logging configuration.
	Logging struct {
		Level  string // debug | info | warn | error
		Format string // json | console
		File   struct {
			Path       string // empty logs to stderr only
			MaxSizeMB  int
			MaxBackups int
			MaxAgeDays int
		}
	}
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Port = 8086
	cfg.Server.RateLimitPerMin = 120
	cfg.Store.Path = "detectk.db"
	cfg.ProfilesPath = "profiles.yaml"
	cfg.MetricsDir = "metrics"
	cfg.Runner.Enabled = true
	cfg.Runner.LockTimeout = time.Hour
	cfg.Runner.DetectionWindow = 24 * time.Hour
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.File.MaxSizeMB = 100
	cfg.Logging.File.MaxBackups = 3
	cfg.Logging.File.MaxAgeDays = 28
	return cfg
}

// Validate checks the engine config and returns all problems found.
func (c *Config) Validate() []error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.RateLimitPerMin < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit_per_min cannot be negative"))
	}
	if c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path is required"))
	}
	if c.MetricsDir == "" {
		errs = append(errs, fmt.Errorf("metrics_dir is required"))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not json or console", c.Logging.Format))
	}
	if c.Runner.Enabled && c.Runner.LockTimeout <= 0 {
		errs = append(errs, fmt.Errorf("runner.lock_timeout must be positive"))
	}
	return errs
}
