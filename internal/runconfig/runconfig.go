// Package runconfig holds the run-wide settings of one CLI invocation and
// their environment-variable overrides.
package runconfig

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds runtime configuration for one orchestration run.
type Config struct {
	// File is the environment document path; "-" reads stdin.
	File string
	// LogLevel can be "debug", "info", "warn", "error".
	LogLevel string
	// LogFile duplicates logs to a file when non-empty.
	LogFile string
	// Passphrase decrypts encrypted registry passwords.
	Passphrase string
	// Concurrency caps in-flight container tasks per play; zero means
	// unbounded.
	Concurrency int
	// MetricsEnabled serves Prometheus metrics during the run.
	MetricsEnabled bool
	MetricsPort    int
}

// DefaultConfig returns a sane default configuration
func DefaultConfig() *Config {
	return &Config{
		File:        "maestro.yaml",
		LogLevel:    "info",
		MetricsPort: 9090,
	}
}

// ApplyEnvOverrides reads configuration values from environment variables
// and overrides fields in the provided Config. Returns an error if parsing
// fails.
//
// Environment variables supported:
// - MAESTRO_FILE (string, environment document path)
// - MAESTRO_LOG_LEVEL (string, "debug"/"info"/"warn"/"error")
// - MAESTRO_LOG_FILE (string)
// - MAESTRO_PASSPHRASE (string, registry password decryption)
// - MAESTRO_CONCURRENCY (int)
// - MAESTRO_METRICS_ENABLED (bool, "true"/"false")
// - MAESTRO_METRICS_PORT (int, e.g. 9090)
func ApplyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("MAESTRO_FILE"); v != "" {
		cfg.File = v
	}
	if v := os.Getenv("MAESTRO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MAESTRO_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("MAESTRO_PASSPHRASE"); v != "" {
		cfg.Passphrase = v
	}
	if v := os.Getenv("MAESTRO_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAESTRO_CONCURRENCY: %w", err)
		}
		cfg.Concurrency = n
	}
	if err := setBoolEnv("MAESTRO_METRICS_ENABLED", func(b bool) { cfg.MetricsEnabled = b }); err != nil {
		return err
	}
	if v := os.Getenv("MAESTRO_METRICS_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAESTRO_METRICS_PORT: %w", err)
		}
		cfg.MetricsPort = p
	}
	return nil
}

// setBoolEnv is a small helper to parse boolean environment variables
func setBoolEnv(env string, setter func(bool)) error {
	if v := os.Getenv(env); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", env, err)
		}
		setter(b)
	}
	return nil
}
