// Package config handles configuration parsing for ptymcp.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath returns the default config file path:
// $XDG_CONFIG_HOME/ptymcp/config.yaml or ~/.config/ptymcp/config.yaml
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "ptymcp", "config.yaml")
}

// Config is the process-level configuration for the session core and
// the tool façade that sits on top of it.
type Config struct {
	// MaxSessions caps the number of concurrently running sessions.
	MaxSessions int `yaml:"max_sessions"`

	// LogDir, when set, must be an existing directory. Each session then
	// writes a real-time append-only mirror of its output there.
	LogDir string `yaml:"log_dir"`

	// IdleTimeout is the default per-session idle watchdog period,
	// overridable per session at start_session time.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// BufferLines is the default scrollback capacity, overridable per
	// session at start_session time.
	BufferLines int `yaml:"buffer_lines"`

	// SentinelCommand is the default sentinel template, overridable per
	// session at start_session time and at runtime via set_sentinel.
	SentinelCommand string `yaml:"sentinel_command"`

	// RunCommandTimeout is the default run_command timeout.
	RunCommandTimeout time.Duration `yaml:"run_command_timeout"`

	Logging LoggingConfig       `yaml:"logging"`
	Command CommandFilterConfig `yaml:"command_filter"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`    // "debug", "info", "warn", "error"
	Sanitize bool   `yaml:"sanitize"` // sanitize sensitive data from logs
}

// CommandFilterConfig defines the optional regex allow/blocklist applied
// to run_command and send_keys before they reach the PTY.
type CommandFilterConfig struct {
	Blocklist []string `yaml:"blocklist"`
	Allowlist []string `yaml:"allowlist"`
}

// DefaultConfig returns the default configuration, matching spec.md §6's
// stated defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxSessions:       10,
		IdleTimeout:       86400 * time.Second,
		BufferLines:       1000,
		SentinelCommand:   "echo {sentinel}",
		RunCommandTimeout: 1800 * time.Second,
		Logging: LoggingConfig{
			Level:    "info",
			Sanitize: true,
		},
	}
}

// Load loads configuration from a YAML file. A missing path returns
// defaults; a missing file at a non-empty explicit path is an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate validates the configuration, applying fallback defaults for
// unset numeric fields and rejecting a log_dir that does not exist.
func (c *Config) Validate() error {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 10
	}
	if c.BufferLines <= 0 {
		c.BufferLines = 1000
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 86400 * time.Second
	}
	if c.RunCommandTimeout <= 0 {
		c.RunCommandTimeout = 1800 * time.Second
	}
	if c.SentinelCommand == "" {
		c.SentinelCommand = "echo {sentinel}"
	}

	if c.LogDir != "" {
		info, err := os.Stat(c.LogDir)
		if err != nil {
			return fmt.Errorf("log_dir %q: %w", c.LogDir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("log_dir %q is not a directory", c.LogDir)
		}
	}

	return nil
}
