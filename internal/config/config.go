// Package config loads and validates the buildmaster configuration from YAML,
// with environment variable expansion and an optional .env overlay.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/buildmaster/internal/errors"
)

// Config represents the application configuration
type Config struct {
	Logging       LoggingConfig        `yaml:"logging"`
	Bus           BusConfig            `yaml:"bus"`
	Database      DatabaseConfig       `yaml:"database"`
	Canceller     CancellerConfig      `yaml:"canceller"`
	ChangeSources []ChangeSourceConfig `yaml:"change_sources,omitempty"`
	Daemon        DaemonConfig         `yaml:"daemon"`
}

// BusConfig configures the NATS event bus connection.
type BusConfig struct {
	URL string `yaml:"url"`
	// Name identifies this client on the bus (shows up in server monitoring).
	Name string `yaml:"name,omitempty"`
}

// DatabaseConfig configures the build request database.
type DatabaseConfig struct {
	// Path to the SQLite database file. ":memory:" keeps everything in-process.
	Path string `yaml:"path"`
}

// ChangeSourceConfig configures one polled git repository feeding change events.
type ChangeSourceConfig struct {
	Name     string   `yaml:"name"`
	URL      string   `yaml:"url"`
	Project  string   `yaml:"project,omitempty"`
	Codebase string   `yaml:"codebase,omitempty"`
	Branches []string `yaml:"branches,omitempty"` // empty means all heads
	Interval string   `yaml:"interval,omitempty"` // e.g. "60s", defaults to 60s
}

// DaemonConfig configures daemon-mode behavior.
type DaemonConfig struct {
	// AdminAddr is the listen address for the admin HTTP server (metrics,
	// health, introspection). Empty disables the server.
	AdminAddr string `yaml:"admin_addr,omitempty"`
	// StatsInterval controls periodic tracker stats logging, e.g. "5m".
	StatsInterval string `yaml:"stats_interval,omitempty"`
	// WatchConfig enables automatic reconfiguration when the config file changes.
	WatchConfig bool `yaml:"watch_config,omitempty"`
}

// Load loads configuration from the specified file
func Load(configPath string) (*Config, error) {
	// Load .env file if it exists
	if err := loadEnvFile(); err != nil {
		// Don't fail if .env doesn't exist, just log it
		fmt.Fprintf(os.Stderr, "Note: .env file not found or couldn't be loaded: %v\n", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, errors.ConfigNotFound(configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration populated with defaults. Loading overlays
// the file content on top of it.
func Default() *Config {
	return &Config{
		Logging:  LoggingConfig{Level: string(LogLevelInfo), Format: string(LogFormatText)},
		Bus:      BusConfig{URL: "nats://127.0.0.1:4222", Name: "buildmaster"},
		Database: DatabaseConfig{Path: "buildmaster.db"},
		Daemon:   DaemonConfig{AdminAddr: ":8090", StatsInterval: "5m", WatchConfig: true},
	}
}

// Save writes the configuration to the given path (used by the init command).
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
