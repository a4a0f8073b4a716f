package config

import "time"

// Config represents the complete gaffer configuration.
type Config struct {
	Service    ServiceConfig  `yaml:"service"`
	Ledger     LedgerConfig   `yaml:"ledger"`
	API        APIConfig      `yaml:"api,omitempty"`
	WorkersDir string         `yaml:"workers_dir"`
	Dispatch   DispatchConfig `yaml:"dispatch"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// LedgerConfig defines dispatch ledger storage settings.
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key"`
}

// DispatchConfig defines dispatch timing settings.
type DispatchConfig struct {
	// DefaultTimeout applies when neither the caller nor the worker
	// manifest sets one.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// MaxTimeout caps caller-requested timeouts.
	MaxTimeout time.Duration `yaml:"max_timeout"`
	// GracePeriod is the wait between SIGTERM and SIGKILL.
	GracePeriod time.Duration `yaml:"grace_period"`
	// EventBuffer sizes the lifecycle event ring buffer.
	EventBuffer int `yaml:"event_buffer"`
}
