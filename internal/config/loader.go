package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "gaffer",
			LogLevel: "INFO",
		},
		Ledger: LedgerConfig{
			Path: "data/gaffer.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8480",
		},
		WorkersDir: "workers",
		Dispatch: DispatchConfig{
			DefaultTimeout: 60 * time.Second,
			MaxTimeout:     10 * time.Minute,
			GracePeriod:    5 * time.Second,
			EventBuffer:    256,
		},
	}
}

// Load reads and parses configuration from a file. Values of the form
// ${ENV_VAR} are expanded from the environment before parsing.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	expanded := envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})

	cfg := Defaults()
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks config invariants.
func Validate(cfg *Config) error {
	if cfg.WorkersDir == "" {
		return fmt.Errorf("workers_dir is required")
	}
	if cfg.Ledger.Path == "" {
		return fmt.Errorf("ledger.path is required")
	}
	if cfg.Dispatch.DefaultTimeout <= 0 {
		return fmt.Errorf("dispatch.default_timeout must be positive")
	}
	if cfg.Dispatch.MaxTimeout < cfg.Dispatch.DefaultTimeout {
		return fmt.Errorf("dispatch.max_timeout must be at least dispatch.default_timeout")
	}
	if cfg.Dispatch.GracePeriod <= 0 {
		return fmt.Errorf("dispatch.grace_period must be positive")
	}
	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api.enabled")
		}
		if cfg.API.APIKey == "" {
			return fmt.Errorf("api.api_key is required when api.enabled")
		}
	}
	return nil
}
