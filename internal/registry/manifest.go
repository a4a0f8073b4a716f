package registry

import (
	"fmt"
	"strings"
	"time"
)

// Manifest defines the structure of a worker's manifest.yaml file.
type Manifest struct {
	Name        string        `yaml:"name"`
	Version     string        `yaml:"version"`
	Protocol    int           `yaml:"protocol"`
	Entrypoint  string        `yaml:"entrypoint"`
	Description string        `yaml:"description,omitempty"`
	Checksum    string        `yaml:"checksum,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
}

// Worker represents a discovered and validated worker program.
type Worker struct {
	Name        string        // Worker name from manifest
	Path        string        // Absolute path to worker directory
	Entrypoint  string        // Absolute path to entrypoint executable
	Protocol    int           // Protocol version
	Version     string        // Worker version
	Description string        // Human-readable description
	Timeout     time.Duration // Per-dispatch timeout override, 0 = use default
}

// validateManifest checks required manifest fields.
func validateManifest(m *Manifest) error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if m.Protocol == 0 {
		return fmt.Errorf("protocol version is required")
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}

	// Check for path traversal in entrypoint
	if strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}

	if m.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}

	return nil
}
