// Package registry discovers worker programs from a workers directory.
//
// Each worker lives in its own subdirectory with a manifest.yaml declaring
// its name, protocol version, and entrypoint. A manifest may pin the
// entrypoint's BLAKE3 checksum; a worker whose entrypoint no longer matches
// the pin is rejected at discovery time.
package registry

import (
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const (
	supportedProtocol = 1
	manifestFilename  = "manifest.yaml"
)

// Registry holds discovered workers indexed by name.
type Registry struct {
	workers map[string]*Worker
}

// NewRegistry creates an empty worker registry.
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[string]*Worker),
	}
}

// Get retrieves a worker by name.
func (r *Registry) Get(name string) (*Worker, bool) {
	w, ok := r.workers[name]
	return w, ok
}

// All returns all registered workers.
func (r *Registry) All() map[string]*Worker {
	return r.workers
}

// Add registers a worker in the registry.
func (r *Registry) Add(worker *Worker) error {
	if _, exists := r.workers[worker.Name]; exists {
		return fmt.Errorf("worker %q already registered", worker.Name)
	}
	r.workers[worker.Name] = worker
	return nil
}

// Discover scans workersDir for workers with manifest.yaml and validates
// them. Invalid workers are logged but not fatal.
func Discover(workersDir string, logger func(level, msg string, args ...any)) (*Registry, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}

	absRoot, err := filepath.Abs(workersDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workers dir %q: %w", workersDir, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("workers dir does not exist: %s", absRoot)
		}
		return nil, fmt.Errorf("failed to stat workers dir %s: %w", absRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workers dir is not a directory: %s", absRoot)
	}

	registry := NewRegistry()
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != manifestFilename {
			return nil
		}

		workerPath := filepath.Dir(path)
		worker, err := loadWorker(workerPath)
		if err != nil {
			logger("warn", "failed to load worker", "path", workerPath, "error", err.Error())
			return nil
		}

		if err := registry.Add(worker); err != nil {
			if existing, ok := registry.Get(worker.Name); ok {
				logger(
					"warn",
					"duplicate worker ignored (keeping first discovered)",
					"worker", worker.Name,
					"ignored_path", worker.Path,
					"kept_path", existing.Path,
				)
			}
			return nil
		}

		logger("info", "loaded worker", "worker", worker.Name, "path", worker.Path, "version", worker.Version)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan workers dir %s: %w", absRoot, err)
	}

	return registry, nil
}

// loadWorker reads and validates a single worker directory.
func loadWorker(workerPath string) (*Worker, error) {
	manifestPath := filepath.Join(workerPath, manifestFilename)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	if manifest.Protocol != supportedProtocol {
		return nil, fmt.Errorf("unsupported protocol version %d (supported: %d)", manifest.Protocol, supportedProtocol)
	}

	entrypointPath := filepath.Join(workerPath, manifest.Entrypoint)
	if err := validateEntrypoint(entrypointPath, &manifest); err != nil {
		return nil, err
	}

	return &Worker{
		Name:        manifest.Name,
		Path:        workerPath,
		Entrypoint:  entrypointPath,
		Protocol:    manifest.Protocol,
		Version:     manifest.Version,
		Description: manifest.Description,
		Timeout:     manifest.Timeout,
	}, nil
}

// validateEntrypoint checks that the entrypoint exists, is executable, and
// matches the pinned checksum if the manifest has one.
func validateEntrypoint(entrypointPath string, m *Manifest) error {
	info, err := os.Stat(entrypointPath)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("entrypoint is a directory: %s", entrypointPath)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", entrypointPath)
	}

	if pin := strings.TrimSpace(m.Checksum); pin != "" {
		actual, err := fileChecksum(entrypointPath)
		if err != nil {
			return err
		}
		if !strings.EqualFold(actual, pin) {
			return fmt.Errorf("entrypoint checksum mismatch for %s: expected %s, got %s",
				filepath.Base(entrypointPath), pin, actual)
		}
	}

	return nil
}

// fileChecksum computes the hex BLAKE3 hash of a file.
func fileChecksum(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read entrypoint: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
