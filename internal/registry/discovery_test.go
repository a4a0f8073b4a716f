package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func writeWorker(t *testing.T, root, name, manifest string, executable bool) string {
	t.Helper()

	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	entry := filepath.Join(dir, "run.sh")
	if err := os.WriteFile(entry, []byte("#!/bin/sh\nexit 0\n"), mode); err != nil {
		t.Fatalf("write entrypoint: %v", err)
	}
	return entry
}

func TestDiscover_ValidWorker(t *testing.T) {
	root := t.TempDir()
	writeWorker(t, root, "order-processor", `name: order-processor
version: 1.0.0
protocol: 1
entrypoint: run.sh
timeout: 30s
`, true)

	reg, err := Discover(root, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	w, ok := reg.Get("order-processor")
	if !ok {
		t.Fatal("worker not discovered")
	}
	if w.Protocol != 1 {
		t.Errorf("protocol = %d", w.Protocol)
	}
	if w.Timeout.Seconds() != 30 {
		t.Errorf("timeout = %v", w.Timeout)
	}
	if !filepath.IsAbs(w.Entrypoint) {
		t.Errorf("entrypoint should be absolute, got %s", w.Entrypoint)
	}
}

func TestDiscover_SkipsInvalidWorkers(t *testing.T) {
	root := t.TempDir()

	writeWorker(t, root, "good", `name: good
version: 1.0.0
protocol: 1
entrypoint: run.sh
`, true)
	writeWorker(t, root, "wrong-protocol", `name: wrong-protocol
protocol: 9
entrypoint: run.sh
`, true)
	writeWorker(t, root, "not-executable", `name: not-executable
protocol: 1
entrypoint: run.sh
`, false)
	writeWorker(t, root, "traversal", `name: traversal
protocol: 1
entrypoint: ../../etc/passwd
`, true)

	var warned []string
	logger := func(level, msg string, args ...any) {
		if level == "warn" {
			warned = append(warned, msg)
		}
	}

	reg, err := Discover(root, logger)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	if len(reg.All()) != 1 {
		t.Fatalf("expected 1 worker, got %d", len(reg.All()))
	}
	if _, ok := reg.Get("good"); !ok {
		t.Fatal("good worker missing")
	}
	if len(warned) != 3 {
		t.Errorf("expected 3 warnings, got %d: %v", len(warned), warned)
	}
}

func TestDiscover_ChecksumPin(t *testing.T) {
	root := t.TempDir()
	entry := writeWorker(t, root, "pinned", `name: pinned
protocol: 1
entrypoint: run.sh
`, true)

	sum, err := fileChecksum(entry)
	if err != nil {
		t.Fatalf("fileChecksum: %v", err)
	}

	manifest := "name: pinned\nprotocol: 1\nentrypoint: run.sh\nchecksum: " + sum + "\n"
	if err := os.WriteFile(filepath.Join(root, "pinned", "manifest.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("rewrite manifest: %v", err)
	}

	reg, err := Discover(root, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if _, ok := reg.Get("pinned"); !ok {
		t.Fatal("pinned worker should load when checksum matches")
	}

	// Tamper with the entrypoint; the pin must now reject it.
	if err := os.WriteFile(entry, []byte("#!/bin/sh\nexit 1\n"), 0o755); err != nil {
		t.Fatalf("tamper entrypoint: %v", err)
	}
	reg, err = Discover(root, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if _, ok := reg.Get("pinned"); ok {
		t.Fatal("tampered worker should be rejected")
	}
}

func TestDiscover_MissingDir(t *testing.T) {
	if _, err := Discover(filepath.Join(t.TempDir(), "nope"), nil); err == nil {
		t.Fatal("expected error for missing workers dir")
	}
}

func TestRegistry_DuplicateAdd(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Add(&Worker{Name: "a"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := reg.Add(&Worker{Name: "a"}); err == nil {
		t.Fatal("expected duplicate error")
	}
}
