package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"sort"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/dmarsh/gaffer/internal/api"
	"github.com/dmarsh/gaffer/internal/batch"
	"github.com/dmarsh/gaffer/internal/config"
	"github.com/dmarsh/gaffer/internal/events"
	"github.com/dmarsh/gaffer/internal/ledger"
	"github.com/dmarsh/gaffer/internal/log"
	"github.com/dmarsh/gaffer/internal/registry"
	"github.com/dmarsh/gaffer/internal/storage"
	"github.com/dmarsh/gaffer/internal/supervisor"
	"github.com/dmarsh/gaffer/internal/tui/watch"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "serve":
		if hasHelpFlag(args) {
			printServeHelp()
			return 0
		}
		return runServe(args)
	case "dispatch":
		if hasHelpFlag(args) {
			printDispatchHelp()
			return 0
		}
		return runDispatch(args)
	case "workers":
		return runWorkersNoun(args)
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			return 0
		}
		return runWatch(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func hasHelpFlag(args []string) bool {
	for _, a := range args {
		if a == "help" || a == "--help" || a == "-h" {
			return true
		}
	}
	return false
}

// --- serve ---

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "gaffer.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("gaffer starting", "version", version, "config", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.Ledger.Path)
	if err != nil {
		logger.Error("failed to open ledger database", "path", cfg.Ledger.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("ledger opened", "path", cfg.Ledger.Path)

	led := ledger.New(db)
	hub := events.NewHub(cfg.Dispatch.EventBuffer)

	reg, err := registry.Discover(cfg.WorkersDir, func(level, msg string, args ...any) {
		switch level {
		case "debug":
			logger.Debug(msg, args...)
		case "info":
			logger.Info(msg, args...)
		case "warn":
			logger.Warn(msg, args...)
		case "error":
			logger.Error(msg, args...)
		}
	})
	if err != nil {
		logger.Error("worker discovery failed", "workers_dir", cfg.WorkersDir, "error", err)
		return 1
	}
	logger.Info("worker discovery complete", "count", len(reg.All()))

	sup := supervisor.New(supervisor.Options{
		DefaultTimeout: cfg.Dispatch.DefaultTimeout,
		GracePeriod:    cfg.Dispatch.GracePeriod,
		Ledger:         led,
		Events:         hub,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen:     cfg.API.Listen,
			APIKey:     cfg.API.APIKey,
			MaxTimeout: cfg.Dispatch.MaxTimeout,
		}, sup, led, reg, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("gaffer running (press Ctrl+C to stop)")

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		exitCode = 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Warn("dispatches still in flight at shutdown", "error", err)
	}

	logger.Info("gaffer stopped")
	return exitCode
}

// --- dispatch ---

func runDispatch(args []string) int {
	fs := flag.NewFlagSet("dispatch", flag.ExitOnError)
	configPath := fs.String("config", "gaffer.yaml", "Path to configuration file")
	inputPath := fs.String("input", "-", "Path to a JSON file with the batch items (- for stdin)")
	timeoutStr := fs.String("timeout", "", "Per-dispatch timeout override, e.g. 30s")
	jsonOut := fs.Bool("json", false, "Output the full result as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: gaffer dispatch <worker> [--input items.json] [--timeout 30s] [--json]")
		return 1
	}
	workerName := fs.Arg(0)

	var timeout time.Duration
	if *timeoutStr != "" {
		d, err := time.ParseDuration(*timeoutStr)
		if err != nil || d <= 0 {
			fmt.Fprintf(os.Stderr, "Invalid timeout %q\n", *timeoutStr)
			return 1
		}
		timeout = d
	}

	items, err := readItems(*inputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read items: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup("ERROR") // keep stdout clean for results
	ctx := context.Background()

	db, err := storage.OpenSQLite(ctx, cfg.Ledger.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open ledger database: %v\n", err)
		return 1
	}
	defer db.Close()

	reg, err := registry.Discover(cfg.WorkersDir, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Worker discovery failed: %v\n", err)
		return 1
	}
	worker, ok := reg.Get(workerName)
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown worker %q (workers dir: %s)\n", workerName, cfg.WorkersDir)
		return 1
	}

	sup := supervisor.New(supervisor.Options{
		DefaultTimeout: cfg.Dispatch.DefaultTimeout,
		GracePeriod:    cfg.Dispatch.GracePeriod,
		Ledger:         ledger.New(db),
	})

	handle, err := sup.Dispatch(ctx, worker, items, timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Dispatch failed: %v\n", err)
		return 1
	}

	records, err := handle.Wait(ctx)
	if err != nil {
		var failure *supervisor.WorkerFailure
		if errors.As(err, &failure) {
			fmt.Fprintf(os.Stderr, "Dispatch %s failed: %v\n", handle.ID(), failure)
			if failure.Stderr != "" {
				fmt.Fprintf(os.Stderr, "--- worker stderr ---\n%s\n", failure.Stderr)
			}
		} else {
			fmt.Fprintf(os.Stderr, "Dispatch %s failed: %v\n", handle.ID(), err)
		}
		return 1
	}

	if *jsonOut {
		out := map[string]any{
			"dispatch_id": handle.ID(),
			"worker":      workerName,
			"status":      string(batch.StatusCompleted),
			"records":     records,
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("Dispatch %s completed: %d items in, %d records out\n", handle.ID(), len(items), len(records))
	for _, rec := range records {
		fmt.Printf("  order %d: %s\n", rec.OrderID, rec.Status)
	}
	return 0
}

func readItems(path string) (batch.WorkBatch, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	var items batch.WorkBatch
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse items: %w", err)
	}
	if items == nil {
		items = batch.WorkBatch{}
	}
	return items, nil
}

// --- workers ---

func runWorkersNoun(args []string) int {
	if len(args) < 1 || args[0] == "help" || hasHelpFlag(args) {
		printWorkersHelp()
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	switch args[0] {
	case "list":
		return runWorkersList(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown workers action: %s\n", args[0])
		return 1
	}
}

func runWorkersList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "gaffer.yaml", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup("ERROR")
	reg, err := registry.Discover(cfg.WorkersDir, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Worker discovery failed: %v\n", err)
		return 1
	}

	workers := make([]*registry.Worker, 0, len(reg.All()))
	for _, w := range reg.All() {
		workers = append(workers, w)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].Name < workers[j].Name })

	if *jsonOut {
		type workerOut struct {
			Name        string `json:"name"`
			Version     string `json:"version"`
			Description string `json:"description,omitempty"`
			Timeout     string `json:"timeout,omitempty"`
			Path        string `json:"path"`
		}
		out := make([]workerOut, 0, len(workers))
		for _, w := range workers {
			wo := workerOut{Name: w.Name, Version: w.Version, Description: w.Description, Path: w.Path}
			if w.Timeout > 0 {
				wo.Timeout = w.Timeout.String()
			}
			out = append(out, wo)
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	if len(workers) == 0 {
		fmt.Printf("No workers found in %s\n", cfg.WorkersDir)
		return 0
	}

	fmt.Printf("%-24s %-10s %-10s %s\n", "NAME", "VERSION", "TIMEOUT", "DESCRIPTION")
	for _, w := range workers {
		timeout := "-"
		if w.Timeout > 0 {
			timeout = w.Timeout.String()
		}
		fmt.Printf("%-24s %-10s %-10s %s\n", w.Name, w.Version, timeout, w.Description)
	}
	return 0
}

// --- watch ---

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api-url", "http://localhost:8480", "Supervisor API URL")
	apiKey := fs.String("api-key", os.Getenv("GAFFER_API_KEY"), "API Bearer Token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or GAFFER_API_KEY env var.")
		return 1
	}

	m := watch.New(*apiURL, *apiKey)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

// --- version ---

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: gaffer version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("gaffer %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

// --- help text ---

func printUsage() {
	fmt.Print(`gaffer - Batch dispatch supervisor with isolated worker processes

Usage:
  gaffer <command> [flags]

Commands:
  serve           Run the supervisor service in foreground
  dispatch        Dispatch one batch to a worker and wait for the result
  workers list    Show discovered workers
  watch           Real-time dispatch monitoring TUI
  version         Show version information
  help            Show this help message

Use 'gaffer <command> --help' for command-specific flags.
`)
}

func printServeHelp() {
	fmt.Println("Usage: gaffer serve [--config PATH]")
	fmt.Println()
	fmt.Println("Run the supervisor service: discovers workers, opens the dispatch")
	fmt.Println("ledger, and (if enabled) serves the HTTP API.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --config PATH    Configuration file (default: gaffer.yaml)")
}

func printDispatchHelp() {
	fmt.Println("Usage: gaffer dispatch <worker> [--input items.json] [--timeout 30s] [--json]")
	fmt.Println()
	fmt.Println("Dispatch a single batch to a worker process and wait for the reply.")
	fmt.Println("Items are read as a JSON array from --input, or stdin with '-'.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --config PATH    Configuration file (default: gaffer.yaml)")
	fmt.Println("  --input PATH     JSON items file, - for stdin (default: -)")
	fmt.Println("  --timeout DUR    Override the worker timeout, e.g. 30s")
	fmt.Println("  --json           Print the full result as JSON")
}

func printWorkersHelp() {
	fmt.Println("Usage: gaffer workers list [--config PATH] [--json]")
	fmt.Println("Show workers discovered under the configured workers directory.")
}

func printWatchHelp() {
	fmt.Println("Usage: gaffer watch [flags]")
	fmt.Println()
	fmt.Println("Real-time dispatch monitoring TUI.")
	fmt.Println("Shows supervisor health, recent dispatches, and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Supervisor API URL (default: http://localhost:8480)")
	fmt.Println("  --api-key KEY    API Bearer Token (or GAFFER_API_KEY env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Navigate dispatches")
}
