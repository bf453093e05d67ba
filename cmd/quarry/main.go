// quarry is the workspace runtime engine for natural-language data analysis.
// It ingests tabular datasets into per-workspace DuckDB stores, manages
// kernel runner processes, and serves the execution API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/quarry/internal/api"
	"github.com/mattjoyce/quarry/internal/catalog"
	"github.com/mattjoyce/quarry/internal/config"
	"github.com/mattjoyce/quarry/internal/doctor"
	"github.com/mattjoyce/quarry/internal/events"
	"github.com/mattjoyce/quarry/internal/gateway"
	"github.com/mattjoyce/quarry/internal/ingest"
	"github.com/mattjoyce/quarry/internal/kernel"
	"github.com/mattjoyce/quarry/internal/lock"
	"github.com/mattjoyce/quarry/internal/log"
	"github.com/mattjoyce/quarry/internal/notebook"
	"github.com/mattjoyce/quarry/internal/storage"
	"github.com/mattjoyce/quarry/internal/tui"
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

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "doctor":
		return runConfigCheck(args)
	case "version":
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
		fmt.Fprintln(os.Stderr, "Usage: quarry version [--json]")
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

	fmt.Printf("quarry %s\n", info.Version)
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
	if normalized, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalized
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

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	case "help":
		printSystemNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "help":
		printConfigNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

// --- ACTION IMPLEMENTATIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("quarry starting", "version", version, "config", *configPath)

	preflight := doctor.New(cfg).Validate()
	for _, issue := range preflight.Warnings {
		logger.Warn("preflight warning", "category", issue.Category, "field", issue.Field, "message", issue.Message)
	}
	if !preflight.Valid {
		for _, issue := range preflight.Errors {
			logger.Error("preflight check failed", "category", issue.Category, "field", issue.Field, "message", issue.Message)
		}
		return 1
	}

	pidLock, err := lock.AcquireServiceLock(cfg.Storage.DataDir)
	if err != nil {
		logger.Error("failed to acquire service lock (another instance may be running)", "data_dir", cfg.Storage.DataDir, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired service lock", "path", pidLock.Path())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.Storage.CatalogPath)
	if err != nil {
		logger.Error("failed to open catalog database", "path", cfg.Storage.CatalogPath, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("catalog opened", "path", cfg.Storage.CatalogPath)

	store := catalog.NewStore(db)
	paths, err := catalog.NewPaths(cfg.Storage.DataDir)
	if err != nil {
		logger.Error("failed to initialize workspace directories", "data_dir", cfg.Storage.DataDir, "error", err)
		return 1
	}

	hub := events.NewHub(256)
	ingestSvc := ingest.NewService(store, paths, hub, cfg.Ingest)
	manager := kernel.NewManager(cfg.Kernel, paths, hub)
	gw := gateway.New(manager, store, hub, cfg.Kernel)
	notebooks := notebook.NewStore(paths)

	go manager.RunIdleReaper(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)

	if cfg.API.Enabled {
		apiServer := api.New(cfg.API, ingestSvc, gw, manager, notebooks, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("quarry running (press Ctrl+C to stop)")

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

	manager.StopAll()
	logger.Info("quarry stopped")
	return exitCode
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	apiURL := fs.String("api-url", "http://localhost:8321", "Engine API URL")
	jsonOut := fs.Bool("json", false, "Output raw health JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*apiURL + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Engine unreachable at %s: %v\n", *apiURL, err)
		return 1
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read health response: %v\n", err)
		return 1
	}

	if *jsonOut {
		fmt.Println(string(body))
		return 0
	}

	var health struct {
		Status        string            `json:"status"`
		UptimeSeconds int64             `json:"uptime_seconds"`
		Kernels       map[string]string `json:"kernels"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		fmt.Fprintf(os.Stderr, "Malformed health response: %v\n", err)
		return 1
	}

	fmt.Printf("status:  %s\n", health.Status)
	fmt.Printf("uptime:  %s\n", (time.Duration(health.UptimeSeconds) * time.Second).String())
	fmt.Printf("kernels: %d\n", len(health.Kernels))
	for id, state := range health.Kernels {
		fmt.Printf("  %-24s %s\n", id, state)
	}
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api-url", "http://localhost:8321", "Engine API URL")
	apiKey := fs.String("api-key", os.Getenv("QUARRY_API_KEY"), "API Bearer Token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	m := tui.NewModel(*apiURL, *apiKey)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output validation result as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

	if *jsonOut {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
	} else {
		for _, issue := range result.Errors {
			fmt.Printf("ERROR   [%s] %s: %s\n", issue.Category, issue.Field, issue.Message)
		}
		for _, issue := range result.Warnings {
			fmt.Printf("WARNING [%s] %s: %s\n", issue.Category, issue.Field, issue.Message)
		}
		if result.Valid {
			fmt.Println("Configuration OK")
		} else {
			fmt.Printf("Configuration invalid (%d errors, %d warnings)\n", len(result.Errors), len(result.Warnings))
		}
	}

	if !result.Valid {
		return 1
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render config: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

func loadConfigForTool(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// --- HELP PRINTERS ---

func printUsage() {
	fmt.Print(`quarry - Workspace runtime engine for conversational data analysis

Usage:
  quarry <noun> <action> [flags]

Core Resources (Nouns):
  system    Engine lifecycle and health
  config    Engine configuration

System Commands:
  system start      Start the engine in foreground
  system status     Show engine health and kernel states
  system watch      Real-time monitoring TUI

Config Commands:
  config check      Validate configuration and environment
  config show       Print the fully resolved configuration

General:
  --version         Show version information
  version           Show version information
  help              Show this help message

Use 'quarry <noun> help' for resource-specific flags.
`)
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: quarry system <action>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Actions:")
	fmt.Fprintln(w, "  start     Start the engine in foreground")
	fmt.Fprintln(w, "  status    Show engine health and kernel states")
	fmt.Fprintln(w, "  watch     Real-time monitoring TUI")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: quarry config <action>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Actions:")
	fmt.Fprintln(w, "  check     Validate configuration and environment")
	fmt.Fprintln(w, "  show      Print the fully resolved configuration")
}

func printSystemStartHelp() {
	fmt.Println("Usage: quarry system start [--config PATH]")
	fmt.Println()
	fmt.Println("Start the engine in foreground. Opens the catalog, acquires the")
	fmt.Println("service lock, and serves the workspace API until interrupted.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --config PATH    Configuration file or directory")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: quarry system status [--api-url URL] [--json]")
	fmt.Println("Query /healthz on a running engine and print kernel states.")
}

func printSystemWatchHelp() {
	fmt.Println("Usage: quarry system watch [flags]")
	fmt.Println()
	fmt.Println("Real-time monitoring TUI. Shows engine health, kernel states,")
	fmt.Println("and the live event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Engine API URL (default: http://localhost:8321)")
	fmt.Println("  --api-key KEY    API Bearer Token (or QUARRY_API_KEY env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: quarry config check [--config PATH] [--json]")
	fmt.Println("Validate configuration values and the host environment (catalog,")
	fmt.Println("data directory, kernel runner, timeouts).")
}

func printConfigShowHelp() {
	fmt.Println("Usage: quarry config show [--config PATH]")
	fmt.Println("Print the fully resolved configuration as JSON.")
}
