// Package cmd contains the sentinel CLI entry points: serve, jobs, migrate
// and version. main.go stays a minimal shim around Execute.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/kestrelhq/sentinel/internal/log"
)

// Version information (injected at build time via ldflags).
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Execute is the main entry point. It routes to the subcommand and returns
// the error for main to report.
func Execute() error {
	sub := "serve"
	if len(os.Args) > 1 {
		sub = os.Args[1]
	}

	switch sub {
	case "version", "--version", "-v":
		printVersion()
		return nil
	case "help", "--help", "-h":
		printHelp()
		return nil
	case "serve":
		return runServe()
	case "jobs":
		return runJobs()
	case "migrate":
		return runMigrate()
	default:
		printHelp()
		return fmt.Errorf("unknown command %q", sub)
	}
}

// initLogger builds the process logger. DEBUG in the environment enables
// debug level; SENTINEL_LOG_JSON switches to JSON output for collectors.
func initLogger() *slog.Logger {
	cfg := log.Config{Level: slog.LevelInfo}
	if os.Getenv("DEBUG") != "" {
		cfg.Level = slog.LevelDebug
	}
	if os.Getenv("SENTINEL_LOG_JSON") != "" {
		cfg.JSON = true
	}
	logger := log.New(cfg)
	slog.SetDefault(logger)
	return logger
}

// checkRequiredEnv verifies the model API key is present before any setup
// that would fail later with a less helpful error.
func checkRequiredEnv() error {
	if os.Getenv("GEMINI_API_KEY") == "" {
		fmt.Fprintln(os.Stderr, "Error: GEMINI_API_KEY environment variable not set")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Sentinel requires a Gemini API key to function.")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "To set your API key:")
		fmt.Fprintln(os.Stderr, "  export GEMINI_API_KEY=your-api-key")

		return fmt.Errorf("GEMINI_API_KEY not set")
	}
	return nil
}

func printVersion() {
	fmt.Printf("Sentinel v%s\n", Version)
	fmt.Printf("Build: %s\n", BuildTime)
	fmt.Printf("Commit: %s\n", GitCommit)
}

func printHelp() {
	fmt.Println("Sentinel - trigger-driven knowledge pipeline")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  sentinel serve [addr]      Run the scheduler and HTTP API (default)")
	fmt.Println("  sentinel jobs --list       List registered background jobs")
	fmt.Println("  sentinel jobs --run <id>   Run one job immediately and exit")
	fmt.Println("  sentinel migrate           Apply database migrations and exit")
	fmt.Println("  sentinel version           Show version information")
	fmt.Println("  sentinel help              Show this help")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  GEMINI_API_KEY        Model API key (required)")
	fmt.Println("  DATABASE_URL          PostgreSQL connection URL")
	fmt.Println("  SENTINEL_CONFIG_DIR   Config directory (default ~/.sentinel)")
	fmt.Println("  DEBUG                 Enable debug logging")
	fmt.Println("  SENTINEL_LOG_JSON     JSON log output")
}
