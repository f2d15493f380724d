// Package cmd contains the ask-sspai entry points: the HTTP server and the
// knowledge base seeding command.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/xleven/ask-sspai/internal/log"
)

// Version information (injected at build time via ldflags).
var (
	AppVersion = "0.0.1"
	BuildTime  = "unknown"
	GitCommit  = "unknown"
)

// Execute is the main entry point. It handles flag parsing and command
// routing; serve is the default.
func Execute() error {
	// Handle special flags before full initialization so --version and
	// --help work even if config is invalid
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			return printVersionInfo()
		case "help", "--help", "-h":
			printHelp()
			return nil
		case "seed":
			slog.SetDefault(initLogger())
			return runSeed(os.Args[2:])
		case "serve":
			// Explicit form of the default
		default:
			printHelp()
			return fmt.Errorf("unknown command: %s", os.Args[1])
		}
	}

	slog.SetDefault(initLogger())
	return runServe()
}

// initLogger initializes the structured logger.
//
// Log level is controlled by the DEBUG environment variable:
//   - DEBUG set (any value): debug level logging
//   - DEBUG not set: info level logging
func initLogger() log.Logger {
	cfg := log.Config{Level: slog.LevelInfo}
	if os.Getenv("DEBUG") != "" {
		cfg.Level = slog.LevelDebug
	}
	return log.New(cfg)
}

// printVersionInfo displays version information.
func printVersionInfo() error {
	fmt.Printf("ask-sspai v%s\n", AppVersion)
	fmt.Printf("Build: %s\n", BuildTime)
	fmt.Printf("Commit: %s\n", GitCommit)
	return nil
}

// printHelp displays the help message.
func printHelp() {
	fmt.Println("ask-sspai - retrieval-augmented chat service")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  ask-sspai              Start the HTTP server (default)")
	fmt.Println("  ask-sspai serve        Start the HTTP server")
	fmt.Println("  ask-sspai seed <file>  Index documents from a JSONL file")
	fmt.Println("  ask-sspai --version    Show version information")
	fmt.Println("  ask-sspai --help       Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  GEMINI_API_KEY         Required: Gemini API key")
	fmt.Println("  HMAC_SECRET            Required: cookie signing secret (32+ bytes)")
	fmt.Println("  DATABASE_URL           Optional: PostgreSQL connection URL")
	fmt.Println("  DEBUG                  Optional: enable debug logging")
}
