// Package main is the CLI entry point for the famulus agent runtime.
//
// Famulus is a self-hosted personal assistant: a local-first agent
// runtime that routes between a local model (Ollama) and a hosted one
// (Anthropic), executes tools and skills, and serves clients over a
// reconnectable websocket protocol.
//
// # Basic Usage
//
// Start the runtime:
//
//	famulus serve
//
// Inspect or change settings:
//
//	famulus config list
//	famulus config set ollama_model qwen3:8b
//
// # Environment Variables
//
//   - FAMULUS_DATA_DIR: Data directory (default: ~/.famulus)
//   - ANTHROPIC_API_KEY: Seeds the hosted-model key on first boot
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
//
//	go build -ldflags "-X main.version=v0.3.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "famulus",
		Short: "Famulus - personal AI assistant runtime",
		Long: `Famulus runs a personal AI assistant on your own machine.

It routes simple requests to a local Ollama model and complex ones to a
hosted Anthropic model, executes tools and user-defined skills, and
serves clients over a websocket protocol that survives reconnects.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
		buildSkillsCmd(),
	)

	return rootCmd
}
