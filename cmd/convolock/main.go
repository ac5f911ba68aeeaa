// Package main provides the CLI entry point for the convolock
// conversation coordinator.
//
// Convolock serializes inference calls per conversation: each
// conversation is guarded by its own lock, concurrent messages to the
// same conversation are rejected or queued rather than interleaved,
// and locks are released on every exit path including timeouts.
//
// # Basic Usage
//
// Start the server:
//
//	convolock serve --config convolock.yaml
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENAI_API_KEY: OpenAI API key
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
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

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "convolock",
		Short: "Convolock - per-conversation inference coordinator",
		Long: `Convolock serializes LLM inference calls per conversation.

Each conversation is guarded by its own lock. Concurrent messages to
the same conversation answer Busy immediately (or queue with ?wait=1)
instead of interleaving replies. Different conversations never block
each other.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}
