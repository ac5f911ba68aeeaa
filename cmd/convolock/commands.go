package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the HTTP
// gateway and the lock maintenance loops.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the convolock server",
		Long: `Start the convolock server.

The server will:
1. Load configuration from the specified file (or built-in defaults)
2. Open the transcript store
3. Initialize the inference provider (Anthropic or OpenAI)
4. Start the HTTP gateway, the lock watchdog, and the idle reaper

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with defaults
  convolock serve

  # Start with custom config
  convolock serve --config /etc/convolock/production.yaml

  # Start with debug logging
  convolock serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("convolock %s\ncommit: %s\nbuilt: %s\n", version, commit, date)
		},
	}
}
