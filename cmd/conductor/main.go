// Package main provides the conductor CLI.
//
// Conductor runs LLM agent turns against a configured provider: the model
// streams a reply, requests tool calls, and the engine executes approved
// calls concurrently until the model stops asking for tools.
//
// # Basic Usage
//
// Run one turn:
//
//	conductor run "What time is it in Tokyo?"
//
// Resume a session:
//
//	conductor run --session abc123 "And in Sydney?"
//
// Manage permission grants:
//
//	conductor grants list
//	conductor grants add http_fetch
//	conductor grants revoke http_fetch
//
// # Environment Variables
//
//   - CONDUCTOR_CONFIG: Path to configuration file (default: conductor.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key (referenced as ${ANTHROPIC_API_KEY}
//     in the config file)
//   - OPENAI_API_KEY: OpenAI API key
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := buildRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conductor",
		Short:   "Run LLM agent turns with tools, permissions and sessions",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	cmd.AddCommand(
		buildRunCmd(),
		buildGrantsCmd(),
		buildSessionsCmd(),
		buildRelayCmd(),
		buildVersionCmd(),
	)

	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("conductor %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// resolveConfigPath applies the CONDUCTOR_CONFIG fallback when no --config
// flag was given.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("CONDUCTOR_CONFIG"); env != "" {
		return env
	}
	return "conductor.yaml"
}
