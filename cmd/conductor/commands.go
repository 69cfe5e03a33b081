// commands.go contains the cobra command definitions and their flag
// configurations. Each builder wires a command to its handler.
package main

import (
	"time"

	"github.com/spf13/cobra"
)

func buildRunCmd() *cobra.Command {
	var (
		configPath string
		model      string
		provider   string
		sessionID  string
		system     string
		maxTokens  int
		maxRounds  int
		approveAll bool
	)

	cmd := &cobra.Command{
		Use:   "run [message]",
		Short: "Run one agent turn",
		Long: `Run one agent turn: send the message to the configured model, stream
the reply, and execute the tool calls it requests.

Tool calls not covered by a grant prompt for approval on the terminal.
Approving with "trust" records a grant so the call (or the whole tool)
runs without asking next time.`,
		Example: `  # One-shot question
  conductor run "What is 40 * 52?"

  # Pin the model and cap the response
  conductor run --model claude-sonnet-4-20250514 --max-tokens 1024 "Summarize ..."

  # Continue a saved session
  conductor run --session 9f41c2 "What did we decide earlier?"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTurn(cmd.Context(), runOptions{
				configPath: resolveConfigPath(configPath),
				message:    args[0],
				model:      model,
				provider:   provider,
				sessionID:  sessionID,
				system:     system,
				maxTokens:  maxTokens,
				maxRounds:  maxRounds,
				approveAll: approveAll,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model to use (overrides config)")
	cmd.Flags().StringVarP(&provider, "provider", "p", "", "Provider backend (overrides config)")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session ID to resume or create")
	cmd.Flags().StringVar(&system, "system", "", "System prompt (overrides config)")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Response token budget (overrides config)")
	cmd.Flags().IntVar(&maxRounds, "max-rounds", 0, "Tool round-trip limit (overrides config)")
	cmd.Flags().BoolVar(&approveAll, "approve-all", false, "Approve every tool call without prompting")

	return cmd
}

func buildGrantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grants",
		Short: "Manage tool permission grants",
	}

	var configPath string
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGrantsList(cmd.Context(), resolveConfigPath(configPath))
		},
	}

	var signature string
	addCmd := &cobra.Command{
		Use:   "add [tool]",
		Short: "Grant a tool (or one exact call signature)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGrantsAdd(cmd.Context(), resolveConfigPath(configPath), args[0], signature)
		},
	}
	addCmd.Flags().StringVar(&signature, "signature", "", "Exact call signature to grant instead of the whole tool")

	var revokeSignature string
	revokeCmd := &cobra.Command{
		Use:   "revoke [tool]",
		Short: "Revoke a grant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGrantsRevoke(cmd.Context(), resolveConfigPath(configPath), args[0], revokeSignature)
		},
	}
	revokeCmd.Flags().StringVar(&revokeSignature, "signature", "", "Exact call signature to revoke")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove all grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGrantsClear(cmd.Context(), resolveConfigPath(configPath))
		},
	}

	cmd.AddCommand(listCmd, addCmd, revokeCmd, clearCmd)
	return cmd
}

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage saved sessions",
	}

	var configPath string
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	var listDir string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions for a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd.Context(), resolveConfigPath(configPath), listDir)
		},
	}
	listCmd.Flags().StringVar(&listDir, "dir", "", "Directory to list sessions for (default: current)")

	var showDir string
	showCmd := &cobra.Command{
		Use:   "show [session-id]",
		Short: "Show a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsShow(cmd.Context(), resolveConfigPath(configPath), showDir, args[0])
		},
	}
	showCmd.Flags().StringVar(&showDir, "dir", "", "Directory the session belongs to (default: current)")

	var olderThan time.Duration
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete sessions older than a retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsPrune(cmd.Context(), resolveConfigPath(configPath), olderThan)
		},
	}
	pruneCmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Delete sessions not updated within this window")

	cmd.AddCommand(listCmd, showCmd, pruneCmd)
	return cmd
}

func buildRelayCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve the websocket event relay",
		Long: `Serve the websocket event relay. Clients connect to /events with a
bearer token and receive the agent event stream as JSON frames.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd.Context(), resolveConfigPath(configPath))
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	var subject string
	var expiry time.Duration
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a relay client token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelayToken(resolveConfigPath(configPath), subject, expiry)
		},
	}
	tokenCmd.Flags().StringVar(&subject, "subject", "cli", "Token subject")
	tokenCmd.Flags().DurationVar(&expiry, "expiry", 24*time.Hour, "Token lifetime")
	cmd.AddCommand(tokenCmd)

	return cmd
}
