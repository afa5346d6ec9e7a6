// Package main is the entry point for agentctl, a command-line client that
// talks to an agent directly or through a running orchestrator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/workspace/agent-orchestrator/internal/logging"
)

var logLevel string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentctl",
		Short: "Talk to a conversational agent",
		Long: `agentctl runs prompts against an ACP agent on this machine, either
one-shot or as an interactive chat, or sends them to a running
orchestrator over its streaming API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.SetupWithConfig("agentctl", logLevel, "text", cmd.ErrOrStderr())
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newChatCmd())
	root.AddCommand(newSendCmd())

	return root
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
