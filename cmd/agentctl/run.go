package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/workspace/agent-orchestrator/internal/acp"
	"github.com/workspace/agent-orchestrator/internal/config"
	"github.com/workspace/agent-orchestrator/internal/events"
	"github.com/workspace/agent-orchestrator/internal/worker"
)

// turnRunner is the part of a worker handle the CLI drives.
type turnRunner interface {
	RunTurn(ctx context.Context, prompt string) (*events.Stream, error)
}

type agentFlags struct {
	command string
	workDir string
}

func (f *agentFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.command, "command", "", "ACP agent command (default $ACP_COMMAND)")
	cmd.Flags().StringVar(&f.workDir, "workdir", "", "Agent working directory (default $WORKING_DIR or the current directory)")
}

// openAgent starts a local ACP agent configured from the environment and
// the flags.
func (f *agentFlags) openAgent(ctx context.Context) (*acp.Local, acp.Config, error) {
	agent := config.LoadAgent()
	if f.command != "" {
		agent.Command = f.command
	}
	if f.workDir != "" {
		agent.WorkDir = f.workDir
	}
	cfg, err := acp.ConfigFromAgent(agent)
	if err != nil {
		return nil, acp.Config{}, err
	}
	local := acp.NewLocal(cfg, worker.Spec{SessionID: "agentctl"})
	if err := local.Open(ctx); err != nil {
		return nil, cfg, fmt.Errorf("failed to start agent %q: %w", cfg.Command, err)
	}
	return local, cfg, nil
}

func newRunCmd() *cobra.Command {
	var flags agentFlags

	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run one prompt against a local agent and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			local, cfg, err := flags.openAgent(ctx)
			if err != nil {
				return err
			}
			defer local.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "[Agent] Working directory: %s\n", cfg.WorkDir)
			fmt.Fprintf(out, "[Agent] Prompt: %s\n\n", args[0])

			p := printer{out: out, errOut: cmd.ErrOrStderr()}
			if err := runTurn(ctx, local, args[0], p); err != nil {
				return err
			}
			fmt.Fprintln(out, "\n[Agent] Done.")
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newChatCmd() *cobra.Command {
	var flags agentFlags

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive multi-turn chat with a local agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			local, cfg, err := flags.openAgent(ctx)
			if err != nil {
				return err
			}
			defer local.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "[Agent] Working directory: %s\n", cfg.WorkDir)
			fmt.Fprintln(out, "[Agent] Interactive mode, type 'exit' or 'quit' to stop.")
			fmt.Fprintln(out)

			p := printer{out: out, errOut: cmd.ErrOrStderr()}
			if err := chatLoop(ctx, local, cmd.InOrStdin(), p); err != nil {
				return err
			}
			fmt.Fprintln(out, "[Agent] Session closed.")
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func runTurn(ctx context.Context, r turnRunner, prompt string, p printer) error {
	stream, err := r.RunTurn(ctx, prompt)
	if err != nil {
		return err
	}
	return p.drain(ctx, stream)
}

// chatLoop reads prompts line by line until EOF, "exit" or "quit". Turn
// failures are printed and the loop carries on.
func chatLoop(ctx context.Context, r turnRunner, in io.Reader, p printer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(p.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(p.out)
			return scanner.Err()
		}
		prompt := strings.TrimSpace(scanner.Text())
		if prompt == "" {
			continue
		}
		if lower := strings.ToLower(prompt); lower == "exit" || lower == "quit" {
			return nil
		}

		if err := runTurn(ctx, r, prompt, p); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(p.errOut, "[Agent] Error: %v\n", err)
		}
		fmt.Fprintln(p.out)
	}
}
