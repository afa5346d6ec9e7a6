// Session worker - per-user agent server run inside a session container
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/workspace/agent-orchestrator/internal/config"
	"github.com/workspace/agent-orchestrator/internal/logging"
	"github.com/workspace/agent-orchestrator/internal/workerserver"
)

func main() {
	logging.Setup("session-worker")

	cfg, err := config.LoadWorker()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := workerserver.New(cfg, nil)
	if err != nil {
		slog.Error("Failed to create session worker", "error", err)
		os.Exit(1)
	}
	if err := srv.Run(ctx); err != nil {
		slog.Error("Session worker stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Session worker stopped")
}
