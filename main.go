// Agent orchestrator - multi-tenant session server for conversational agents
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/workspace/agent-orchestrator/internal/acp"
	"github.com/workspace/agent-orchestrator/internal/auth"
	"github.com/workspace/agent-orchestrator/internal/config"
	"github.com/workspace/agent-orchestrator/internal/errorreport"
	"github.com/workspace/agent-orchestrator/internal/idle"
	"github.com/workspace/agent-orchestrator/internal/logging"
	"github.com/workspace/agent-orchestrator/internal/metrics"
	"github.com/workspace/agent-orchestrator/internal/persistence"
	"github.com/workspace/agent-orchestrator/internal/remote"
	"github.com/workspace/agent-orchestrator/internal/retry"
	"github.com/workspace/agent-orchestrator/internal/server"
	"github.com/workspace/agent-orchestrator/internal/sessions"
	"github.com/workspace/agent-orchestrator/internal/turns"
	"github.com/workspace/agent-orchestrator/internal/worker"
)

func main() {
	logging.Setup("orchestrator")
	slog.Info("Starting agent orchestrator...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fatal("Failed to load configuration", err)
	}

	st, err := persistence.Open(cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		fatal("Failed to open session store", err)
	}

	m := metrics.New()
	hostname, _ := os.Hostname()
	reporter := errorreport.New(cfg.ErrorReportURL, hostname, cfg.ErrorReportToken, errorreport.Config{
		FlushInterval: cfg.ErrorReportFlushInterval,
	})

	factories, err := buildFactories(cfg, m)
	if err != nil {
		fatal("Failed to configure workers", err)
	}

	registry, err := sessions.NewRegistry(sessions.Config{
		Store:           st,
		Factories:       factories,
		DefaultStrategy: cfg.WorkerStrategy,
		Metrics:         m,
		Reporter:        reporter,
	})
	if err != nil {
		fatal("Failed to create session registry", err)
	}
	coordinator := turns.New(turns.Config{
		Store:    st,
		Reporter: reporter,
		Metrics:  m,
	})

	authCtx, authCancel := context.WithCancel(context.Background())
	defer authCancel()
	var validator *auth.Validator
	if cfg.AuthJWKSURL != "" {
		validator, err = auth.NewValidator(authCtx, cfg.AuthJWKSURL, cfg.JWTAudience, cfg.JWTIssuer)
		if err != nil {
			fatal("Failed to create JWT validator", err)
		}
	}

	srv, err := server.New(cfg, server.Options{
		Registry:    registry,
		Coordinator: coordinator,
		Metrics:     m,
		Reporter:    reporter,
		Validator:   validator,
	})
	if err != nil {
		fatal("Failed to create server", err)
	}

	reclaimer := idle.NewReclaimer(registry, cfg.SessionTTL, cfg.SessionCleanupInterval)
	reclaimer.Start()

	slog.Info("Configuration loaded",
		"port", cfg.Port,
		"strategy", cfg.WorkerStrategy,
		"store", cfg.StoreDriver,
		"sessionTTL", cfg.SessionTTL,
	)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case err := <-errCh:
		slog.Error("Server error", "error", err)
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down...", "signal", sig.String())
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}
	reclaimer.Stop()
	if err := registry.Shutdown(ctx); err != nil {
		slog.Error("Error releasing workers", "error", err)
	}
	reporter.Shutdown()
	if err := st.Close(); err != nil {
		slog.Error("Error closing session store", "error", err)
	}

	slog.Info("Agent orchestrator stopped")
}

// buildFactories enables the local strategy always and the remote one when
// a session pool endpoint is configured.
func buildFactories(cfg *config.Config, m *metrics.Metrics) (map[worker.Strategy]worker.Factory, error) {
	factories := make(map[worker.Strategy]worker.Factory, 2)

	agentCfg, err := acp.ConfigFromAgent(cfg.Agent)
	if err != nil {
		return nil, err
	}
	local, err := acp.NewFactory(agentCfg)
	if err != nil {
		return nil, err
	}
	factories[worker.StrategyLocal] = local

	if cfg.PoolManagementEndpoint != "" {
		rf, err := remote.NewFactory(remote.Config{
			BaseURL:       cfg.PoolManagementEndpoint,
			Token:         cfg.RemoteWorkerToken,
			PollInterval:  cfg.StatusPollInterval,
			StatusTimeout: cfg.StatusPollTimeout,
			ChatTimeout:   cfg.ChatTimeout,
			Allocate:      retry.DefaultConfig(),
			Metrics:       m,
		})
		if err != nil {
			return nil, err
		}
		factories[worker.StrategyRemote] = rf
	}
	return factories, nil
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
