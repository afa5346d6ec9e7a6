// Package server provides the caller-facing HTTP API of the orchestrator.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/workspace/agent-orchestrator/internal/auth"
	"github.com/workspace/agent-orchestrator/internal/config"
	"github.com/workspace/agent-orchestrator/internal/errorreport"
	"github.com/workspace/agent-orchestrator/internal/logging"
	"github.com/workspace/agent-orchestrator/internal/metrics"
	"github.com/workspace/agent-orchestrator/internal/sessions"
	"github.com/workspace/agent-orchestrator/internal/turns"
)

// Options holds the collaborators the server routes to. Metrics, Reporter
// and Validator may be nil.
type Options struct {
	Registry    *sessions.Registry
	Coordinator *turns.Coordinator
	Metrics     *metrics.Metrics
	Reporter    *errorreport.Reporter
	// Validator enables bearer-JWT authentication on /sessions routes.
	Validator *auth.Validator
}

// Server is the HTTP server for the orchestrator.
type Server struct {
	config      *config.Config
	httpServer  *http.Server
	registry    *sessions.Registry
	coordinator *turns.Coordinator
	metrics     *metrics.Metrics
	reporter    *errorreport.Reporter
	validator   *auth.Validator
}

// New creates a new server instance.
func New(cfg *config.Config, opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if opts.Coordinator == nil {
		return nil, fmt.Errorf("turn coordinator is required")
	}

	s := &Server{
		config:      cfg,
		registry:    opts.Registry,
		coordinator: opts.Coordinator,
		metrics:     opts.Metrics,
		reporter:    opts.Reporter,
		validator:   opts.Validator,
	}
	if s.validator == nil {
		slog.Warn("Caller authentication disabled: AUTH_JWKS_URL is not set")
	}

	// WriteTimeout stays zero: SSE and websocket turns can run for as long
	// as CHAT_TIMEOUT allows.
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     s.Handler(),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}
	return s, nil
}

// Handler returns the full route tree wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.setupRoutes(mux)
	return corsMiddleware(mux, s.config.AllowedOrigins)
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	protect := func(h http.HandlerFunc) http.Handler {
		return s.validator.Middleware(h)
	}
	mux.Handle("/log-level", protect(logging.LevelHandler().ServeHTTP))

	mux.Handle("POST /sessions", protect(s.handleCreateSession))
	mux.Handle("GET /sessions", protect(s.handleListSessions))
	mux.Handle("GET /sessions/{id}", protect(s.handleGetSession))
	mux.Handle("DELETE /sessions/{id}", protect(s.handleDeleteSession))
	mux.Handle("POST /sessions/{id}/messages", protect(s.handleSendMessage))
	mux.Handle("GET /sessions/{id}/ws", protect(s.handleSessionWS))
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	s.reporter.Start()

	slog.Info("Starting orchestrator", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop stops accepting requests and waits for in-flight handlers.
// Sessions and the store are released by the caller.
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// corsMiddleware adds CORS headers for allowed origins and answers
// preflight requests.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin, allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// originAllowed checks origin against the allowed list. Entries may be "*",
// an exact origin, or a wildcard subdomain pattern like "https://*.example.com".
func originAllowed(origin string, allowedOrigins []string) bool {
	for _, allowed := range allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	return false
}

// matchWildcardOrigin checks if origin matches a wildcard pattern.
// Pattern format: "https://*.example.com" matches "https://foo.example.com"
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if len(origin) <= len(prefix)+len(suffix) {
		return false
	}
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}

	// The subdomain part must not contain "/"
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}
