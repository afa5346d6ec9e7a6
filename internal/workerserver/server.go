// Package workerserver is the HTTP server that runs inside a session
// container. A container serves exactly one user: it owns a single agent,
// opened on first use, and admits one turn at a time.
package workerserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/workspace/agent-orchestrator/internal/acp"
	"github.com/workspace/agent-orchestrator/internal/config"
	"github.com/workspace/agent-orchestrator/internal/events"
	"github.com/workspace/agent-orchestrator/internal/worker"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout    = 30 * time.Second
	defaultChatTimeout = 10 * time.Minute
	defaultUploadMax   = 50 << 20
)

// Agent is a worker handle that also reports its current activity.
type Agent interface {
	worker.Handle
	Status() string
}

// Server serves /chat, /status, /upload and /health for one agent.
type Server struct {
	config     *config.WorkerConfig
	newAgent   func() Agent
	httpServer *http.Server

	mu    sync.Mutex
	agent Agent
	open  bool

	// ready is the opened agent, readable while mu is held by a slow Open.
	readyMu sync.RWMutex
	ready   Agent

	busy atomic.Bool
}

// New returns a server whose agent is built by newAgent on the first chat.
// A nil newAgent runs the configured ACP agent in the workspace.
func New(cfg *config.WorkerConfig, newAgent func() Agent) (*Server, error) {
	if newAgent == nil {
		agentCfg, err := acp.ConfigFromAgent(cfg.Agent)
		if err != nil {
			return nil, err
		}
		agentCfg.WorkDir = cfg.Workspace
		newAgent = func() Agent {
			return acp.NewLocal(agentCfg, worker.Spec{SessionID: "container"})
		}
	}
	if cfg.ChatTimeout <= 0 {
		cfg.ChatTimeout = defaultChatTimeout
	}
	if cfg.UploadMaxSize <= 0 {
		cfg.UploadMaxSize = defaultUploadMax
	}
	s := &Server{config: cfg, newAgent: newAgent}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the route tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Run serves until ctx is cancelled, then shuts the listener down and
// stops the agent.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting session worker", "addr", s.httpServer.Addr, "workspace", s.config.Workspace)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		if closeErr := s.Close(); closeErr != nil {
			slog.Warn("Agent close failed", "error", closeErr)
		}
		return err
	})
	return g.Wait()
}

// Close stops the agent if it was started.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agent == nil {
		return nil
	}
	s.setReady(nil)
	err := s.agent.Close()
	s.agent, s.open = nil, false
	return err
}

// ensureAgent builds and opens the agent on first use. A failed open is
// retried on the next chat.
func (s *Server) ensureAgent(ctx context.Context) (Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agent == nil {
		s.agent = s.newAgent()
	}
	if !s.open {
		if err := s.agent.Open(ctx); err != nil {
			return nil, err
		}
		s.open = true
		s.setReady(s.agent)
		slog.Info("Agent initialised", "workspace", s.config.Workspace)
	}
	return s.agent, nil
}

type chatRequest struct {
	Prompt string `json:"prompt"`
}

type chatResponse struct {
	Content      string                `json:"content"`
	ToolActivity []events.ToolActivity `json:"tool_activity"`
}

// handleChat runs a full turn and returns the collected reply.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	if !s.busy.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "Session is busy (concurrent turn)")
		return
	}
	defer s.busy.Store(false)

	ctx, cancel := context.WithTimeout(r.Context(), s.config.ChatTimeout)
	defer cancel()

	agent, err := s.ensureAgent(ctx)
	if err != nil {
		slog.Error("Agent start failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	stream, err := agent.RunTurn(ctx, req.Prompt)
	if errors.Is(err, worker.ErrBusy) {
		writeError(w, http.StatusConflict, "Session is busy (concurrent turn)")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var transcript worker.Transcript
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			msg := "turn ended without a result"
			if !errors.Is(err, io.EOF) {
				msg = err.Error()
			}
			writeError(w, http.StatusInternalServerError, msg)
			return
		}
		switch ev.Type {
		case events.TypeDone:
			writeJSON(w, http.StatusOK, chatResponse{
				Content:      transcript.Content(),
				ToolActivity: transcript.ToolActivity(),
			})
			return
		case events.TypeError:
			slog.Warn("Agent turn failed", "error", ev.Message)
			writeError(w, http.StatusInternalServerError, ev.Message)
			return
		}
		transcript.Apply(ev)
	}
}

func (s *Server) setReady(a Agent) {
	s.readyMu.Lock()
	s.ready = a
	s.readyMu.Unlock()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := acp.StatusIdle
	s.readyMu.RLock()
	if s.ready != nil {
		status = s.ready.Status()
	}
	s.readyMu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// handleUpload saves the multipart "file" field into the workspace.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.UploadMaxSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", s.config.UploadMaxSize))
			return
		}
		writeError(w, http.StatusBadRequest, "file field is required: "+err.Error())
		return
	}
	defer file.Close()

	dest, err := uploadPath(s.config.Workspace, header.Filename)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := os.MkdirAll(s.config.Workspace, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out, err := os.Create(dest)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		_ = os.Remove(dest)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := out.Close(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	slog.Info("File uploaded", "path", dest, "size", header.Size)
	writeJSON(w, http.StatusOK, map[string]string{"path": dest})
}

// uploadPath places name directly inside workspace. Names that would
// resolve anywhere else are rejected.
func uploadPath(workspace, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	root := filepath.Clean(workspace)
	dest := filepath.Join(root, name)
	if filepath.Dir(dest) != root {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return dest, nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
