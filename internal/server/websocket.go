package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/workspace/agent-orchestrator/internal/events"
	"github.com/workspace/agent-orchestrator/internal/sessions"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsPongTimeout  = 60 * time.Second
)

// createUpgrader creates a WebSocket upgrader with origin validation.
// WebSocket upgrades bypass CORS, so origins are checked explicitly.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// No origin header - likely a non-browser client
				return true
			}
			if originAllowed(origin, s.config.AllowedOrigins) {
				return true
			}
			slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", s.config.AllowedOrigins)
			return false
		},
	}
}

// handleSessionWS runs turns for prompts received over a websocket. Each
// text frame is {"prompt": "..."}; every turn event is written back as one
// JSON frame. Prompts are handled one at a time in arrival order.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "sessionID", sessionID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))

	// Read pump; a read error means the client went away.
	prompts := make(chan []byte)
	go func() {
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
			select {
			case prompts <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	send := func(ev events.Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(ev)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-prompts:
			if err := s.runWSTurn(ctx, sessionID, data, send); err != nil {
				slog.Info("WebSocket client disconnected during turn", "sessionID", sessionID, "error", err)
				return
			}
		}
	}
}

// runWSTurn executes the turn requested by one client frame. Request
// failures are sent as error events; the returned error is a write failure.
func (s *Server) runWSTurn(ctx context.Context, sessionID string, data []byte, send func(events.Event) error) error {
	var req sendMessageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return send(events.Error("invalid message: " + err.Error()))
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return send(events.Error("prompt is required"))
	}

	rec, err := s.registry.Resolve(ctx, sessionID)
	if err != nil {
		return send(events.Error(wsErrorMessage(err)))
	}
	turn, err := s.coordinator.Execute(ctx, rec, req.Prompt)
	if err != nil {
		return send(events.Error(wsErrorMessage(err)))
	}

	for {
		ev, err := turn.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			turn.Detach()
			return err
		}
		if err := send(ev); err != nil {
			turn.Detach()
			return err
		}
	}
}

func wsErrorMessage(err error) string {
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		return "Session not found"
	case errors.Is(err, sessions.ErrBusy):
		return "A turn is already running on this session"
	default:
		return err.Error()
	}
}
