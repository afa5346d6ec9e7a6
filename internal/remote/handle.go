// Package remote implements the worker strategy where the worker runs in a
// separate session container reachable over HTTP. Turns are a blocking
// chat call; progress is observed by polling the container's status.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/workspace/agent-orchestrator/internal/events"
	"github.com/workspace/agent-orchestrator/internal/metrics"
	"github.com/workspace/agent-orchestrator/internal/retry"
	"github.com/workspace/agent-orchestrator/internal/worker"
)

const (
	DefaultPollInterval  = 1500 * time.Millisecond
	DefaultStatusTimeout = 5 * time.Second
	DefaultChatTimeout   = 10 * time.Minute

	// BusyMessage is the error reported when the container rejects a
	// concurrent turn.
	BusyMessage = "Session is busy"

	maxErrorBody = 4 << 10
)

// Config describes how to reach session containers.
type Config struct {
	// BaseURL is the session pool management endpoint.
	BaseURL       string
	Token         string
	PollInterval  time.Duration
	StatusTimeout time.Duration
	ChatTimeout   time.Duration
	// Allocate bounds the health probe that allocates the container.
	Allocate   retry.Config
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
}

// Handle is one session's connection to its container. The HTTP client is
// shared by every handle from the same factory.
type Handle struct {
	cfg        Config
	identifier string
	client     *http.Client
	running    atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc // in-flight turn, nil when idle
	closed bool
}

var _ worker.Handle = (*Handle)(nil)

// NewFactory returns a worker.Factory building remote handles. The session
// id is used as the container identifier.
func NewFactory(cfg Config) (worker.Factory, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("remote worker base URL is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid remote worker base URL: %w", err)
	}
	cfg.BaseURL = base
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = DefaultStatusTimeout
	}
	if cfg.ChatTimeout <= 0 {
		cfg.ChatTimeout = DefaultChatTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}

	return func(spec worker.Spec) (worker.Handle, error) {
		return New(cfg, spec.SessionID), nil
	}, nil
}

// New returns a handle for the container identified by identifier. cfg
// must already carry defaults; use NewFactory outside tests.
func New(cfg Config, identifier string) *Handle {
	return &Handle{
		cfg:        cfg,
		identifier: identifier,
		client:     cfg.HTTPClient,
	}
}

// Open probes the container's health endpoint, which allocates it on first
// use. Client errors are not retried.
func (h *Handle) Open(ctx context.Context) error {
	return retry.Do(ctx, h.cfg.Allocate, "allocate session container", func(ctx context.Context) error {
		req, err := h.newRequest(ctx, http.MethodGet, "/health", nil)
		if err != nil {
			return retry.Permanent(err)
		}
		resp, err := h.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return retry.Permanent(fmt.Errorf("health probe returned %d", resp.StatusCode))
		default:
			return fmt.Errorf("health probe returned %d", resp.StatusCode)
		}
	})
}

type chatRequest struct {
	Prompt string `json:"prompt"`
}

type chatResponse struct {
	Content      string                `json:"content"`
	ToolActivity []events.ToolActivity `json:"tool_activity"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type chatResult struct {
	resp *chatResponse
	err  error
}

// RunTurn posts the prompt and polls status until the chat call returns.
// A second RunTurn while one is outstanding returns worker.ErrBusy.
func (h *Handle) RunTurn(ctx context.Context, prompt string) (*events.Stream, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errClosed
	}
	if !h.running.CompareAndSwap(false, true) {
		h.mu.Unlock()
		return nil, worker.ErrBusy
	}
	turnCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.mu.Unlock()

	stream := events.NewStream()
	go func() {
		defer h.running.Store(false)
		defer func() {
			h.mu.Lock()
			h.cancel = nil
			h.mu.Unlock()
			cancel()
		}()
		h.runTurn(turnCtx, prompt, stream)
	}()
	return stream, nil
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) runTurn(ctx context.Context, prompt string, stream *events.Stream) {
	chatCtx, cancel := context.WithTimeout(ctx, h.cfg.ChatTimeout)
	defer cancel()

	resultC := make(chan chatResult, 1)
	go func() {
		resp, err := h.chat(chatCtx, prompt)
		resultC <- chatResult{resp: resp, err: err}
	}()

	pollCtx, stopPolling := context.WithCancel(chatCtx)
	defer stopPolling()
	statusC := make(chan string)
	go h.pollStatus(pollCtx, statusC)

	lastStatus := ""
	for {
		select {
		case res := <-resultC:
			stopPolling()
			if h.isClosed() {
				stream.Finish(errClosed)
				return
			}
			if res.err != nil {
				stream.Finish(res.err)
				return
			}
			stream.Emit(events.Message(res.resp.Content, res.resp.ToolActivity))
			stream.Finish(nil)
			return
		case status := <-statusC:
			if status != "" && status != lastStatus {
				lastStatus = status
				stream.Emit(events.Status(status))
			}
		}
	}
}

// pollStatus reports the container's status label every PollInterval until
// ctx is done. Failed polls are counted and skipped.
func (h *Handle) pollStatus(ctx context.Context, out chan<- string) {
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := h.status(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.cfg.Metrics.StatusPollFailed()
			slog.Debug("Status poll failed", "identifier", h.identifier, "error", err)
			continue
		}
		select {
		case out <- status:
		case <-ctx.Done():
			return
		}
	}
}

var (
	errBusy   = errors.New(BusyMessage)
	errClosed = errors.New("session closed")
)

func (h *Handle) chat(ctx context.Context, prompt string) (*chatResponse, error) {
	body, err := json.Marshal(chatRequest{Prompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	req, err := h.newRequest(ctx, http.MethodPost, "/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return nil, errBusy
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("chat returned %d: %s", resp.StatusCode, errorDetail(resp.Body))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if out.ToolActivity == nil {
		out.ToolActivity = []events.ToolActivity{}
	}
	return &out, nil
}

func (h *Handle) status(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.StatusTimeout)
	defer cancel()

	req, err := h.newRequest(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return "", err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status returned %d", resp.StatusCode)
	}

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode status: %w", err)
	}
	return out.Status, nil
}

func (h *Handle) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	u := h.cfg.BaseURL + path + "?identifier=" + url.QueryEscape(h.identifier)
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	if h.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.Token)
	}
	return req, nil
}

// Close aborts the in-flight turn, if any, and rejects later turns. The
// shared client's pooled connections are left to other sessions and expire
// through the transport's idle timeout. The container itself is reclaimed
// by the pool.
func (h *Handle) Close() error {
	h.mu.Lock()
	h.closed = true
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// errorDetail extracts {"error": "..."} from a failed response, falling
// back to the raw body.
func errorDetail(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return "empty response"
	}
	return s
}
