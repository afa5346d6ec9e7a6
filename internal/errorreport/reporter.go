// Package errorreport ships worker and turn failures to a collector
// endpoint in batches. A nil *Reporter is a no-op.
package errorreport

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Sources used by the orchestrator.
const (
	SourceTurn     = "turn"
	SourceWorker   = "worker"
	SourceRecovery = "recovery"
)

// Entry is one reported failure.
type Entry struct {
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Source    string         `json:"source"`
	SessionID string         `json:"sessionId,omitempty"`
	Turn      int            `json:"turn,omitempty"`
	Instance  string         `json:"instance,omitempty"`
	Timestamp string         `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
}

// Config holds reporter tuning.
type Config struct {
	FlushInterval time.Duration // default 30s
	MaxBatchSize  int           // immediate flush threshold, default 10
	MaxQueueSize  int           // entries beyond this are dropped, default 100
	HTTPTimeout   time.Duration // default 10s
}

// Reporter batches entries and POSTs them as {"errors": [...]}.
type Reporter struct {
	endpoint  string
	instance  string
	authToken string
	config    Config
	client    *http.Client

	mu        sync.Mutex
	queue     []Entry
	stopC     chan struct{}
	doneC     chan struct{}
	startOnce sync.Once
	started   atomic.Bool
	stopOnce  sync.Once
}

// New returns a reporter for endpoint, or nil when endpoint is empty.
func New(endpoint, instance, authToken string, cfg Config) *Reporter {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 10
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	return &Reporter{
		endpoint:  endpoint,
		instance:  instance,
		authToken: authToken,
		config:    cfg,
		client:    &http.Client{Timeout: cfg.HTTPTimeout},
		queue:     make([]Entry, 0, cfg.MaxBatchSize),
		stopC:     make(chan struct{}),
		doneC:     make(chan struct{}),
	}
}

// Start launches the background flush loop.
func (r *Reporter) Start() {
	if r == nil {
		return
	}
	r.startOnce.Do(func() {
		r.started.Store(true)
		go r.flushLoop()
	})
}

// Shutdown flushes queued entries and stops the flush loop.
func (r *Reporter) Shutdown() {
	if r == nil {
		return
	}
	r.stopOnce.Do(func() {
		close(r.stopC)
		if r.started.Load() {
			<-r.doneC
		} else {
			r.flush()
		}
	})
}

// Report queues entry. A full batch triggers an immediate flush.
func (r *Reporter) Report(entry Entry) {
	if r == nil {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if entry.Instance == "" {
		entry.Instance = r.instance
	}

	r.mu.Lock()
	if len(r.queue) >= r.config.MaxQueueSize {
		r.mu.Unlock()
		slog.Warn("errorreport: queue full, dropping entry", "maxQueueSize", r.config.MaxQueueSize, "message", entry.Message)
		return
	}
	r.queue = append(r.queue, entry)
	shouldFlush := len(r.queue) >= r.config.MaxBatchSize
	r.mu.Unlock()

	if shouldFlush {
		go r.flush()
	}
}

// ReportTurnFailure records a turn that ended in an error event.
func (r *Reporter) ReportTurnFailure(sessionID string, turn int, message string) {
	if r == nil {
		return
	}
	r.Report(Entry{
		Level:     "error",
		Message:   message,
		Source:    SourceTurn,
		SessionID: sessionID,
		Turn:      turn,
	})
}

// ReportError records err from source with optional context.
func (r *Reporter) ReportError(err error, source, sessionID string, ctx map[string]any) {
	if r == nil {
		return
	}
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	r.Report(Entry{
		Level:     "error",
		Message:   msg,
		Source:    source,
		SessionID: sessionID,
		Context:   ctx,
	})
}

func (r *Reporter) flushLoop() {
	defer close(r.doneC)

	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopC:
			r.flush()
			return
		case <-ticker.C:
			r.flush()
		}
	}
}

func (r *Reporter) flush() {
	r.mu.Lock()
	if len(r.queue) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.queue
	r.queue = make([]Entry, 0, r.config.MaxBatchSize)
	r.mu.Unlock()

	r.send(batch)
}

func (r *Reporter) send(entries []Entry) {
	body, err := json.Marshal(map[string]any{"errors": entries})
	if err != nil {
		slog.Error("errorreport: failed to marshal entries", "error", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		slog.Error("errorreport: failed to create request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if r.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.authToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		slog.Error("errorreport: failed to send entries", "count", len(entries), "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("errorreport: collector returned non-OK status", "statusCode", resp.StatusCode, "count", len(entries))
	}
}
