// Package turns drives one conversational turn against a session's worker,
// forwarding its events and persisting the resulting transcript.
package turns

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/workspace/agent-orchestrator/internal/errorreport"
	"github.com/workspace/agent-orchestrator/internal/events"
	"github.com/workspace/agent-orchestrator/internal/metrics"
	"github.com/workspace/agent-orchestrator/internal/sessions"
	"github.com/workspace/agent-orchestrator/internal/store"
	"github.com/workspace/agent-orchestrator/internal/worker"
)

const defaultStoreTimeout = 10 * time.Second

// Config holds the coordinator's collaborators. Reporter and Metrics may
// be nil.
type Config struct {
	Store    store.Store
	Reporter *errorreport.Reporter
	Metrics  *metrics.Metrics
	Now      func() time.Time
	// StoreTimeout bounds each transcript write.
	StoreTimeout time.Duration
}

// Coordinator executes turns. It is safe for concurrent use across
// sessions; each session admits one turn at a time.
type Coordinator struct {
	store        store.Store
	reporter     *errorreport.Reporter
	metrics      *metrics.Metrics
	now          func() time.Time
	storeTimeout time.Duration
}

func New(cfg Config) *Coordinator {
	c := &Coordinator{
		store:        cfg.Store,
		reporter:     cfg.Reporter,
		metrics:      cfg.Metrics,
		now:          cfg.Now,
		storeTimeout: cfg.StoreTimeout,
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	if c.storeTimeout <= 0 {
		c.storeTimeout = defaultStoreTimeout
	}
	return c
}

// Turn is the caller's view of an executing turn.
type Turn struct {
	SessionID string
	Index     int

	out      *events.Stream
	detached atomic.Bool
}

// Next returns the next forwarded event. The last event is always done or
// error; after it Next returns io.EOF.
func (t *Turn) Next(ctx context.Context) (events.Event, error) {
	return t.out.Next(ctx)
}

// Detach stops forwarding non-terminal events. The turn still runs to
// completion and its transcript is still persisted.
func (t *Turn) Detach() {
	t.detached.Store(true)
}

// Execute starts a turn on rec. It fails immediately with sessions.ErrBusy
// when another turn is running, and with sessions.ErrNotFound when rec
// was destroyed. The turn runs detached from ctx's cancellation.
func (c *Coordinator) Execute(ctx context.Context, rec *sessions.Record, prompt string) (*Turn, error) {
	index, err := rec.BeginTurn(c.now())
	if err != nil {
		if errors.Is(err, sessions.ErrBusy) {
			c.metrics.TurnFinished(metrics.OutcomeRejected, 0)
		}
		return nil, err
	}

	t := &Turn{
		SessionID: rec.ID,
		Index:     index,
		out:       events.NewStream(),
	}
	go c.run(context.WithoutCancel(ctx), rec, t, prompt)
	return t, nil
}

func (c *Coordinator) run(ctx context.Context, rec *sessions.Record, t *Turn, prompt string) {
	start := time.Now()
	var terminal events.Event

	defer func() {
		if p := recover(); p != nil {
			slog.Error("Turn panicked", "sessionID", rec.ID, "turn", t.Index, "panic", p)
			terminal = events.Error(fmt.Sprintf("internal error: %v", p))
		}
		if !terminal.Terminal() {
			terminal = events.Error("turn ended without a result")
		}

		rec.EndTurn(c.now())

		outcome := metrics.OutcomeDone
		if terminal.Type == events.TypeError {
			outcome = metrics.OutcomeError
			c.reporter.ReportTurnFailure(rec.ID, t.Index, terminal.Message)
		}
		c.metrics.TurnFinished(outcome, time.Since(start))
		t.out.Emit(terminal)
	}()

	c.appendMessage(ctx, store.Message{
		SessionID: rec.ID,
		Role:      store.RoleUser,
		Content:   prompt,
		Timestamp: c.now(),
		TurnIndex: t.Index,
	})

	h, err := rec.Handle(ctx)
	if err != nil {
		slog.Warn("Worker unavailable for turn", "sessionID", rec.ID, "turn", t.Index, "error", err)
		terminal = events.Error(err.Error())
		return
	}

	stream, err := h.RunTurn(ctx, prompt)
	if err != nil {
		if errors.Is(err, worker.ErrBusy) {
			terminal = events.Error("Session is busy")
		} else {
			terminal = events.Error(err.Error())
		}
		return
	}

	var transcript worker.Transcript
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("Worker stream failed", "sessionID", rec.ID, "turn", t.Index, "error", err)
			}
			return
		}

		if ev.Terminal() {
			if ev.Type == events.TypeDone {
				c.recordReply(ctx, rec.ID, t.Index, &transcript)
			}
			terminal = ev
			return
		}

		transcript.Apply(ev)
		if !t.detached.Load() {
			t.out.Emit(ev)
		}
	}
}

// recordReply persists the assistant message and the session's activity.
func (c *Coordinator) recordReply(ctx context.Context, sessionID string, turn int, tr *worker.Transcript) {
	now := c.now()
	c.appendMessage(ctx, store.Message{
		SessionID:    sessionID,
		Role:         store.RoleAssistant,
		Content:      tr.Content(),
		ToolActivity: tr.ToolActivity(),
		Timestamp:    now,
		TurnIndex:    turn,
	})

	sctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()
	if err := c.store.UpdateActivity(sctx, sessionID, now); err != nil {
		slog.Warn("Failed to persist session activity", "sessionID", sessionID, "turn", turn, "error", err)
	}
}

func (c *Coordinator) appendMessage(ctx context.Context, msg store.Message) {
	sctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()
	if err := c.store.AppendMessage(sctx, msg); err != nil {
		slog.Warn("Failed to persist message", "sessionID", msg.SessionID, "turn", msg.TurnIndex, "role", msg.Role, "error", err)
	}
}
