package sessions

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/workspace/agent-orchestrator/internal/errorreport"
	"github.com/workspace/agent-orchestrator/internal/metrics"
	"github.com/workspace/agent-orchestrator/internal/store"
	"github.com/workspace/agent-orchestrator/internal/worker"
	"golang.org/x/sync/singleflight"
)

// Close reasons recorded in metrics.
const (
	ReasonDeleted = "deleted"
	ReasonIdle    = "idle"
)

// Config holds the registry's collaborators.
type Config struct {
	Store store.Store
	// Factories maps each enabled strategy to its worker factory.
	Factories       map[worker.Strategy]worker.Factory
	DefaultStrategy worker.Strategy
	Metrics         *metrics.Metrics
	// Reporter receives store failures that degrade recovery. May be nil.
	Reporter *errorreport.Reporter

	// NewID and Now are overridable for tests.
	NewID func() string
	Now   func() time.Time
}

// CreateOptions selects how a new session's worker runs.
type CreateOptions struct {
	// Strategy is "local" or "remote"; empty selects the default.
	Strategy string
}

// SessionView is a session's metadata together with its message history.
type SessionView struct {
	store.SessionMeta
	Messages []store.Message `json:"messages"`
}

// Registry maps session ids to records.
type Registry struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*Record
	closed   bool

	recovery singleflight.Group
}

// NewRegistry validates cfg and returns an empty registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if len(cfg.Factories) == 0 {
		return nil, fmt.Errorf("at least one worker factory is required")
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = worker.StrategyLocal
	}
	if _, ok := cfg.Factories[cfg.DefaultStrategy]; !ok {
		return nil, fmt.Errorf("no worker factory for default strategy %q", cfg.DefaultStrategy)
	}
	if cfg.NewID == nil {
		cfg.NewID = NewSessionID
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*Record),
	}, nil
}

// NewSessionID returns 16 lowercase hex characters from a random UUID.
func NewSessionID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])[:16]
}

// Now returns the registry clock.
func (r *Registry) Now() time.Time {
	return r.cfg.Now()
}

// Store returns the durable store backing the registry.
func (r *Registry) Store() store.Store {
	return r.cfg.Store
}

// Create allocates a session, opens its worker and persists its metadata.
func (r *Registry) Create(ctx context.Context, opts CreateOptions) (*Record, error) {
	strategy, err := worker.ParseStrategy(opts.Strategy, r.cfg.DefaultStrategy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStrategy, err)
	}
	factory, ok := r.cfg.Factories[strategy]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not enabled", ErrInvalidStrategy, strategy)
	}

	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	rec := newRecord(r.cfg.NewID(), strategy, factory, r.cfg.Now())
	rec.onWorker = r.workerSessionHook(rec)

	if _, err := rec.Handle(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = rec.close()
		return nil, ErrClosed
	}
	r.sessions[rec.ID] = rec
	active := len(r.sessions)
	r.mu.Unlock()

	meta := store.SessionMeta{
		SessionID:       rec.ID,
		Status:          store.StatusActive,
		Strategy:        string(strategy),
		WorkerSessionID: rec.WorkerSessionID(),
		CreatedAt:       rec.CreatedAt,
		LastActivityAt:  rec.CreatedAt,
	}
	if err := r.cfg.Store.CreateSessionMeta(ctx, meta); err != nil {
		slog.Warn("Failed to persist session metadata", "sessionID", rec.ID, "error", err)
		r.cfg.Reporter.ReportError(err, errorreport.SourceRecovery, rec.ID, map[string]any{"op": "createSessionMeta"})
	}

	r.cfg.Metrics.SessionCreated(string(strategy))
	r.cfg.Metrics.SetActiveSessions(active)
	slog.Info("Session created", "sessionID", rec.ID, "strategy", strategy)
	return rec, nil
}

// workerSessionHook persists the worker-side conversation id when the
// worker reports one. During Create the metadata row does not exist yet;
// the id is carried on the record and written with the metadata instead.
func (r *Registry) workerSessionHook(rec *Record) func(string) {
	return func(workerSessionID string) {
		rec.setWorkerSession(workerSessionID)
		err := r.cfg.Store.SetWorkerSession(context.Background(), rec.ID, workerSessionID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Warn("Failed to persist worker session id", "sessionID", rec.ID, "error", err)
		}
	}
}

// Resolve returns the live record for id, recovering it from the durable
// store when it is not in memory.
func (r *Registry) Resolve(ctx context.Context, id string) (*Record, error) {
	r.mu.RLock()
	rec, ok := r.sessions[id]
	closed := r.closed
	r.mu.RUnlock()
	if ok {
		return rec, nil
	}
	if closed {
		return nil, ErrClosed
	}

	v, err, _ := r.recovery.Do(id, func() (interface{}, error) {
		return r.recover(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Record), nil
}

// recover rebuilds an active session from its persisted metadata and
// message history. The worker handle is created on the next turn.
func (r *Registry) recover(ctx context.Context, id string) (*Record, error) {
	r.mu.RLock()
	rec, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return rec, nil
	}

	meta, err := r.cfg.Store.GetSessionMeta(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("Session recovery lookup failed", "sessionID", id, "error", err)
			r.cfg.Reporter.ReportError(err, errorreport.SourceRecovery, id, map[string]any{"op": "getSessionMeta"})
		}
		return nil, ErrNotFound
	}
	if meta.Status != store.StatusActive {
		return nil, ErrNotFound
	}

	turnIndex := 0
	msgs, err := r.cfg.Store.ListMessages(ctx, id)
	if err != nil {
		slog.Warn("Failed to load history during recovery", "sessionID", id, "error", err)
		r.cfg.Reporter.ReportError(err, errorreport.SourceRecovery, id, map[string]any{"op": "listMessages"})
	} else {
		turnIndex = store.MaxTurnIndex(msgs)
	}

	strategy, err := worker.ParseStrategy(meta.Strategy, r.cfg.DefaultStrategy)
	if err != nil {
		strategy = r.cfg.DefaultStrategy
	}
	factory, ok := r.cfg.Factories[strategy]
	if !ok {
		strategy = r.cfg.DefaultStrategy
		factory = r.cfg.Factories[strategy]
	}

	rec = newRecord(id, strategy, factory, meta.CreatedAt)
	rec.lastActivityAt = r.cfg.Now()
	rec.turnIndex = turnIndex
	rec.workerSessionID = meta.WorkerSessionID
	rec.onWorker = r.workerSessionHook(rec)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if existing, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.sessions[id] = rec
	active := len(r.sessions)
	r.mu.Unlock()

	r.cfg.Metrics.SessionRecovered()
	r.cfg.Metrics.SetActiveSessions(active)
	slog.Info("Session recovered from store", "sessionID", id, "turnIndex", turnIndex, "strategy", strategy)
	return rec, nil
}

// Destroy removes a session, releases its worker and marks it closed in
// the durable store. Destroying an id that is unknown, or already closed,
// returns ErrNotFound.
func (r *Registry) Destroy(ctx context.Context, id string) error {
	return r.destroy(ctx, id, ReasonDeleted, nil)
}

// Expire destroys a session whose last activity is more than ttl before
// now. Activity is re-read under the registry lock; a session touched
// since the caller's snapshot is kept and ErrNotIdle returned.
func (r *Registry) Expire(ctx context.Context, id string, ttl time.Duration, now time.Time) error {
	return r.destroy(ctx, id, ReasonIdle, func(rec *Record) bool {
		return rec.expireIfIdle(ttl, now)
	})
}

// destroy removes id. A non-nil claim decides, under the registry lock,
// whether a live record may be removed.
func (r *Registry) destroy(ctx context.Context, id, reason string, claim func(*Record) bool) error {
	r.mu.Lock()
	rec, ok := r.sessions[id]
	if ok && claim != nil && !claim(rec) {
		r.mu.Unlock()
		if rec.Status() != store.StatusActive {
			return ErrNotFound
		}
		return ErrNotIdle
	}
	if !ok && claim != nil {
		r.mu.Unlock()
		return ErrNotFound
	}
	if ok {
		delete(r.sessions, id)
	}
	active := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		meta, err := r.cfg.Store.GetSessionMeta(ctx, id)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				slog.Warn("Session lookup for destroy failed", "sessionID", id, "error", err)
			}
			return ErrNotFound
		}
		if meta.Status != store.StatusActive {
			return ErrNotFound
		}
		if err := r.cfg.Store.CloseSession(ctx, id); err != nil {
			return fmt.Errorf("close session %s: %w", id, err)
		}
		r.cfg.Metrics.SessionClosed(reason)
		slog.Info("Closed persisted session", "sessionID", id, "reason", reason)
		return nil
	}

	if err := rec.close(); err != nil {
		slog.Warn("Worker close failed", "sessionID", id, "error", err)
	}
	if err := r.cfg.Store.CloseSession(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("Failed to mark session closed in store", "sessionID", id, "error", err)
	}

	r.cfg.Metrics.SessionClosed(reason)
	r.cfg.Metrics.SetActiveSessions(active)
	slog.Info("Session destroyed", "sessionID", id, "reason", reason)
	return nil
}

// Get returns metadata and history for a session. When the store has no
// metadata the in-memory record is used with an empty history.
func (r *Registry) Get(ctx context.Context, id string) (SessionView, error) {
	r.mu.RLock()
	rec, live := r.sessions[id]
	r.mu.RUnlock()

	var view SessionView
	meta, err := r.cfg.Store.GetSessionMeta(ctx, id)
	switch {
	case err == nil:
		view.SessionMeta = *meta
	case live:
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("Session metadata lookup failed", "sessionID", id, "error", err)
		}
		info := rec.Info()
		view.SessionMeta = store.SessionMeta{
			SessionID:       info.SessionID,
			Status:          info.Status,
			Strategy:        string(info.Strategy),
			WorkerSessionID: rec.WorkerSessionID(),
			CreatedAt:       info.CreatedAt,
			LastActivityAt:  info.LastActivityAt,
		}
		view.Messages = []store.Message{}
		return view, nil
	default:
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("Session metadata lookup failed", "sessionID", id, "error", err)
		}
		return SessionView{}, ErrNotFound
	}

	msgs, err := r.cfg.Store.ListMessages(ctx, id)
	if err != nil {
		slog.Warn("Failed to load session history", "sessionID", id, "error", err)
		msgs = []store.Message{}
	}
	view.Messages = msgs
	return view, nil
}

// Snapshot returns every live record, oldest first.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, rec := range r.sessions {
		out = append(out, rec.Info())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ActiveCount returns the number of live records.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown releases every worker handle. Durable records stay active so a
// restarted process can recover them.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	recs := make([]*Record, 0, len(r.sessions))
	for _, rec := range r.sessions {
		recs = append(recs, rec)
	}
	r.sessions = make(map[string]*Record)
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := rec.close(); err != nil {
			errs = append(errs, fmt.Errorf("close worker for %s: %w", rec.ID, err))
		}
	}
	r.cfg.Metrics.SetActiveSessions(0)
	slog.Info("Session registry shut down", "sessions", len(recs))
	return errors.Join(errs...)
}
