// Package sessions owns the in-memory session records and the registry that
// creates, resolves, recovers and destroys them.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/workspace/agent-orchestrator/internal/store"
	"github.com/workspace/agent-orchestrator/internal/worker"
)

var (
	// ErrNotFound is returned for ids unknown to memory and the durable
	// store, and for closed sessions.
	ErrNotFound = errors.New("session not found")
	// ErrBusy is returned when a turn is already executing on the session.
	ErrBusy = errors.New("session is busy")
	// ErrWorkerUnavailable wraps failures to build or open a worker handle.
	ErrWorkerUnavailable = errors.New("worker unavailable")
	// ErrInvalidStrategy is returned when a requested strategy is unknown
	// or has no factory configured.
	ErrInvalidStrategy = errors.New("invalid worker strategy")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("session registry closed")
	// ErrNotIdle is returned by Expire when the session saw activity
	// within the TTL.
	ErrNotIdle = errors.New("session is not idle")
)

// Record is one conversation. The worker handle is owned exclusively by the
// record and released exactly once.
type Record struct {
	ID        string
	Strategy  worker.Strategy
	CreatedAt time.Time

	mu              sync.Mutex
	lastActivityAt  time.Time
	turnIndex       int
	status          store.SessionStatus
	workerSessionID string

	busy atomic.Bool

	handleMu  sync.Mutex
	handle    worker.Handle
	factory   worker.Factory
	onWorker  func(string)
	closeOnce sync.Once
	closeErr  error
}

// Info is a point-in-time view of a record.
type Info struct {
	SessionID      string              `json:"session_id"`
	Status         store.SessionStatus `json:"status"`
	Strategy       worker.Strategy     `json:"strategy"`
	CreatedAt      time.Time           `json:"created_at"`
	LastActivityAt time.Time           `json:"last_activity_at"`
	TurnIndex      int                 `json:"turn_index"`
	Busy           bool                `json:"busy"`
}

func newRecord(id string, strategy worker.Strategy, factory worker.Factory, now time.Time) *Record {
	return &Record{
		ID:             id,
		Strategy:       strategy,
		CreatedAt:      now,
		lastActivityAt: now,
		status:         store.StatusActive,
		factory:        factory,
	}
}

// BeginTurn claims the single-flight gate, increments the turn index and
// stamps activity. It returns ErrBusy when a turn is in flight and
// ErrNotFound when the record has been closed.
func (r *Record) BeginTurn(now time.Time) (int, error) {
	if !r.busy.CompareAndSwap(false, true) {
		return 0, ErrBusy
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != store.StatusActive {
		r.busy.Store(false)
		return 0, ErrNotFound
	}
	r.turnIndex++
	r.lastActivityAt = now
	return r.turnIndex, nil
}

// EndTurn stamps activity and releases the single-flight gate.
func (r *Record) EndTurn(now time.Time) {
	r.mu.Lock()
	r.lastActivityAt = now
	r.mu.Unlock()
	r.busy.Store(false)
}

// Busy reports whether a turn is executing.
func (r *Record) Busy() bool {
	return r.busy.Load()
}

func (r *Record) TurnIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.turnIndex
}

func (r *Record) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivityAt
}

func (r *Record) Status() store.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// WorkerSessionID returns the worker-side conversation id, if one was
// established.
func (r *Record) WorkerSessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workerSessionID
}

func (r *Record) setWorkerSession(id string) {
	r.mu.Lock()
	r.workerSessionID = id
	r.mu.Unlock()
}

// Info returns a snapshot of the record.
func (r *Record) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Info{
		SessionID:      r.ID,
		Status:         r.status,
		Strategy:       r.Strategy,
		CreatedAt:      r.CreatedAt,
		LastActivityAt: r.lastActivityAt,
		TurnIndex:      r.turnIndex,
		Busy:           r.busy.Load(),
	}
}

// Handle returns the record's worker handle, building and opening it on
// first use. Recovered records have no handle until their next turn.
func (r *Record) Handle(ctx context.Context) (worker.Handle, error) {
	r.handleMu.Lock()
	defer r.handleMu.Unlock()

	if r.Status() != store.StatusActive {
		return nil, ErrNotFound
	}
	if r.handle != nil {
		return r.handle, nil
	}

	h, err := r.factory(worker.Spec{
		SessionID:       r.ID,
		WorkerSessionID: r.WorkerSessionID(),
		OnWorkerSession: r.onWorker,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: build %s worker: %v", ErrWorkerUnavailable, r.Strategy, err)
	}
	if err := h.Open(ctx); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("%w: open %s worker: %v", ErrWorkerUnavailable, r.Strategy, err)
	}
	r.handle = h
	return h, nil
}

// expireIfIdle marks the record closed when its last activity is more
// than ttl before now. The check and the status change happen under the
// same lock BeginTurn takes, so a turn either refreshes activity first or
// finds the record closed.
func (r *Record) expireIfIdle(ttl time.Duration, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != store.StatusActive || now.Sub(r.lastActivityAt) <= ttl {
		return false
	}
	r.status = store.StatusClosed
	return true
}

// close marks the record closed and releases its handle. Only the first
// call has any effect.
func (r *Record) close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.status = store.StatusClosed
		r.mu.Unlock()

		r.handleMu.Lock()
		h := r.handle
		r.handle = nil
		r.handleMu.Unlock()

		if h != nil {
			r.closeErr = h.Close()
		}
	})
	return r.closeErr
}
