// Package idle reclaims sessions that have been inactive for longer than a
// TTL.
package idle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/workspace/agent-orchestrator/internal/sessions"
)

const (
	DefaultTTL      = 30 * time.Minute
	DefaultInterval = 60 * time.Second
)

// Registry is the subset of the session registry the reclaimer needs.
type Registry interface {
	Snapshot() []sessions.Info
	Expire(ctx context.Context, id string, ttl time.Duration, now time.Time) error
}

// Reclaimer periodically destroys idle sessions.
type Reclaimer struct {
	registry Registry
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	started  bool
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewReclaimer returns a reclaimer; zero ttl or interval select the
// defaults.
func NewReclaimer(reg Registry, ttl, interval time.Duration) *Reclaimer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reclaimer{
		registry: reg,
		ttl:      ttl,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start runs the sweep loop in a new goroutine.
func (r *Reclaimer) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	go r.loop()
}

func (r *Reclaimer) loop() {
	defer close(r.stopped)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

// Stop ends the loop and waits for an in-progress sweep. Safe to call more
// than once.
func (r *Reclaimer) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		started := r.started
		r.started = true // a later Start is a no-op
		r.mu.Unlock()

		close(r.done)
		if started {
			<-r.stopped
		}
	})
}

// Sweep destroys every session idle for longer than the TTL at now and
// returns how many were reclaimed.
func (r *Reclaimer) Sweep(now time.Time) int {
	reclaimed := 0
	for _, info := range r.registry.Snapshot() {
		idleFor := now.Sub(info.LastActivityAt)
		if idleFor <= r.ttl {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := r.registry.Expire(ctx, info.SessionID, r.ttl, now)
		cancel()
		switch {
		case err == nil:
			reclaimed++
			slog.Info("Reclaimed idle session", "sessionID", info.SessionID, "idleFor", idleFor.Round(time.Second), "busy", info.Busy)
		case errors.Is(err, sessions.ErrNotFound):
			// Destroyed concurrently.
		case errors.Is(err, sessions.ErrNotIdle):
			slog.Debug("Session became active before reclaim", "sessionID", info.SessionID)
		default:
			slog.Warn("Failed to reclaim idle session", "sessionID", info.SessionID, "error", err)
		}
	}
	return reclaimed
}
