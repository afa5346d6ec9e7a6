package idle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/workspace/agent-orchestrator/internal/events"
	"github.com/workspace/agent-orchestrator/internal/sessions"
	"github.com/workspace/agent-orchestrator/internal/store"
	"github.com/workspace/agent-orchestrator/internal/worker"
)

type stubRegistry struct {
	mu       sync.Mutex
	infos    []sessions.Info
	expired  []string
	expireFn func(id string) error
}

func (s *stubRegistry) Snapshot() []sessions.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sessions.Info(nil), s.infos...)
}

func (s *stubRegistry) Expire(_ context.Context, id string, _ time.Duration, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expireFn != nil {
		if err := s.expireFn(id); err != nil {
			return err
		}
	}
	s.expired = append(s.expired, id)
	return nil
}

func (s *stubRegistry) expiredIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.expired...)
}

func TestSweepReclaimsOnlyIdleSessions(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	reg := &stubRegistry{infos: []sessions.Info{
		{SessionID: "stale", LastActivityAt: now.Add(-31 * time.Minute)},
		{SessionID: "fresh", LastActivityAt: now.Add(-time.Minute)},
		{SessionID: "edge", LastActivityAt: now.Add(-30 * time.Minute)},
		{SessionID: "stuck", LastActivityAt: now.Add(-2 * time.Hour), Busy: true},
	}}
	r := NewReclaimer(reg, 30*time.Minute, time.Hour)

	if got := r.Sweep(now); got != 2 {
		t.Fatalf("Sweep = %d, want 2", got)
	}
	got := reg.expiredIDs()
	if len(got) != 2 || got[0] != "stale" || got[1] != "stuck" {
		t.Fatalf("expired = %v, want [stale stuck]", got)
	}
}

func TestSweepToleratesConcurrentDestroy(t *testing.T) {
	t.Parallel()

	now := time.Now()
	reg := &stubRegistry{
		infos: []sessions.Info{
			{SessionID: "gone", LastActivityAt: now.Add(-time.Hour)},
			{SessionID: "broken", LastActivityAt: now.Add(-time.Hour)},
			{SessionID: "woken", LastActivityAt: now.Add(-time.Hour)},
		},
		expireFn: func(id string) error {
			switch id {
			case "gone":
				return sessions.ErrNotFound
			case "woken":
				return sessions.ErrNotIdle
			}
			return errors.New("store offline")
		},
	}
	r := NewReclaimer(reg, time.Minute, time.Hour)
	if got := r.Sweep(now); got != 0 {
		t.Fatalf("Sweep = %d, want 0", got)
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	r := NewReclaimer(&stubRegistry{}, 0, 0)
	if r.ttl != DefaultTTL || r.interval != DefaultInterval {
		t.Fatalf("ttl=%v interval=%v, want defaults", r.ttl, r.interval)
	}
}

func TestLoopRunsAndStops(t *testing.T) {
	t.Parallel()

	reg := &stubRegistry{infos: []sessions.Info{
		{SessionID: "old", LastActivityAt: time.Now().Add(-time.Hour)},
	}}
	r := NewReclaimer(reg, time.Minute, 10*time.Millisecond)
	r.Start()

	deadline := time.Now().Add(2 * time.Second)
	for len(reg.expiredIDs()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	r.Stop()
	r.Stop()

	if len(reg.expiredIDs()) == 0 {
		t.Fatal("loop never reclaimed the idle session")
	}
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()

	r := NewReclaimer(&stubRegistry{}, time.Minute, time.Minute)
	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked without Start")
	}
}

type nopHandle struct{}

func (nopHandle) Open(context.Context) error { return nil }
func (nopHandle) Close() error               { return nil }
func (nopHandle) RunTurn(context.Context, string) (*events.Stream, error) {
	s := events.NewStream()
	s.Emit(events.Done())
	return s, nil
}

func TestReclaimAgainstRegistry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := store.NewMemory()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := base
	var clockMu sync.Mutex

	reg, err := sessions.NewRegistry(sessions.Config{
		Store: st,
		Factories: map[worker.Strategy]worker.Factory{
			worker.StrategyLocal: func(worker.Spec) (worker.Handle, error) { return nopHandle{}, nil },
		},
		Now: func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			return clock
		},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	old, err := reg.Create(ctx, sessions.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	clockMu.Lock()
	clock = base.Add(20 * time.Minute)
	clockMu.Unlock()
	recent, err := reg.Create(ctx, sessions.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	r := NewReclaimer(reg, 30*time.Minute, time.Hour)
	if got := r.Sweep(base.Add(35 * time.Minute)); got != 1 {
		t.Fatalf("Sweep = %d, want 1", got)
	}

	if _, err := reg.Resolve(ctx, old.ID); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("Resolve(old) = %v, want ErrNotFound", err)
	}
	if _, err := reg.Resolve(ctx, recent.ID); err != nil {
		t.Fatalf("Resolve(recent): %v", err)
	}
	meta, err := st.GetSessionMeta(ctx, old.ID)
	if err != nil || meta.Status != store.StatusClosed {
		t.Fatalf("old session meta = %+v, %v; want closed", meta, err)
	}
}

// turnStartingRegistry starts a turn on every listed session right after
// the snapshot is taken, the way a client request can land between the
// sweep's snapshot and its expire call.
type turnStartingRegistry struct {
	*sessions.Registry
	now func() time.Time
}

func (r turnStartingRegistry) Snapshot() []sessions.Info {
	infos := r.Registry.Snapshot()
	for _, info := range infos {
		rec, err := r.Registry.Resolve(context.Background(), info.SessionID)
		if err != nil {
			continue
		}
		if _, err := rec.BeginTurn(r.now()); err != nil {
			continue
		}
	}
	return infos
}

func TestSweepSkipsSessionActivatedAfterSnapshot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := store.NewMemory()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := base.Add(10 * time.Minute)

	reg, err := sessions.NewRegistry(sessions.Config{
		Store: st,
		Factories: map[worker.Strategy]worker.Factory{
			worker.StrategyLocal: func(worker.Spec) (worker.Handle, error) { return nopHandle{}, nil },
		},
		Now: func() time.Time { return base },
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	rec, err := reg.Create(ctx, sessions.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	r := NewReclaimer(turnStartingRegistry{Registry: reg, now: func() time.Time { return now }}, time.Minute, time.Hour)
	if got := r.Sweep(now); got != 0 {
		t.Fatalf("Sweep = %d, want 0", got)
	}

	if rec.Status() != store.StatusActive {
		t.Fatalf("status = %s, want active", rec.Status())
	}
	if !rec.Busy() || rec.TurnIndex() != 1 {
		t.Fatalf("busy=%v turn=%d, want the started turn intact", rec.Busy(), rec.TurnIndex())
	}
	if _, err := reg.Resolve(ctx, rec.ID); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	meta, err := st.GetSessionMeta(ctx, rec.ID)
	if err != nil || meta.Status != store.StatusActive {
		t.Fatalf("meta = %+v, %v; want active", meta, err)
	}
}
