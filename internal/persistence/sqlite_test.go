package persistence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/workspace/agent-orchestrator/internal/events"
	"github.com/workspace/agent-orchestrator/internal/store"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.db")
}

func openSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(tempDBPath(t))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenSQLiteCreatesDirectoryAndFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "nested", "test.db")

	s, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dbPath := tempDBPath(t)

	s1, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s1.Close()

	s2, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	var version int
	if err := s2.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("query version: %v", err)
	}
	if version != 2 {
		t.Fatalf("schema version = %d, want 2", version)
	}
}

func TestSQLiteSessionLifecycle(t *testing.T) {
	s := openSQLite(t)
	testSessionLifecycle(t, s)
}

func TestSQLiteMessageOrdering(t *testing.T) {
	s := openSQLite(t)
	testMessageOrdering(t, s)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	dbPath := tempDBPath(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s1, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := s1.CreateSessionMeta(ctx, store.SessionMeta{
		SessionID: "persist", Status: store.StatusActive, CreatedAt: now, LastActivityAt: now,
	}); err != nil {
		t.Fatalf("CreateSessionMeta: %v", err)
	}
	if err := s1.AppendMessage(ctx, store.Message{
		SessionID: "persist", Role: store.RoleUser, Content: "hi", TurnIndex: 1, Timestamp: now,
	}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	s1.Close()

	s2, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	meta, err := s2.GetSessionMeta(ctx, "persist")
	if err != nil {
		t.Fatalf("GetSessionMeta after reopen: %v", err)
	}
	if meta.Status != store.StatusActive {
		t.Fatalf("Status = %q, want active", meta.Status)
	}
	msgs, err := s2.ListMessages(ctx, "persist")
	if err != nil {
		t.Fatalf("ListMessages after reopen: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hi" {
		t.Fatalf("unexpected messages after reopen: %+v", msgs)
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	s, err := OpenPostgres(dsn)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer s.Close()

	// Isolate from earlier runs against the same database.
	s.db.Exec("DELETE FROM messages WHERE session_id LIKE 'pg-%'")
	s.db.Exec("DELETE FROM sessions WHERE session_id LIKE 'pg-%'")

	testSessionLifecycleWithPrefix(t, s, "pg-")
	testMessageOrderingWithPrefix(t, s, "pg-")
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()

	mem, err := Open("memory", "")
	if err != nil {
		t.Fatalf("Open(memory): %v", err)
	}
	defer mem.Close()
	if _, ok := mem.(*store.Memory); !ok {
		t.Fatalf("Open(memory) returned %T", mem)
	}

	sq, err := Open("SQLite", tempDBPath(t))
	if err != nil {
		t.Fatalf("Open(sqlite): %v", err)
	}
	defer sq.Close()
	if _, ok := sq.(*SQLiteStore); !ok {
		t.Fatalf("Open(sqlite) returned %T", sq)
	}

	if _, err := Open("postgres", " "); err == nil {
		t.Fatal("expected postgres without dsn to fail")
	}
	if _, err := Open("mongo", "x"); err == nil {
		t.Fatal("expected unsupported driver to fail")
	}
}

func testSessionLifecycle(t *testing.T, s store.Store) {
	testSessionLifecycleWithPrefix(t, s, "")
}

func testSessionLifecycleWithPrefix(t *testing.T, s store.Store, prefix string) {
	t.Helper()
	ctx := context.Background()
	id := prefix + "sess-1"
	now := time.Now().UTC().Truncate(time.Millisecond)

	if _, err := s.GetSessionMeta(ctx, prefix+"missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetSessionMeta(missing) = %v, want ErrNotFound", err)
	}

	if err := s.CreateSessionMeta(ctx, store.SessionMeta{
		SessionID:      id,
		Status:         store.StatusActive,
		Strategy:       "local",
		CreatedAt:      now,
		LastActivityAt: now,
	}); err != nil {
		t.Fatalf("CreateSessionMeta: %v", err)
	}

	later := now.Add(5 * time.Minute)
	if err := s.UpdateActivity(ctx, id, later); err != nil {
		t.Fatalf("UpdateActivity: %v", err)
	}
	if err := s.SetWorkerSession(ctx, id, "acp-42"); err != nil {
		t.Fatalf("SetWorkerSession: %v", err)
	}

	meta, err := s.GetSessionMeta(ctx, id)
	if err != nil {
		t.Fatalf("GetSessionMeta: %v", err)
	}
	if meta.Status != store.StatusActive || meta.Strategy != "local" || meta.WorkerSessionID != "acp-42" {
		t.Fatalf("unexpected meta: %+v", meta)
	}
	if !meta.LastActivityAt.Equal(later) {
		t.Fatalf("LastActivityAt = %v, want %v", meta.LastActivityAt, later)
	}
	if meta.ClosedAt != nil {
		t.Fatalf("ClosedAt = %v, want nil", meta.ClosedAt)
	}

	if err := s.CloseSession(ctx, id); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	meta, err = s.GetSessionMeta(ctx, id)
	if err != nil {
		t.Fatalf("GetSessionMeta after close: %v", err)
	}
	if meta.Status != store.StatusClosed || meta.ClosedAt == nil {
		t.Fatalf("expected closed session, got %+v", meta)
	}

	if err := s.UpdateActivity(ctx, prefix+"missing", later); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("UpdateActivity(missing) = %v, want ErrNotFound", err)
	}
	if err := s.CloseSession(ctx, prefix+"missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("CloseSession(missing) = %v, want ErrNotFound", err)
	}
}

func testMessageOrdering(t *testing.T, s store.Store) {
	testMessageOrderingWithPrefix(t, s, "")
}

func testMessageOrderingWithPrefix(t *testing.T, s store.Store, prefix string) {
	t.Helper()
	ctx := context.Background()
	id := prefix + "sess-order"
	base := time.Now().UTC()

	// The assistant reply of turn 1 is written last but must sort after its prompt.
	msgs := []store.Message{
		{SessionID: id, Role: store.RoleUser, Content: "list files", TurnIndex: 1, Timestamp: base.Add(2 * time.Second)},
		{SessionID: id, Role: store.RoleUser, Content: "thanks", TurnIndex: 2, Timestamp: base.Add(5 * time.Second)},
		{SessionID: id, Role: store.RoleAssistant, Content: "you're welcome", TurnIndex: 2, Timestamp: base.Add(6 * time.Second)},
		{SessionID: id, Role: store.RoleAssistant, Content: "a.go b.go", TurnIndex: 1, Timestamp: base,
			ToolActivity: []events.ToolActivity{{Tool: "glob", Status: events.ToolDone}}},
	}
	for _, m := range msgs {
		if err := s.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	got, err := s.ListMessages(ctx, id)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	want := []string{"list files", "a.go b.go", "thanks", "you're welcome"}
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Content != want[i] {
			t.Fatalf("messages[%d] = %q, want %q", i, got[i].Content, want[i])
		}
		if got[i].ID == "" {
			t.Fatalf("messages[%d] missing ID", i)
		}
		if got[i].ToolActivity == nil {
			t.Fatalf("messages[%d] has nil tool activity", i)
		}
	}
	if len(got[1].ToolActivity) != 1 || got[1].ToolActivity[0] != (events.ToolActivity{Tool: "glob", Status: events.ToolDone}) {
		t.Fatalf("tool activity = %+v", got[1].ToolActivity)
	}
	if store.MaxTurnIndex(got) != 2 {
		t.Fatalf("MaxTurnIndex = %d, want 2", store.MaxTurnIndex(got))
	}

	empty, err := s.ListMessages(ctx, prefix+"nobody")
	if err != nil {
		t.Fatalf("ListMessages(nobody): %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", empty)
	}
}
