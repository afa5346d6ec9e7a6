// Package persistence provides the durable session store backends: SQLite
// for single-node deployments and Postgres (via GORM) for shared ones.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/workspace/agent-orchestrator/internal/events"
	"github.com/workspace/agent-orchestrator/internal/store"
	_ "modernc.org/sqlite"
)

const timeFormat = time.RFC3339Nano

// SQLiteStore persists sessions and messages in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ store.Store = (*SQLiteStore)(nil)

// OpenSQLite creates or opens a SQLite database at the given path, creating
// parent directories as needed.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite tuning for write-heavy workloads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate applies schema migrations.
func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the sessions table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			strategy TEXT NOT NULL DEFAULT '',
			worker_session_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			last_activity_at TEXT NOT NULL,
			closed_at TEXT
		)
	`)
	return err
}

// migrateV2 creates the messages table. Tool activity is stored as JSON.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_activity TEXT NOT NULL DEFAULT '[]',
			timestamp TEXT NOT NULL,
			turn_index INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session_turn ON messages(session_id, turn_index);
	`)
	return err
}

// CreateSessionMeta inserts a new session row.
func (s *SQLiteStore) CreateSessionMeta(ctx context.Context, meta store.SessionMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, status, strategy, worker_session_id, created_at, last_activity_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		meta.SessionID, string(meta.Status), meta.Strategy, meta.WorkerSessionID,
		formatTime(meta.CreatedAt), formatTime(meta.LastActivityAt), formatTimePtr(meta.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSessionMeta returns store.ErrNotFound when no row exists.
func (s *SQLiteStore) GetSessionMeta(ctx context.Context, sessionID string) (*store.SessionMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		meta                    store.SessionMeta
		status                  string
		createdAt, lastActivity string
		closedAt                sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, status, strategy, worker_session_id, created_at, last_activity_at, closed_at
		FROM sessions WHERE session_id = ?`,
		sessionID,
	).Scan(&meta.SessionID, &status, &meta.Strategy, &meta.WorkerSessionID, &createdAt, &lastActivity, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	meta.Status = store.SessionStatus(status)
	meta.CreatedAt = parseTime(createdAt)
	meta.LastActivityAt = parseTime(lastActivity)
	if closedAt.Valid && closedAt.String != "" {
		t := parseTime(closedAt.String)
		meta.ClosedAt = &t
	}
	return &meta, nil
}

// UpdateActivity stamps last_activity_at.
func (s *SQLiteStore) UpdateActivity(ctx context.Context, sessionID string, at time.Time) error {
	return s.updateSession(ctx, "update session activity",
		"UPDATE sessions SET last_activity_at = ? WHERE session_id = ?", formatTime(at), sessionID)
}

// CloseSession marks the session closed.
func (s *SQLiteStore) CloseSession(ctx context.Context, sessionID string) error {
	return s.updateSession(ctx, "close session",
		"UPDATE sessions SET status = ?, closed_at = ? WHERE session_id = ?",
		string(store.StatusClosed), formatTime(time.Now()), sessionID)
}

// SetWorkerSession records the worker-side conversation id for resumption.
func (s *SQLiteStore) SetWorkerSession(ctx context.Context, sessionID, workerSessionID string) error {
	return s.updateSession(ctx, "update worker session",
		"UPDATE sessions SET worker_session_id = ? WHERE session_id = ?", workerSessionID, sessionID)
}

func (s *SQLiteStore) updateSession(ctx context.Context, op, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AppendMessage inserts a transcript entry.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	tools := msg.ToolActivity
	if tools == nil {
		tools = []events.ToolActivity{}
	}
	toolJSON, err := json.Marshal(tools)
	if err != nil {
		return fmt.Errorf("marshal tool activity: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, tool_activity, timestamp, turn_index)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, string(toolJSON), formatTime(msg.Timestamp), msg.TurnIndex,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns the transcript for a session, user before assistant within a turn.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, tool_activity, timestamp, turn_index
		FROM messages WHERE session_id = ?
		ORDER BY turn_index ASC, CASE role WHEN 'user' THEN 0 ELSE 1 END ASC, timestamp ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []store.Message
	for rows.Next() {
		var (
			m               store.Message
			role, tools, ts string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &tools, &ts, &m.TurnIndex); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = store.Role(role)
		m.Timestamp = parseTime(ts)
		if err := json.Unmarshal([]byte(tools), &m.ToolActivity); err != nil {
			return nil, fmt.Errorf("decode tool activity for message %s: %w", m.ID, err)
		}
		if m.ToolActivity == nil {
			m.ToolActivity = []events.ToolActivity{}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	if msgs == nil {
		msgs = []store.Message{}
	}
	return msgs, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
