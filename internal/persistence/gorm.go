package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/workspace/agent-orchestrator/internal/events"
	"github.com/workspace/agent-orchestrator/internal/store"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type sessionRow struct {
	SessionID       string    `gorm:"primaryKey;size:64"`
	Status          string    `gorm:"size:32;not null"`
	Strategy        string    `gorm:"size:32"`
	WorkerSessionID string    `gorm:"size:191"`
	CreatedAt       time.Time `gorm:"not null"`
	LastActivityAt  time.Time `gorm:"not null"`
	ClosedAt        *time.Time
}

func (sessionRow) TableName() string {
	return "sessions"
}

func (r sessionRow) toMeta() store.SessionMeta {
	return store.SessionMeta{
		SessionID:       r.SessionID,
		Status:          store.SessionStatus(r.Status),
		Strategy:        r.Strategy,
		WorkerSessionID: r.WorkerSessionID,
		CreatedAt:       r.CreatedAt.UTC(),
		LastActivityAt:  r.LastActivityAt.UTC(),
		ClosedAt:        r.ClosedAt,
	}
}

type messageRow struct {
	ID           string    `gorm:"primaryKey;size:64"`
	SessionID    string    `gorm:"size:64;not null;index:idx_messages_session_turn,priority:1"`
	TurnIndex    int       `gorm:"not null;index:idx_messages_session_turn,priority:2"`
	Role         string    `gorm:"size:16;not null"`
	Content      string    `gorm:"type:text"`
	ToolActivity string    `gorm:"type:text;not null"`
	Timestamp    time.Time `gorm:"not null"`
}

func (messageRow) TableName() string {
	return "messages"
}

// GormStore persists sessions in Postgres through GORM.
type GormStore struct {
	db *gorm.DB
}

var _ store.Store = (*GormStore)(nil)

// OpenPostgres connects to dsn and migrates the schema.
func OpenPostgres(dsn string) (*GormStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required for driver %q", "postgres")
	}
	gormDB, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}

	s := &GormStore{db: gormDB}
	if err := s.db.AutoMigrate(&sessionRow{}, &messageRow{}); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *GormStore) CreateSessionMeta(ctx context.Context, meta store.SessionMeta) error {
	row := sessionRow{
		SessionID:       meta.SessionID,
		Status:          string(meta.Status),
		Strategy:        meta.Strategy,
		WorkerSessionID: meta.WorkerSessionID,
		CreatedAt:       meta.CreatedAt.UTC(),
		LastActivityAt:  meta.LastActivityAt.UTC(),
		ClosedAt:        meta.ClosedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *GormStore) GetSessionMeta(ctx context.Context, sessionID string) (*store.SessionMeta, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	meta := row.toMeta()
	return &meta, nil
}

func (s *GormStore) UpdateActivity(ctx context.Context, sessionID string, at time.Time) error {
	return s.updateSession(ctx, sessionID, map[string]any{"last_activity_at": at.UTC()})
}

func (s *GormStore) CloseSession(ctx context.Context, sessionID string) error {
	now := time.Now().UTC()
	return s.updateSession(ctx, sessionID, map[string]any{
		"status":    string(store.StatusClosed),
		"closed_at": &now,
	})
}

func (s *GormStore) SetWorkerSession(ctx context.Context, sessionID, workerSessionID string) error {
	return s.updateSession(ctx, sessionID, map[string]any{"worker_session_id": workerSessionID})
}

func (s *GormStore) updateSession(ctx context.Context, sessionID string, updates map[string]any) error {
	res := s.db.WithContext(ctx).
		Model(&sessionRow{}).
		Where("session_id = ?", sessionID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *GormStore) AppendMessage(ctx context.Context, msg store.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	tools := msg.ToolActivity
	if tools == nil {
		tools = []events.ToolActivity{}
	}
	encoded, err := json.Marshal(tools)
	if err != nil {
		return fmt.Errorf("marshal tool activity: %w", err)
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	row := messageRow{
		ID:           msg.ID,
		SessionID:    msg.SessionID,
		TurnIndex:    msg.TurnIndex,
		Role:         string(msg.Role),
		Content:      msg.Content,
		ToolActivity: string(encoded),
		Timestamp:    ts.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *GormStore) ListMessages(ctx context.Context, sessionID string) ([]store.Message, error) {
	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("turn_index ASC").
		Order("CASE role WHEN 'user' THEN 0 ELSE 1 END ASC").
		Order("timestamp ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	msgs := make([]store.Message, 0, len(rows))
	for _, r := range rows {
		var tools []events.ToolActivity
		if err := json.Unmarshal([]byte(r.ToolActivity), &tools); err != nil {
			return nil, fmt.Errorf("decode tool activity for message %s: %w", r.ID, err)
		}
		if tools == nil {
			tools = []events.ToolActivity{}
		}
		msgs = append(msgs, store.Message{
			ID:           r.ID,
			SessionID:    r.SessionID,
			Role:         store.Role(r.Role),
			Content:      r.Content,
			ToolActivity: tools,
			Timestamp:    r.Timestamp.UTC(),
			TurnIndex:    r.TurnIndex,
		})
	}
	return msgs, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}
