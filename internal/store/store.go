// Package store defines the durable store for session metadata and message
// history, plus an in-memory implementation.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/workspace/agent-orchestrator/internal/events"
)

// ErrNotFound is returned when a session has no persisted metadata.
var ErrNotFound = errors.New("not found")

type SessionStatus string

const (
	StatusActive SessionStatus = "active"
	StatusClosed SessionStatus = "closed"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SessionMeta is the persisted description of a session.
type SessionMeta struct {
	SessionID       string        `json:"session_id"`
	Status          SessionStatus `json:"status"`
	Strategy        string        `json:"strategy,omitempty"`
	WorkerSessionID string        `json:"worker_session_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	LastActivityAt  time.Time     `json:"last_activity_at"`
	ClosedAt        *time.Time    `json:"closed_at,omitempty"`
}

// Message is one transcript entry. Messages are never modified once written.
type Message struct {
	ID           string                `json:"id"`
	SessionID    string                `json:"session_id"`
	Role         Role                  `json:"role"`
	Content      string                `json:"content"`
	ToolActivity []events.ToolActivity `json:"tool_activity"`
	Timestamp    time.Time             `json:"timestamp"`
	TurnIndex    int                   `json:"turn_index"`
}

// Store persists sessions and their transcripts.
type Store interface {
	CreateSessionMeta(ctx context.Context, meta SessionMeta) error
	// GetSessionMeta returns ErrNotFound when the session was never persisted.
	GetSessionMeta(ctx context.Context, sessionID string) (*SessionMeta, error)
	UpdateActivity(ctx context.Context, sessionID string, at time.Time) error
	// CloseSession marks the session closed and stamps closed_at.
	CloseSession(ctx context.Context, sessionID string) error
	SetWorkerSession(ctx context.Context, sessionID, workerSessionID string) error
	AppendMessage(ctx context.Context, msg Message) error
	// ListMessages returns the transcript ordered by turn, user before assistant.
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
	Ping(ctx context.Context) error
	Close() error
}

// RoleRank orders roles within a turn.
func RoleRank(r Role) int {
	if r == RoleUser {
		return 0
	}
	return 1
}

// SortMessages orders messages for replay in place.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].TurnIndex != msgs[j].TurnIndex {
			return msgs[i].TurnIndex < msgs[j].TurnIndex
		}
		return RoleRank(msgs[i].Role) < RoleRank(msgs[j].Role)
	})
}

// MaxTurnIndex returns the highest turn index in msgs, or 0.
func MaxTurnIndex(msgs []Message) int {
	max := 0
	for _, m := range msgs {
		if m.TurnIndex > max {
			max = m.TurnIndex
		}
	}
	return max
}
