package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/workspace/agent-orchestrator/internal/events"
)

var errClosed = errors.New("store closed")

// Memory is a process-local Store. History does not survive restarts.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]SessionMeta
	messages map[string][]Message
	closed   bool
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]SessionMeta),
		messages: make(map[string][]Message),
	}
}

func (m *Memory) CreateSessionMeta(_ context.Context, meta SessionMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	if _, exists := m.sessions[meta.SessionID]; exists {
		return fmt.Errorf("session already exists: %s", meta.SessionID)
	}
	m.sessions[meta.SessionID] = meta
	return nil
}

func (m *Memory) GetSessionMeta(_ context.Context, sessionID string) (*SessionMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed
	}
	meta, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if meta.ClosedAt != nil {
		closedAt := *meta.ClosedAt
		meta.ClosedAt = &closedAt
	}
	return &meta, nil
}

func (m *Memory) UpdateActivity(_ context.Context, sessionID string, at time.Time) error {
	return m.update(sessionID, func(meta *SessionMeta) {
		meta.LastActivityAt = at.UTC()
	})
}

func (m *Memory) CloseSession(_ context.Context, sessionID string) error {
	now := time.Now().UTC()
	return m.update(sessionID, func(meta *SessionMeta) {
		meta.Status = StatusClosed
		meta.ClosedAt = &now
	})
}

func (m *Memory) SetWorkerSession(_ context.Context, sessionID, workerSessionID string) error {
	return m.update(sessionID, func(meta *SessionMeta) {
		meta.WorkerSessionID = workerSessionID
	})
}

func (m *Memory) update(sessionID string, fn func(*SessionMeta)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	meta, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	fn(&meta)
	m.sessions[sessionID] = meta
	return nil
}

func (m *Memory) AppendMessage(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], cloneMessage(msg))
	return nil
}

func cloneMessage(msg Message) Message {
	tools := make([]events.ToolActivity, len(msg.ToolActivity))
	copy(tools, msg.ToolActivity)
	msg.ToolActivity = tools
	return msg
}

func (m *Memory) ListMessages(_ context.Context, sessionID string) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed
	}
	src := m.messages[sessionID]
	out := make([]Message, 0, len(src))
	for _, msg := range src {
		out = append(out, cloneMessage(msg))
	}
	SortMessages(out)
	return out, nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
