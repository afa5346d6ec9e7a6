package acp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/workspace/agent-orchestrator/internal/events"
)

// Activity labels reported by Local.Status.
const (
	StatusIdle     = "idle"
	StatusThinking = "thinking"
	StatusError    = "error"
)

func toolStatus(name string) string { return "tool:" + name }

// turnClient implements the acp-go-sdk Client interface. Session updates
// are translated into turn events and pushed to the stream of the turn in
// progress; updates arriving between turns are dropped.
type turnClient struct {
	files fileAccess

	mu     sync.Mutex
	stream *events.Stream
	tools  map[string]string
	status string
}

func newTurnClient(files fileAccess) *turnClient {
	return &turnClient{files: files, status: StatusIdle}
}

// beginTurn installs s as the push target and marks the worker thinking.
func (c *turnClient) beginTurn(s *events.Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream = s
	c.tools = make(map[string]string)
	c.status = StatusThinking
}

// endTurn detaches the stream and records the final activity label.
func (c *turnClient) endTurn(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream = nil
	c.tools = nil
	c.status = status
}

func (c *turnClient) currentStatus() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *turnClient) SessionUpdate(_ context.Context, params acpsdk.SessionNotification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}

	u := params.Update
	switch {
	case u.AgentMessageChunk != nil:
		if text := contentText(u.AgentMessageChunk.Content); text != "" {
			c.stream.Emit(events.Delta(text))
		}
	case u.ToolCall != nil:
		name := u.ToolCall.Title
		if name == "" {
			name = string(u.ToolCall.Kind)
		}
		if name == "" {
			name = "unknown"
		}
		c.tools[string(u.ToolCall.ToolCallId)] = name
		c.status = toolStatus(name)
		c.stream.Emit(events.ToolStart(name))
	case u.ToolCallUpdate != nil:
		st := u.ToolCallUpdate.Status
		if st == nil || (*st != acpsdk.ToolCallStatusCompleted && *st != acpsdk.ToolCallStatusFailed) {
			return nil
		}
		id := string(u.ToolCallUpdate.ToolCallId)
		name, ok := c.tools[id]
		if !ok {
			if u.ToolCallUpdate.Title == nil || *u.ToolCallUpdate.Title == "" {
				return nil
			}
			name = *u.ToolCallUpdate.Title
		}
		delete(c.tools, id)
		c.status = StatusThinking
		c.stream.Emit(events.ToolEnd(name))
	}
	return nil
}

func contentText(block acpsdk.ContentBlock) string {
	if block.Text != nil {
		return block.Text.Text
	}
	return ""
}

// RequestPermission approves with the first offered option.
func (c *turnClient) RequestPermission(_ context.Context, params acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	slog.Debug("Permission request", "optionsCount", len(params.Options))
	if len(params.Options) > 0 {
		return acpsdk.RequestPermissionResponse{
			Outcome: acpsdk.NewRequestPermissionOutcomeSelected(params.Options[0].OptionId),
		}, nil
	}
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.NewRequestPermissionOutcomeCancelled(),
	}, nil
}

func (c *turnClient) ReadTextFile(ctx context.Context, params acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	content, err := c.files.read(ctx, params.Path)
	if err != nil {
		slog.Warn("ReadTextFile failed", "path", params.Path, "error", err)
		return acpsdk.ReadTextFileResponse{}, err
	}
	return acpsdk.ReadTextFileResponse{Content: applyLineLimit(content, params.Line, params.Limit)}, nil
}

func (c *turnClient) WriteTextFile(ctx context.Context, params acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	if err := c.files.write(ctx, params.Path, params.Content); err != nil {
		slog.Warn("WriteTextFile failed", "path", params.Path, "error", err)
		return acpsdk.WriteTextFileResponse{}, err
	}
	return acpsdk.WriteTextFileResponse{}, nil
}

func (c *turnClient) CreateTerminal(_ context.Context, _ acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, fmt.Errorf("CreateTerminal not supported")
}

func (c *turnClient) KillTerminalCommand(_ context.Context, _ acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, fmt.Errorf("KillTerminalCommand not supported")
}

func (c *turnClient) TerminalOutput(_ context.Context, _ acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, fmt.Errorf("TerminalOutput not supported")
}

func (c *turnClient) ReleaseTerminal(_ context.Context, _ acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, fmt.Errorf("ReleaseTerminal not supported")
}

func (c *turnClient) WaitForTerminalExit(_ context.Context, _ acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, fmt.Errorf("WaitForTerminalExit not supported")
}
