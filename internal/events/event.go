// Package events defines the turn progress events produced by workers and
// the single-consumer stream that carries them to the orchestrator.
package events

// Type discriminates a turn event. The string values are the wire names.
type Type string

const (
	TypeDelta     Type = "delta"
	TypeMessage   Type = "message"
	TypeToolStart Type = "tool_start"
	TypeToolEnd   Type = "tool_end"
	TypeStatus    Type = "status"
	TypeDone      Type = "done"
	TypeError     Type = "error"
)

// ToolStatus is the state of one tool invocation within a turn.
type ToolStatus string

const (
	ToolRunning ToolStatus = "running"
	ToolDone    ToolStatus = "done"
)

// ToolActivity records one tool invocation.
type ToolActivity struct {
	Tool   string     `json:"tool"`
	Status ToolStatus `json:"status"`
}

// Event is one unit of turn progress. Only the fields relevant to Type are set.
type Event struct {
	Type         Type           `json:"type"`
	Content      string         `json:"content,omitempty"`
	Tool         string         `json:"tool,omitempty"`
	Status       string         `json:"status,omitempty"`
	Message      string         `json:"message,omitempty"`
	ToolActivity []ToolActivity `json:"tool_activity,omitempty"`
}

// Terminal reports whether the event ends a turn.
func (e Event) Terminal() bool {
	return e.Type == TypeDone || e.Type == TypeError
}

func Delta(content string) Event {
	return Event{Type: TypeDelta, Content: content}
}

// Message carries a complete assistant message, optionally with the tool
// activity the worker collected while producing it.
func Message(content string, tools []ToolActivity) Event {
	return Event{Type: TypeMessage, Content: content, ToolActivity: tools}
}

func ToolStart(tool string) Event {
	return Event{Type: TypeToolStart, Tool: tool}
}

func ToolEnd(tool string) Event {
	return Event{Type: TypeToolEnd, Tool: tool}
}

func Status(label string) Event {
	return Event{Type: TypeStatus, Status: label}
}

func Done() Event {
	return Event{Type: TypeDone}
}

func Error(message string) Event {
	if message == "" {
		message = "Unknown error"
	}
	return Event{Type: TypeError, Message: message}
}
