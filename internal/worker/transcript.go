package worker

import (
	"strings"

	"github.com/workspace/agent-orchestrator/internal/events"
)

// Transcript accumulates the assistant side of one turn from its events.
type Transcript struct {
	content strings.Builder
	tools   []events.ToolActivity
	// streamed is set once a delta has arrived since the last message, in
	// which case the next message only recaps what was already collected.
	streamed bool
}

// Apply folds one event into the transcript.
func (t *Transcript) Apply(ev events.Event) {
	switch ev.Type {
	case events.TypeDelta:
		t.content.WriteString(ev.Content)
		t.streamed = true
	case events.TypeMessage:
		if !t.streamed {
			t.content.WriteString(ev.Content)
		}
		t.streamed = false
		for _, ta := range ev.ToolActivity {
			t.tools = append(t.tools, ta)
		}
	case events.TypeToolStart:
		t.tools = append(t.tools, events.ToolActivity{Tool: ev.Tool, Status: events.ToolRunning})
	case events.TypeToolEnd:
		for i := len(t.tools) - 1; i >= 0; i-- {
			if t.tools[i].Tool == ev.Tool && t.tools[i].Status == events.ToolRunning {
				t.tools[i].Status = events.ToolDone
				break
			}
		}
	}
}

// Content returns the accumulated assistant text.
func (t *Transcript) Content() string {
	return t.content.String()
}

// ToolActivity returns a copy of the accumulated tool activity, never nil.
func (t *Transcript) ToolActivity() []events.ToolActivity {
	out := make([]events.ToolActivity, len(t.tools))
	copy(out, t.tools)
	return out
}
