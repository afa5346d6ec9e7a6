package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/workspace/agent-orchestrator/internal/events"
)

// printer renders turn events for a terminal: text inline, tool activity
// on its own lines, errors on the error stream.
type printer struct {
	out    io.Writer
	errOut io.Writer
}

// print renders ev and reports whether it ended the turn.
func (p printer) print(ev events.Event) bool {
	switch ev.Type {
	case events.TypeDelta:
		fmt.Fprint(p.out, ev.Content)
	case events.TypeToolStart:
		fmt.Fprintf(p.out, "\n  [%s] running...\n", ev.Tool)
	case events.TypeToolEnd:
		fmt.Fprintf(p.out, "  [%s] done\n", ev.Tool)
	case events.TypeDone:
		fmt.Fprintln(p.out)
		return true
	case events.TypeError:
		fmt.Fprintf(p.errOut, "\n[Agent] Error: %s\n", ev.Message)
		return true
	}
	// message events repeat text already streamed as deltas; status events
	// are progress hints with nothing to print.
	return false
}

// drain prints events from s until the turn ends.
func (p printer) drain(ctx context.Context, s *events.Stream) error {
	for {
		ev, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if p.print(ev) {
			return nil
		}
	}
}
