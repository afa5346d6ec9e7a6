// Package worker defines the capability the orchestrator needs from a
// conversational worker, independent of where the worker runs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/workspace/agent-orchestrator/internal/events"
)

// ErrBusy is returned by a worker that is already executing a turn.
var ErrBusy = errors.New("worker is busy")

// Strategy selects how a session's worker is run.
type Strategy string

const (
	// StrategyLocal runs the worker as a child process of the orchestrator.
	StrategyLocal Strategy = "local"
	// StrategyRemote reaches the worker in a separate container over HTTP.
	StrategyRemote Strategy = "remote"
)

// ParseStrategy validates a strategy name. Empty selects fallback.
func ParseStrategy(s string, fallback Strategy) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return fallback, nil
	case StrategyLocal:
		return StrategyLocal, nil
	case StrategyRemote:
		return StrategyRemote, nil
	default:
		return "", fmt.Errorf("unknown worker strategy %q", s)
	}
}

// Handle is one conversational worker instance.
//
// Open is called once before the first turn. RunTurn returns a stream that
// ends in exactly one terminal event. Close releases the worker and is
// called exactly once.
type Handle interface {
	Open(ctx context.Context) error
	RunTurn(ctx context.Context, prompt string) (*events.Stream, error)
	Close() error
}

// Spec describes the worker a factory should build.
type Spec struct {
	SessionID string
	// WorkerSessionID is the worker-side conversation to resume, if any.
	WorkerSessionID string
	// OnWorkerSession is called when the worker establishes its own
	// conversation id so it can be persisted for later resumption.
	OnWorkerSession func(workerSessionID string)
}

// Factory builds an unopened Handle.
type Factory func(spec Spec) (Handle, error)
