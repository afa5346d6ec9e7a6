package events

import (
	"context"
	"io"
	"sync"
)

// Stream is an unbounded, closable FIFO of turn events with exactly one
// terminal event. Producers never block; a single consumer pulls with Next.
type Stream struct {
	mu         sync.Mutex
	queue      []Event
	terminated bool // terminal event enqueued
	drained    bool // terminal event handed to the consumer
	ready      chan struct{}
}

// NewStream returns an empty stream.
func NewStream() *Stream {
	return &Stream{ready: make(chan struct{}, 1)}
}

// Emit enqueues ev. Once a terminal event has been emitted every later call
// is dropped and returns false.
func (s *Stream) Emit(ev Event) bool {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, ev)
	if ev.Terminal() {
		s.terminated = true
	}
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return true
}

// Finish emits the terminal event for err: done when nil, error otherwise.
func (s *Stream) Finish(err error) bool {
	if err != nil {
		return s.Emit(Error(err.Error()))
	}
	return s.Emit(Done())
}

// Terminated reports whether a terminal event has been emitted.
func (s *Stream) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// Next returns the next event, blocking until one is available. After the
// terminal event has been returned, Next returns io.EOF.
func (s *Stream) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			if ev.Terminal() {
				s.drained = true
			}
			s.mu.Unlock()
			return ev, nil
		}
		if s.drained {
			s.mu.Unlock()
			return Event{}, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.ready:
		}
	}
}

// Collect drains the stream and returns every event including the terminal one.
func (s *Stream) Collect(ctx context.Context) ([]Event, error) {
	var out []Event
	for {
		ev, err := s.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}
