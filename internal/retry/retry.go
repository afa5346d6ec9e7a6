// Package retry runs an operation with exponential backoff and jitter. It is
// used when allocating remote workers, whose containers may take a while to
// come up.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Config bounds the retry loop. Whichever of MaxAttempts and MaxElapsed is
// reached first stops it.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxElapsed   time.Duration
	// MaxAttempts of 0 means only MaxElapsed applies.
	MaxAttempts int
}

// DefaultConfig suits worker allocation probes.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		MaxElapsed:   time.Minute,
		MaxAttempts:  8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = d.MaxElapsed
	}
	return c
}

// Do calls fn until it succeeds, returns a PermanentError, the limits in cfg
// are reached, or ctx is done. The last error is returned wrapped with op.
func Do(ctx context.Context, cfg Config, op string, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()
	start := time.Now()
	delay := cfg.InitialDelay

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("Operation succeeded after retry", "operation", op, "attempt", attempt,
					"elapsed", time.Since(start).Round(time.Millisecond))
			}
			return nil
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			return fmt.Errorf("%s: %w", op, perm.Err)
		}

		elapsed := time.Since(start)
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return fmt.Errorf("%s: gave up after %d attempts: %w", op, attempt, err)
		}
		if elapsed >= cfg.MaxElapsed {
			return fmt.Errorf("%s: gave up after %v: %w", op, elapsed.Round(time.Millisecond), err)
		}

		sleep := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		if remaining := cfg.MaxElapsed - elapsed; sleep > remaining {
			sleep = remaining
		}
		slog.Debug("Operation failed, retrying", "operation", op, "attempt", attempt,
			"delay", sleep.Round(time.Millisecond), "error", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: cancelled while retrying: %w", op, ctx.Err())
		case <-timer.C:
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}
