// Package backoff retries operations with capped exponential delays.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Policy describes a retry schedule. Attempt n (1-based) that fails waits
// Initial * Factor^(n-1), capped at Max, before attempt n+1.
type Policy struct {
	Initial     time.Duration
	Factor      float64
	Max         time.Duration
	MaxAttempts int

	// After returns a channel that fires after d. Tests replace it to avoid
	// real sleeps. Nil means time.After.
	After func(d time.Duration) <-chan time.Time

	// Logger receives one Warn line per failed attempt. Nil disables logging.
	Logger *slog.Logger
}

// Default is the fetch retry policy: 1s, 2s, 4s, 8s between five attempts,
// never more than a minute.
func Default() Policy {
	return Policy{
		Initial:     time.Second,
		Factor:      2,
		Max:         time.Minute,
		MaxAttempts: 5,
	}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
		if p.Max > 0 && d >= float64(p.Max) {
			return p.Max
		}
	}
	if p.Max > 0 && time.Duration(d) > p.Max {
		return p.Max
	}
	return time.Duration(d)
}

// ExhaustedError reports that every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Retry returns it unwrapped
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// delayHinter is implemented by errors that carry a server-requested wait,
// such as an HTTP Retry-After.
type delayHinter interface {
	RetryDelay() time.Duration
}

// Retry calls fn until it succeeds, returns a permanent error, the attempts
// run out, or ctx ends. Sleeps between attempts are interrupted by ctx. An
// error with a RetryDelay() hint longer than the scheduled delay waits for
// the hint instead, still capped at Max.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	after := p.After
	if after == nil {
		after = time.After
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}

		delay := p.Delay(attempt)
		var hint delayHinter
		if errors.As(err, &hint) {
			if d := hint.RetryDelay(); d > delay {
				delay = d
				if p.Max > 0 && delay > p.Max {
					delay = p.Max
				}
			}
		}
		if p.Logger != nil {
			p.Logger.Warn("attempt failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-after(delay):
		}
	}
	return &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}
