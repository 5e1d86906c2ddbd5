// Package ratelimit limits inbound requests with fixed-window counters.
//
// Counters live in the store so every process sharing a database shares
// the limit. When the store cannot be reached the limiter counts in
// process memory instead.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Counter increments persistent fixed-window counters. *store.Store
// implements it.
type Counter interface {
	IncrementCounter(ctx context.Context, key string, windowStart int64) (int64, error)
	PruneCounters(ctx context.Context, cutoff int64) (int64, error)
}

// Config sets the limit. A Limit of zero or less disables limiting.
type Config struct {
	Limit  int
	Window time.Duration
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int

	// RetryAfter is the time until the current window ends.
	RetryAfter time.Duration
}

// Limiter is a fixed-window rate limiter.
type Limiter struct {
	counter Counter
	limit   int
	window  time.Duration
	now     func() time.Time
	log     *slog.Logger

	mu       sync.Mutex
	fallback map[windowKey]int64
	// fallbackStart is the newest window counted in memory. Older windows
	// are dropped once, when it moves.
	fallbackStart int64
	degraded      bool
}

type windowKey struct {
	key   string
	start int64
}

// Option configures a Limiter.
type Option func(*Limiter)

func WithLogger(l *slog.Logger) Option {
	return func(lim *Limiter) { lim.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(lim *Limiter) { lim.now = now }
}

// New creates a limiter. A nil counter counts in memory only.
func New(c Counter, cfg Config, opts ...Option) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	l := &Limiter{
		counter:  c,
		limit:    cfg.Limit,
		window:   cfg.Window,
		now:      time.Now,
		log:      slog.Default(),
		fallback: make(map[windowKey]int64),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Enabled reports whether the limiter rejects anything.
func (l *Limiter) Enabled() bool { return l.limit > 0 }

// Allow counts one hit for key and reports whether it is within the limit.
// Store failures are logged and the hit is counted in memory, so Allow
// only returns an error when ctx has ended.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	if !l.Enabled() {
		return Decision{Allowed: true, Limit: l.limit}, nil
	}
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	now := l.now()
	start := now.Truncate(l.window)
	retry := start.Add(l.window).Sub(now)

	n, err := l.increment(ctx, key, start.Unix())
	if err != nil {
		return Decision{}, err
	}
	d := Decision{
		Allowed: n <= int64(l.limit),
		Limit:   l.limit,
	}
	if rem := int64(l.limit) - n; rem > 0 {
		d.Remaining = int(rem)
	}
	if !d.Allowed {
		d.RetryAfter = retry
	}
	return d, nil
}

func (l *Limiter) increment(ctx context.Context, key string, start int64) (int64, error) {
	if l.counter != nil {
		n, err := l.counter.IncrementCounter(ctx, key, start)
		if err == nil {
			l.setDegraded(false, nil)
			return n, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		l.setDegraded(true, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if start > l.fallbackStart {
		for old := range l.fallback {
			if old.start < start {
				delete(l.fallback, old)
			}
		}
		l.fallbackStart = start
	}
	k := windowKey{key: key, start: start}
	l.fallback[k]++
	return l.fallback[k], nil
}

// setDegraded logs transitions between store and memory counting once
// rather than on every request.
func (l *Limiter) setDegraded(degraded bool, err error) {
	l.mu.Lock()
	changed := l.degraded != degraded
	l.degraded = degraded
	l.mu.Unlock()
	if !changed {
		return
	}
	if degraded {
		l.log.Warn("rate limit store unavailable, counting in memory", "error", err)
	} else {
		l.log.Info("rate limit store recovered")
	}
}

// Prune deletes stored counters of windows that ended before now.
func (l *Limiter) Prune(ctx context.Context) (int64, error) {
	if l.counter == nil {
		return 0, nil
	}
	cutoff := l.now().Truncate(l.window).Unix()
	n, err := l.counter.PruneCounters(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune rate limit counters: %w", err)
	}
	return n, nil
}
