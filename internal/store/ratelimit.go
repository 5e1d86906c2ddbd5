package store

import (
	"context"
	"fmt"
)

// IncrementCounter adds one hit to the (key, windowStart) fixed-window
// counter and returns the new count.
func (s *Store) IncrementCounter(ctx context.Context, key string, windowStart int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO rate_limit_counters (key, window_start, count) VALUES (?, ?, 1)
		ON CONFLICT(key, window_start) DO UPDATE SET count = rate_limit_counters.count + 1
		RETURNING count
	`), key, windowStart).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", key, err)
	}
	return n, nil
}

// PruneCounters deletes counters for windows that started before cutoff.
func (s *Store) PruneCounters(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM rate_limit_counters WHERE window_start < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune counters: %w", err)
	}
	return res.RowsAffected()
}
