package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Observation is the detector's last-seen view of one master row.
type Observation struct {
	Status  string
	Overdue bool
}

// DetectorCursor returns the last_synced_at high-water mark the detector
// has processed for (tenant, entity). Empty means nothing processed yet.
func (s *Store) DetectorCursor(ctx context.Context, tenantID, entity string) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT last_synced_at FROM detector_cursors WHERE tenant_id = ? AND entity = ?
	`), tenantID, entity).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("detector cursor %s/%s: %w", tenantID, entity, err)
	}
	return cursor, nil
}

// Observations returns the stored observations for the given rows.
// Rows never observed are absent from the map.
func (s *Store) Observations(ctx context.Context, tenantID, entity string, stIDs []string) (map[string]Observation, error) {
	out := make(map[string]Observation, len(stIDs))
	stmt := s.rebind(`
		SELECT status, overdue FROM detector_observations
		WHERE tenant_id = ? AND entity = ? AND st_id = ?
	`)
	for _, id := range stIDs {
		var (
			obs     Observation
			overdue int64
		)
		err := s.db.QueryRowContext(ctx, stmt, tenantID, entity, id).Scan(&obs.Status, &overdue)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("observations %s/%s: %w", entity, id, err)
		}
		obs.Overdue = overdue != 0
		out[id] = obs
	}
	return out, nil
}

// SaveObservations stores observations and advances the detector cursor in
// one transaction.
func (s *Store) SaveObservations(ctx context.Context, tenantID, entity string, obs map[string]Observation, cursor string) error {
	now := formatTime(s.Now())
	return s.WithTx(ctx, func(tx *Tx) error {
		upsert := s.rebind(`
			INSERT INTO detector_observations (tenant_id, entity, st_id, status, overdue, observed_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(tenant_id, entity, st_id) DO UPDATE SET
				status = excluded.status,
				overdue = excluded.overdue,
				observed_at = excluded.observed_at
		`)
		for id, o := range obs {
			if _, err := tx.tx.ExecContext(ctx, upsert, tenantID, entity, id, o.Status, boolInt(o.Overdue), now); err != nil {
				return fmt.Errorf("save observation %s/%s: %w", entity, id, err)
			}
		}
		if cursor == "" {
			return nil
		}
		_, err := tx.tx.ExecContext(ctx, s.rebind(`
			INSERT INTO detector_cursors (tenant_id, entity, last_synced_at) VALUES (?, ?, ?)
			ON CONFLICT(tenant_id, entity) DO UPDATE SET last_synced_at = excluded.last_synced_at
		`), tenantID, entity, cursor)
		if err != nil {
			return fmt.Errorf("save detector cursor %s/%s: %w", tenantID, entity, err)
		}
		return nil
	})
}
