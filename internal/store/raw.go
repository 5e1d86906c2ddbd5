package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/fieldsync/internal/model"
)

// RawTable returns the staging table name for an entity.
func RawTable(entity string) string {
	return "raw_" + entity
}

// EnsureRawTables creates the raw_<entity> staging table for each entity.
func (s *Store) EnsureRawTables(ctx context.Context, entities []string) error {
	for _, entity := range entities {
		if !ValidIdent(entity) {
			return fmt.Errorf("ensure raw tables: invalid entity name %q", entity)
		}
		table := RawTable(entity)
		stmts := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				tenant_id   TEXT NOT NULL,
				external_id TEXT NOT NULL,
				payload     TEXT NOT NULL,
				modified_on TEXT,
				synced_at   TEXT NOT NULL,
				PRIMARY KEY (tenant_id, external_id)
			)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_modified ON %s(tenant_id, modified_on)`, table, table),
		}
		for _, stmt := range stmts {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("ensure raw table %s: %w", table, err)
			}
		}
	}
	return nil
}

// UpsertRaw writes records in one transaction. All records commit or none do.
func (s *Store) UpsertRaw(ctx context.Context, records []model.RawRecord) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.UpsertRaw(ctx, records)
	})
}

// UpsertRaw upserts records keyed by (tenant_id, external_id). The payload,
// modified_on and synced_at are overwritten; nothing else is kept.
func (t *Tx) UpsertRaw(ctx context.Context, records []model.RawRecord) error {
	for _, rec := range records {
		if !ValidIdent(rec.Entity) {
			return fmt.Errorf("upsert raw: invalid entity name %q", rec.Entity)
		}
		syncedAt := rec.SyncedAt
		if syncedAt.IsZero() {
			syncedAt = t.s.Now()
		}
		_, err := t.tx.ExecContext(ctx, t.s.rebind(fmt.Sprintf(`
			INSERT INTO %s (tenant_id, external_id, payload, modified_on, synced_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(tenant_id, external_id) DO UPDATE SET
				payload = excluded.payload,
				modified_on = excluded.modified_on,
				synced_at = excluded.synced_at
		`, RawTable(rec.Entity))),
			rec.TenantID,
			rec.ExternalID,
			string(rec.Payload),
			formatTimePtr(rec.ModifiedOn),
			formatTime(syncedAt),
		)
		if err != nil {
			return fmt.Errorf("upsert raw %s/%s: %w", rec.Entity, rec.ExternalID, err)
		}
	}
	return nil
}

// GetRecordCount counts the raw rows held for (tenant, entity).
func (s *Store) GetRecordCount(ctx context.Context, tenantID, entity string) (int64, error) {
	if !ValidIdent(entity) {
		return 0, fmt.Errorf("get record count: invalid entity name %q", entity)
	}
	var n int64
	err := s.db.QueryRowContext(ctx, s.rebind(fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE tenant_id = ?`, RawTable(entity))), tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("get record count %s: %w", entity, err)
	}
	return n, nil
}

// GetRaw returns one raw record.
func (s *Store) GetRaw(ctx context.Context, tenantID, entity, externalID string) (model.RawRecord, error) {
	if !ValidIdent(entity) {
		return model.RawRecord{}, fmt.Errorf("get raw: invalid entity name %q", entity)
	}
	row := s.db.QueryRowContext(ctx, s.rebind(fmt.Sprintf(`
		SELECT tenant_id, external_id, payload, modified_on, synced_at
		FROM %s WHERE tenant_id = ? AND external_id = ?
	`, RawTable(entity))), tenantID, externalID)

	rec, err := scanRaw(row, entity)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RawRecord{}, ErrNotFound
	}
	if err != nil {
		return model.RawRecord{}, fmt.Errorf("get raw %s/%s: %w", entity, externalID, err)
	}
	return rec, nil
}

// ListRaw returns every raw record for (tenant, entity), ordered by external id.
func (s *Store) ListRaw(ctx context.Context, tenantID, entity string) ([]model.RawRecord, error) {
	if !ValidIdent(entity) {
		return nil, fmt.Errorf("list raw: invalid entity name %q", entity)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(fmt.Sprintf(`
		SELECT tenant_id, external_id, payload, modified_on, synced_at
		FROM %s WHERE tenant_id = ? ORDER BY external_id
	`, RawTable(entity))), tenantID)
	if err != nil {
		return nil, fmt.Errorf("list raw %s: %w", entity, err)
	}
	defer rows.Close()

	var out []model.RawRecord
	for rows.Next() {
		rec, err := scanRaw(rows, entity)
		if err != nil {
			return nil, fmt.Errorf("list raw %s: %w", entity, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRaw(row rowScanner, entity string) (model.RawRecord, error) {
	var (
		rec      model.RawRecord
		payload  string
		modified sql.NullString
		synced   string
	)
	if err := row.Scan(&rec.TenantID, &rec.ExternalID, &payload, &modified, &synced); err != nil {
		return model.RawRecord{}, err
	}
	rec.Entity = entity
	rec.Payload = []byte(payload)

	var err error
	if rec.ModifiedOn, err = parseNullTime(modified); err != nil {
		return model.RawRecord{}, err
	}
	if rec.SyncedAt, err = parseTime(synced); err != nil {
		return model.RawRecord{}, err
	}
	return rec, nil
}
