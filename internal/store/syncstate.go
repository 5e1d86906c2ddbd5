package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/fieldsync/internal/model"
)

const syncStateColumns = `tenant_id, entity, last_full_sync_at, last_incremental_sync_at,
	cursor, status, records_count, last_error, updated_at`

// GetSyncState returns the sync state for (tenant, entity). An entity that
// has never been synced yields an idle state with nil watermarks.
func (s *Store) GetSyncState(ctx context.Context, tenantID, entity string) (model.SyncState, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+syncStateColumns+`
		FROM sync_state WHERE tenant_id = ? AND entity = ?
	`), tenantID, entity)

	st, err := scanSyncState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SyncState{TenantID: tenantID, Entity: entity, Status: model.SyncStatusIdle}, nil
	}
	if err != nil {
		return model.SyncState{}, fmt.Errorf("get sync state %s/%s: %w", tenantID, entity, err)
	}
	return st, nil
}

// ListSyncStates returns every sync state row for a tenant, ordered by entity.
func (s *Store) ListSyncStates(ctx context.Context, tenantID string) ([]model.SyncState, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+syncStateColumns+`
		FROM sync_state WHERE tenant_id = ? ORDER BY entity
	`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("list sync states: %w", err)
	}
	defer rows.Close()

	var out []model.SyncState
	for rows.Next() {
		st, err := scanSyncState(rows)
		if err != nil {
			return nil, fmt.Errorf("list sync states: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// MarkSyncRunning sets status=running, creating the row if needed.
// Watermarks are left untouched.
func (s *Store) MarkSyncRunning(ctx context.Context, tenantID, entity string) error {
	now := formatTime(s.Now())
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sync_state (tenant_id, entity, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, entity) DO UPDATE SET
			status = excluded.status,
			last_error = '',
			updated_at = excluded.updated_at
	`), tenantID, entity, string(model.SyncStatusRunning), now)
	if err != nil {
		return fmt.Errorf("mark sync running %s/%s: %w", tenantID, entity, err)
	}
	return nil
}

// SaveSyncCursor records the continuation token of the page in flight.
func (s *Store) SaveSyncCursor(ctx context.Context, tenantID, entity, cursor string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE sync_state SET cursor = ?, updated_at = ?
		WHERE tenant_id = ? AND entity = ?
	`), cursor, formatTime(s.Now()), tenantID, entity)
	if err != nil {
		return fmt.Errorf("save sync cursor %s/%s: %w", tenantID, entity, err)
	}
	return nil
}

// UpdateSyncState records a successful sync of an entity finishing now.
// See UpdateSyncStateAt.
func (s *Store) UpdateSyncState(ctx context.Context, tenantID, entity string, syncType model.SyncType, recordCount int64) error {
	return s.UpdateSyncStateAt(ctx, tenantID, entity, syncType, recordCount, s.Now())
}

// UpdateSyncStateAt records a successful sync of an entity whose pass began
// at watermark. The next incremental pass asks for records modified on or
// after it, so changes landing on pages already read are picked up again.
//
// Full: LastFullSyncAt=watermark, RecordsCount=recordCount, status completed
// (or empty when recordCount is zero). Incremental:
// LastIncrementalSyncAt=watermark, status completed; LastFullSyncAt and
// RecordsCount are left untouched. Both clear the cursor and the last error.
func (s *Store) UpdateSyncStateAt(ctx context.Context, tenantID, entity string, syncType model.SyncType, recordCount int64, watermark time.Time) error {
	if !syncType.Valid() {
		return fmt.Errorf("update sync state: invalid sync type %q", syncType)
	}
	now := formatTime(s.Now())
	mark := formatTime(watermark)

	var query string
	var args []any
	switch syncType {
	case model.SyncTypeFull:
		status := model.SyncStatusCompleted
		if recordCount == 0 {
			status = model.SyncStatusEmpty
		}
		query = `
			INSERT INTO sync_state (tenant_id, entity, last_full_sync_at, cursor, status, records_count, last_error, updated_at)
			VALUES (?, ?, ?, '', ?, ?, '', ?)
			ON CONFLICT(tenant_id, entity) DO UPDATE SET
				last_full_sync_at = excluded.last_full_sync_at,
				cursor = '',
				status = excluded.status,
				records_count = excluded.records_count,
				last_error = '',
				updated_at = excluded.updated_at
		`
		args = []any{tenantID, entity, mark, string(status), recordCount, now}
	case model.SyncTypeIncremental:
		query = `
			INSERT INTO sync_state (tenant_id, entity, last_incremental_sync_at, cursor, status, last_error, updated_at)
			VALUES (?, ?, ?, '', ?, '', ?)
			ON CONFLICT(tenant_id, entity) DO UPDATE SET
				last_incremental_sync_at = excluded.last_incremental_sync_at,
				cursor = '',
				status = excluded.status,
				last_error = '',
				updated_at = excluded.updated_at
		`
		args = []any{tenantID, entity, mark, string(model.SyncStatusCompleted), now}
	}

	if _, err := s.db.ExecContext(ctx, s.rebind(query), args...); err != nil {
		return fmt.Errorf("update sync state %s/%s: %w", tenantID, entity, err)
	}
	return nil
}

// MarkSyncError records an entity-level failure.
func (s *Store) MarkSyncError(ctx context.Context, tenantID, entity, message string) error {
	now := formatTime(s.Now())
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sync_state (tenant_id, entity, status, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, entity) DO UPDATE SET
			status = excluded.status,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`), tenantID, entity, string(model.SyncStatusError), message, now)
	if err != nil {
		return fmt.Errorf("mark sync error %s/%s: %w", tenantID, entity, err)
	}
	return nil
}

// MarkSyncIdle ends a pass that stopped early without failing, such as an
// operator cancel. Watermarks and the record count are left untouched.
func (s *Store) MarkSyncIdle(ctx context.Context, tenantID, entity string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE sync_state SET status = ?, last_error = '', updated_at = ?
		WHERE tenant_id = ? AND entity = ?
	`), string(model.SyncStatusIdle), formatTime(s.Now()), tenantID, entity)
	if err != nil {
		return fmt.Errorf("mark sync idle %s/%s: %w", tenantID, entity, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncState(row rowScanner) (model.SyncState, error) {
	var (
		st              model.SyncState
		full, incr      sql.NullString
		status, updated string
	)
	if err := row.Scan(&st.TenantID, &st.Entity, &full, &incr, &st.Cursor, &status,
		&st.RecordsCount, &st.LastError, &updated); err != nil {
		return model.SyncState{}, err
	}
	st.Status = model.SyncStatus(status)

	var err error
	if st.LastFullSyncAt, err = parseNullTime(full); err != nil {
		return model.SyncState{}, err
	}
	if st.LastIncrementalSyncAt, err = parseNullTime(incr); err != nil {
		return model.SyncState{}, err
	}
	if st.UpdatedAt, err = parseTime(updated); err != nil {
		return model.SyncState{}, err
	}
	return st, nil
}
