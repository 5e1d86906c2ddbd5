package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/fieldsync/internal/model"
)

// MasterTable returns the normalized table name for an entity.
func MasterTable(entity string) string {
	return "master_" + entity
}

// ExecTransform runs a compiled raw-to-master statement and returns the
// number of rows it wrote.
func (s *Store) ExecTransform(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("exec transform: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("exec transform: rows affected: %w", err)
	}
	return n, nil
}

// UpsertSubcategories writes flattened tree nodes keyed by (st_id, tenant_id)
// in one transaction.
func (s *Store) UpsertSubcategories(ctx context.Context, nodes []model.Subcategory) error {
	now := formatTime(s.Now())
	return s.WithTx(ctx, func(tx *Tx) error {
		for _, n := range nodes {
			var active any
			if n.Active != nil {
				active = boolInt(*n.Active)
			}
			var position any
			if n.Position != nil {
				position = *n.Position
			}
			_, err := tx.tx.ExecContext(ctx, s.rebind(`
				INSERT INTO master_pricebook_subcategories
				(st_id, tenant_id, category_st_id, parent_st_id, name, depth, path, position, active, last_synced_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(st_id, tenant_id) DO UPDATE SET
					category_st_id = excluded.category_st_id,
					parent_st_id = excluded.parent_st_id,
					name = excluded.name,
					depth = excluded.depth,
					path = excluded.path,
					position = excluded.position,
					active = excluded.active,
					last_synced_at = excluded.last_synced_at
			`), n.StID, n.TenantID, n.CategoryStID, n.ParentStID, n.Name, n.Depth, n.Path, position, active, now)
			if err != nil {
				return fmt.Errorf("upsert subcategory %s: %w", n.StID, err)
			}
		}
		return nil
	})
}

// ListSubcategories returns a tenant's flattened subcategories ordered by path.
func (s *Store) ListSubcategories(ctx context.Context, tenantID string) ([]model.Subcategory, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT st_id, tenant_id, category_st_id, parent_st_id, name, depth, path, position, active
		FROM master_pricebook_subcategories
		WHERE tenant_id = ?
		ORDER BY path, st_id
	`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("list subcategories: %w", err)
	}
	defer rows.Close()

	var out []model.Subcategory
	for rows.Next() {
		var (
			n        model.Subcategory
			name     sql.NullString
			position sql.NullInt64
			active   sql.NullInt64
		)
		if err := rows.Scan(&n.StID, &n.TenantID, &n.CategoryStID, &n.ParentStID, &name,
			&n.Depth, &n.Path, &position, &active); err != nil {
			return nil, fmt.Errorf("list subcategories: %w", err)
		}
		n.Name = name.String
		if position.Valid {
			p := int(position.Int64)
			n.Position = &p
		}
		if active.Valid {
			a := active.Int64 != 0
			n.Active = &a
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// GetMaster returns one master row, or ErrNotFound.
func (s *Store) GetMaster(ctx context.Context, tenantID, entity, stID string) (model.MasterRow, error) {
	rows, err := s.queryMaster(ctx, entity, `WHERE tenant_id = ? AND st_id = ?`, tenantID, stID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// ListMaster returns a tenant's master rows for an entity, ordered by st_id.
func (s *Store) ListMaster(ctx context.Context, tenantID, entity string) ([]model.MasterRow, error) {
	return s.queryMaster(ctx, entity, `WHERE tenant_id = ? ORDER BY st_id`, tenantID)
}

// ListMasterSince returns rows whose last_synced_at is after since (a stored
// timestamp string; empty means all rows), ordered by last_synced_at.
func (s *Store) ListMasterSince(ctx context.Context, tenantID, entity, since string) ([]model.MasterRow, error) {
	return s.queryMaster(ctx, entity,
		`WHERE tenant_id = ? AND last_synced_at > ? ORDER BY last_synced_at, st_id`, tenantID, since)
}

// ListOverdueInvoices returns invoices with an open balance whose due date
// is before asOf. Due dates are compared as ISO-8601 text.
func (s *Store) ListOverdueInvoices(ctx context.Context, tenantID string, asOf time.Time) ([]model.MasterRow, error) {
	return s.queryMaster(ctx, "invoices",
		`WHERE tenant_id = ? AND balance > 0 AND due_date IS NOT NULL AND due_date <> '' AND due_date < ? ORDER BY st_id`,
		tenantID, asOf.UTC().Format("2006-01-02T15:04:05"))
}

// CountMaster counts a tenant's master rows for an entity.
func (s *Store) CountMaster(ctx context.Context, tenantID, entity string) (int64, error) {
	if !ValidIdent(entity) {
		return 0, fmt.Errorf("count master: invalid entity name %q", entity)
	}
	var n int64
	err := s.db.QueryRowContext(ctx, s.rebind(fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE tenant_id = ?`, MasterTable(entity))), tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count master %s: %w", entity, err)
	}
	return n, nil
}

// GetEntityState returns the master row for an entity with any field values
// written by automation steps laid over it. Missing rows yield an empty state.
func (s *Store) GetEntityState(ctx context.Context, tenantID, entity, entityID string) (map[string]any, error) {
	state := map[string]any{}
	if entity == "" || entityID == "" {
		return state, nil
	}
	row, err := s.GetMaster(ctx, tenantID, entity, entityID)
	switch {
	case err == nil:
		for k, v := range row {
			state[k] = v
		}
	case errors.Is(err, ErrNotFound):
	default:
		return nil, err
	}

	fields, err := s.ListFieldValues(ctx, tenantID, entity, entityID)
	if err != nil {
		return nil, err
	}
	for k, v := range fields {
		state[k] = v
	}
	return state, nil
}

func (s *Store) queryMaster(ctx context.Context, entity, where string, args ...any) ([]model.MasterRow, error) {
	if !ValidIdent(entity) {
		return nil, fmt.Errorf("query master: invalid entity name %q", entity)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(fmt.Sprintf(`SELECT * FROM %s %s`, MasterTable(entity), where)), args...)
	if err != nil {
		return nil, fmt.Errorf("query master %s: %w", entity, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("query master %s: %w", entity, err)
	}

	var out []model.MasterRow
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("query master %s: %w", entity, err)
		}
		row := make(model.MasterRow, len(cols))
		for i, c := range cols {
			row[c] = normalizeValue(vals[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// normalizeValue maps driver values onto the JSON-like set used by payloads.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case int32:
		return int64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

// ListFieldValues returns the automation-written fields of one entity.
func (s *Store) ListFieldValues(ctx context.Context, tenantID, entity, entityID string) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT field, value FROM entity_field_values
		WHERE tenant_id = ? AND entity = ? AND entity_id = ?
	`), tenantID, entity, entityID)
	if err != nil {
		return nil, fmt.Errorf("list field values: %w", err)
	}
	defer rows.Close()

	out := map[string]any{}
	for rows.Next() {
		var field, raw string
		if err := rows.Scan(&field, &raw); err != nil {
			return nil, fmt.Errorf("list field values: %w", err)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("list field values: decode %s: %w", field, err)
		}
		out[field] = v
	}
	return out, rows.Err()
}
