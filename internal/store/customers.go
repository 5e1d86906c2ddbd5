package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/fieldsync/internal/model"
)

const customerColumns = `id, tenant_id, st_id, name, email, phone, created_at, updated_at`

// InsertLocalCustomer stores a new local customer.
func (s *Store) InsertLocalCustomer(ctx context.Context, c model.Customer) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO local_customers (`+customerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), c.ID, c.TenantID, nullString(c.StID), c.Name, c.Email, c.Phone,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert local customer: %w", err)
	}
	return nil
}

// UpdateLocalCustomer replaces name, email, phone and st_id.
func (s *Store) UpdateLocalCustomer(ctx context.Context, c model.Customer) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE local_customers SET st_id = ?, name = ?, email = ?, phone = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`), nullString(c.StID), c.Name, c.Email, c.Phone, formatTime(c.UpdatedAt), c.TenantID, c.ID)
	if err != nil {
		return fmt.Errorf("update local customer %s: %w", c.ID, err)
	}
	return requireOneRow(res, "update local customer "+c.ID)
}

// DeleteLocalCustomer removes a local customer.
func (s *Store) DeleteLocalCustomer(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM local_customers WHERE tenant_id = ? AND id = ?`), tenantID, id)
	if err != nil {
		return fmt.Errorf("delete local customer %s: %w", id, err)
	}
	return requireOneRow(res, "delete local customer "+id)
}

// GetLocalCustomer returns a local customer, or ErrNotFound.
func (s *Store) GetLocalCustomer(ctx context.Context, tenantID, id string) (model.Customer, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+customerColumns+` FROM local_customers WHERE tenant_id = ? AND id = ?
	`), tenantID, id)
	c, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Customer{}, ErrNotFound
	}
	if err != nil {
		return model.Customer{}, fmt.Errorf("get local customer %s: %w", id, err)
	}
	return c, nil
}

// ListLocalCustomers returns a page of customers ordered by name. A
// non-empty query matches name, email or phone case-insensitively.
func (s *Store) ListLocalCustomers(ctx context.Context, tenantID, query string, limit, offset int) ([]model.Customer, error) {
	where, args := customerFilter(tenantID, query)
	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+customerColumns+` FROM local_customers `+where+`
		ORDER BY name, id LIMIT ? OFFSET ?
	`), args...)
	if err != nil {
		return nil, fmt.Errorf("list local customers: %w", err)
	}
	defer rows.Close()

	var out []model.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, fmt.Errorf("list local customers: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountLocalCustomers counts customers matching query (empty matches all).
func (s *Store) CountLocalCustomers(ctx context.Context, tenantID, query string) (int64, error) {
	where, args := customerFilter(tenantID, query)
	var n int64
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM local_customers `+where), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count local customers: %w", err)
	}
	return n, nil
}

// UpsertLocalCustomerByStID links an ERP customer into the local table,
// keeping the local id of a row already linked to the same st_id.
func (s *Store) UpsertLocalCustomerByStID(ctx context.Context, c model.Customer) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO local_customers (`+customerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, st_id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			phone = excluded.phone,
			updated_at = excluded.updated_at
	`), c.ID, c.TenantID, c.StID, c.Name, c.Email, c.Phone,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert local customer st_id=%s: %w", c.StID, err)
	}
	return nil
}

// ListUnlinkedCustomers returns local customers with no ERP id.
func (s *Store) ListUnlinkedCustomers(ctx context.Context, tenantID string) ([]model.Customer, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+customerColumns+` FROM local_customers
		WHERE tenant_id = ? AND st_id IS NULL ORDER BY created_at, id
	`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("list unlinked customers: %w", err)
	}
	defer rows.Close()

	var out []model.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, fmt.Errorf("list unlinked customers: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func customerFilter(tenantID, query string) (string, []any) {
	query = strings.TrimSpace(query)
	if query == "" {
		return `WHERE tenant_id = ?`, []any{tenantID}
	}
	like := "%" + strings.ToLower(query) + "%"
	return `WHERE tenant_id = ? AND (LOWER(name) LIKE ? OR LOWER(email) LIKE ? OR phone LIKE ?)`,
		[]any{tenantID, like, like, like}
}

func scanCustomer(row rowScanner) (model.Customer, error) {
	var (
		c                model.Customer
		stID             sql.NullString
		created, updated string
	)
	if err := row.Scan(&c.ID, &c.TenantID, &stID, &c.Name, &c.Email, &c.Phone, &created, &updated); err != nil {
		return model.Customer{}, err
	}
	c.StID = stID.String
	var err error
	if c.CreatedAt, err = parseTime(created); err != nil {
		return model.Customer{}, err
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return model.Customer{}, err
	}
	return c, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
