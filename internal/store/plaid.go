package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/fieldsync/internal/model"
)

// UpsertPlaidItem inserts or replaces a linked item. The stored cursor is
// kept when item.Cursor is empty.
func (s *Store) UpsertPlaidItem(ctx context.Context, item model.PlaidItem) error {
	if item.Status == "" {
		item.Status = model.ItemStatusActive
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO plaid_items (item_id, tenant_id, access_token, cursor, status, error_code, error_message, auth_status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			access_token = excluded.access_token,
			cursor = CASE WHEN excluded.cursor = '' THEN plaid_items.cursor ELSE excluded.cursor END,
			status = excluded.status,
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			auth_status = excluded.auth_status,
			updated_at = excluded.updated_at
	`), item.ItemID, item.TenantID, item.AccessToken, item.Cursor, string(item.Status),
		item.ErrorCode, item.ErrorMessage, item.AuthStatus, formatTime(s.Now()))
	if err != nil {
		return fmt.Errorf("upsert plaid item %s: %w", item.ItemID, err)
	}
	return nil
}

// GetPlaidItem returns an item, or ErrNotFound.
func (s *Store) GetPlaidItem(ctx context.Context, itemID string) (model.PlaidItem, error) {
	var (
		item    model.PlaidItem
		status  string
		updated string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT item_id, tenant_id, access_token, cursor, status, error_code, error_message, auth_status, updated_at
		FROM plaid_items WHERE item_id = ?
	`), itemID).Scan(&item.ItemID, &item.TenantID, &item.AccessToken, &item.Cursor, &status,
		&item.ErrorCode, &item.ErrorMessage, &item.AuthStatus, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PlaidItem{}, ErrNotFound
	}
	if err != nil {
		return model.PlaidItem{}, fmt.Errorf("get plaid item %s: %w", itemID, err)
	}
	item.Status = model.ItemStatus(status)
	if item.UpdatedAt, err = parseTime(updated); err != nil {
		return model.PlaidItem{}, err
	}
	return item, nil
}

// UpdatePlaidItemStatus sets status and error details on an item.
func (s *Store) UpdatePlaidItemStatus(ctx context.Context, itemID string, status model.ItemStatus, errorCode, errorMessage string) error {
	if !status.Valid() {
		return fmt.Errorf("update plaid item %s: invalid status %q", itemID, status)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE plaid_items SET status = ?, error_code = ?, error_message = ?, updated_at = ?
		WHERE item_id = ?
	`), string(status), errorCode, errorMessage, formatTime(s.Now()), itemID)
	if err != nil {
		return fmt.Errorf("update plaid item %s: %w", itemID, err)
	}
	return requireOneRow(res, "update plaid item "+itemID)
}

// SetPlaidAuthStatus records the outcome of account verification.
func (s *Store) SetPlaidAuthStatus(ctx context.Context, itemID, authStatus string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE plaid_items SET auth_status = ?, updated_at = ? WHERE item_id = ?
	`), authStatus, formatTime(s.Now()), itemID)
	if err != nil {
		return fmt.Errorf("set plaid auth status %s: %w", itemID, err)
	}
	return requireOneRow(res, "set plaid auth status "+itemID)
}

// DeletePlaidItem removes an item and its transactions.
func (s *Store) DeletePlaidItem(ctx context.Context, itemID string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx, s.rebind(`DELETE FROM bank_transactions WHERE item_id = ?`), itemID); err != nil {
			return fmt.Errorf("delete plaid item %s: %w", itemID, err)
		}
		res, err := tx.tx.ExecContext(ctx, s.rebind(`DELETE FROM plaid_items WHERE item_id = ?`), itemID)
		if err != nil {
			return fmt.Errorf("delete plaid item %s: %w", itemID, err)
		}
		return requireOneRow(res, "delete plaid item "+itemID)
	})
}

// ApplyTransactionBatch stores one sync page and advances the item cursor
// in the same transaction. Added and modified transactions are upserted,
// removed ones are flagged.
func (t *Tx) ApplyTransactionBatch(ctx context.Context, itemID string, batch model.TransactionBatch) error {
	now := formatTime(t.s.Now())
	upsert := t.s.rebind(`
		INSERT INTO bank_transactions (item_id, transaction_id, account_id, amount, date, name, pending, removed, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(item_id, transaction_id) DO UPDATE SET
			account_id = excluded.account_id,
			amount = excluded.amount,
			date = excluded.date,
			name = excluded.name,
			pending = excluded.pending,
			removed = 0,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`)
	for _, group := range [][]model.BankTransaction{batch.Added, batch.Modified} {
		for _, txn := range group {
			payload := string(txn.Payload)
			if payload == "" {
				payload = "{}"
			}
			if _, err := t.tx.ExecContext(ctx, upsert, itemID, txn.TransactionID, txn.AccountID, txn.Amount,
				txn.Date, txn.Name, boolInt(txn.Pending), payload, now); err != nil {
				return fmt.Errorf("apply transaction %s: %w", txn.TransactionID, err)
			}
		}
	}

	remove := t.s.rebind(`UPDATE bank_transactions SET removed = 1, updated_at = ? WHERE item_id = ? AND transaction_id = ?`)
	for _, id := range batch.Removed {
		if _, err := t.tx.ExecContext(ctx, remove, now, itemID, id); err != nil {
			return fmt.Errorf("remove transaction %s: %w", id, err)
		}
	}

	res, err := t.tx.ExecContext(ctx, t.s.rebind(`
		UPDATE plaid_items SET cursor = ?, updated_at = ? WHERE item_id = ?
	`), batch.NextCursor, now, itemID)
	if err != nil {
		return fmt.Errorf("advance cursor %s: %w", itemID, err)
	}
	return requireOneRow(res, "advance cursor "+itemID)
}

// ListBankTransactions returns an item's transactions ordered by date then
// id. Removed transactions are included only when includeRemoved is set.
func (s *Store) ListBankTransactions(ctx context.Context, itemID string, includeRemoved bool) ([]model.BankTransaction, error) {
	query := `
		SELECT item_id, transaction_id, account_id, amount, date, name, pending, payload
		FROM bank_transactions WHERE item_id = ?`
	if !includeRemoved {
		query += ` AND removed = 0`
	}
	query += ` ORDER BY date, transaction_id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), itemID)
	if err != nil {
		return nil, fmt.Errorf("list bank transactions: %w", err)
	}
	defer rows.Close()

	var out []model.BankTransaction
	for rows.Next() {
		var (
			txn     model.BankTransaction
			pending int64
			payload string
		)
		if err := rows.Scan(&txn.ItemID, &txn.TransactionID, &txn.AccountID, &txn.Amount,
			&txn.Date, &txn.Name, &pending, &payload); err != nil {
			return nil, fmt.Errorf("list bank transactions: %w", err)
		}
		txn.Pending = pending != 0
		txn.Payload = []byte(payload)
		out = append(out, txn)
	}
	return out, rows.Err()
}
