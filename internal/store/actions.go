package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// OutboxMessage is a message queued by a send_message step.
type OutboxMessage struct {
	ID        string
	RunID     string
	TenantID  string
	Channel   string
	Recipient string
	Body      string
	CreatedAt time.Time
}

// Task is a follow-up task created by a create_task step.
type Task struct {
	ID        string
	RunID     string
	TenantID  string
	Title     string
	Assignee  string
	DueAt     *time.Time
	CreatedAt time.Time
}

// InsertOutboxMessage queues an outbound message. Re-inserting the same id
// is a no-op so a retried step does not send twice.
func (s *Store) InsertOutboxMessage(ctx context.Context, m OutboxMessage) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO outbox_messages (id, run_id, tenant_id, channel, recipient, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`), m.ID, m.RunID, m.TenantID, m.Channel, m.Recipient, m.Body, formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

// ListOutboxMessages returns the messages queued by a run.
func (s *Store) ListOutboxMessages(ctx context.Context, runID string) ([]OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, run_id, tenant_id, channel, recipient, body, created_at
		FROM outbox_messages WHERE run_id = ? ORDER BY created_at, id
	`), runID)
	if err != nil {
		return nil, fmt.Errorf("list outbox messages: %w", err)
	}
	defer rows.Close()

	var out []OutboxMessage
	for rows.Next() {
		var (
			m       OutboxMessage
			created string
		)
		if err := rows.Scan(&m.ID, &m.RunID, &m.TenantID, &m.Channel, &m.Recipient, &m.Body, &created); err != nil {
			return nil, fmt.Errorf("list outbox messages: %w", err)
		}
		if m.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertTask stores a task. Re-inserting the same id is a no-op.
func (s *Store) InsertTask(ctx context.Context, t Task) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO tasks (id, run_id, tenant_id, title, assignee, due_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`), t.ID, t.RunID, t.TenantID, t.Title, t.Assignee, formatTimePtr(t.DueAt), formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// CountTasks counts the tasks created by a run.
func (s *Store) CountTasks(ctx context.Context, runID string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM tasks WHERE run_id = ?`), runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// SetFieldValue records a field written by an update_field step. The value
// is stored as JSON and shadows the master column of the same name.
func (s *Store) SetFieldValue(ctx context.Context, tenantID, entity, entityID, field string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("set field value %s.%s: %w", entity, field, err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO entity_field_values (tenant_id, entity, entity_id, field, value, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, entity, entity_id, field) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`), tenantID, entity, entityID, field, string(raw), formatTime(s.Now()))
	if err != nil {
		return fmt.Errorf("set field value %s.%s: %w", entity, field, err)
	}
	return nil
}
