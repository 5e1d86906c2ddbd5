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

// ErrRunTerminal is returned when saving a run whose stored status is
// already terminal, for example after an external cancel.
var ErrRunTerminal = errors.New("execution run already terminal")

// CreateRun inserts a new execution run.
func (s *Store) CreateRun(ctx context.Context, run model.ExecutionRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO execution_runs (id, rule_id, tenant_id, status, current_step, resume_at, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), run.ID, run.RuleID, run.TenantID, string(run.Status), run.CurrentStep,
		formatTimePtr(run.ResumeAt), string(data), formatTime(run.CreatedAt), formatTime(run.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

// SaveRun checkpoints a run. Only runs whose stored status is running can
// be saved; otherwise ErrRunTerminal is returned and nothing changes.
func (s *Store) SaveRun(ctx context.Context, run model.ExecutionRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE execution_runs
		SET status = ?, current_step = ?, resume_at = ?, data = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`), string(run.Status), run.CurrentStep, formatTimePtr(run.ResumeAt), string(data),
		formatTime(run.UpdatedAt), run.ID, string(model.RunStatusRunning))
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("save run %s: %w", run.ID, ErrRunTerminal)
	}
	return nil
}

// GetRun returns a run by id, or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (model.ExecutionRun, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT status, data FROM execution_runs WHERE id = ?`), id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ExecutionRun{}, ErrNotFound
	}
	if err != nil {
		return model.ExecutionRun{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

// CancelRun marks a running run cancelled. It reports false when the run
// was already terminal.
func (s *Store) CancelRun(ctx context.Context, id string) (bool, error) {
	if _, err := s.GetRun(ctx, id); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE execution_runs SET status = ?, resume_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`), string(model.RunStatusCancelled), formatTime(s.Now()), id, string(model.RunStatusRunning))
	if err != nil {
		return false, fmt.Errorf("cancel run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel run %s: %w", id, err)
	}
	return n > 0, nil
}

// ListDueRuns returns running runs suspended in a wait step whose ResumeAt
// is at or before now, oldest first.
func (s *Store) ListDueRuns(ctx context.Context, now time.Time, limit int) ([]model.ExecutionRun, error) {
	return s.listRuns(ctx, `
		WHERE status = ? AND resume_at IS NOT NULL AND resume_at <= ?
		ORDER BY resume_at, id LIMIT ?
	`, string(model.RunStatusRunning), formatTime(now), limit)
}

// ListInterruptedRuns returns running runs that are not suspended: runs a
// previous process was executing when it stopped.
func (s *Store) ListInterruptedRuns(ctx context.Context) ([]model.ExecutionRun, error) {
	return s.listRuns(ctx, `
		WHERE status = ? AND resume_at IS NULL ORDER BY created_at, id
	`, string(model.RunStatusRunning))
}

// ListRunsByRule returns a rule's runs, newest first.
func (s *Store) ListRunsByRule(ctx context.Context, ruleID string, limit int) ([]model.ExecutionRun, error) {
	return s.listRuns(ctx, `WHERE rule_id = ? ORDER BY created_at DESC, id LIMIT ?`, ruleID, limit)
}

func (s *Store) listRuns(ctx context.Context, where string, args ...any) ([]model.ExecutionRun, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT status, data FROM execution_runs `+where), args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []model.ExecutionRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// scanRun decodes the run document. The status column wins over the
// document because CancelRun only touches the column.
func scanRun(row rowScanner) (model.ExecutionRun, error) {
	var status, data string
	if err := row.Scan(&status, &data); err != nil {
		return model.ExecutionRun{}, err
	}
	var run model.ExecutionRun
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return model.ExecutionRun{}, fmt.Errorf("decode run: %w", err)
	}
	run.Status = model.RunStatus(status)
	if run.Status.Terminal() {
		run.ResumeAt = nil
	}
	return run, nil
}
