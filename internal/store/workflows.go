package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/fieldsync/internal/model"
)

// workflowState is the checkpoint document of a journal row.
type workflowState struct {
	Entities  []string             `json:"entities"`
	Notify    bool                 `json:"notify"`
	NextIndex int                  `json:"nextIndex"`
	Results   []model.EntityResult `json:"results"`
}

// CreateWorkflowRun journals the start of an orchestrator workflow.
func (s *Store) CreateWorkflowRun(ctx context.Context, run model.WorkflowRun) error {
	state, err := encodeWorkflowState(run)
	if err != nil {
		return fmt.Errorf("create workflow run %s: %w", run.ID, err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO workflow_runs (id, kind, tenant_id, status, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), run.ID, string(run.Kind), run.TenantID, string(run.Status), state,
		formatTime(run.CreatedAt), formatTime(run.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create workflow run %s: %w", run.ID, err)
	}
	return nil
}

// SaveWorkflowRun checkpoints status and state.
func (s *Store) SaveWorkflowRun(ctx context.Context, run model.WorkflowRun) error {
	state, err := encodeWorkflowState(run)
	if err != nil {
		return fmt.Errorf("save workflow run %s: %w", run.ID, err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE workflow_runs SET status = ?, state = ?, updated_at = ? WHERE id = ?
	`), string(run.Status), state, formatTime(run.UpdatedAt), run.ID)
	if err != nil {
		return fmt.Errorf("save workflow run %s: %w", run.ID, err)
	}
	return requireOneRow(res, "save workflow run "+run.ID)
}

// GetWorkflowRun returns a journal row, or ErrNotFound.
func (s *Store) GetWorkflowRun(ctx context.Context, id string) (model.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, kind, tenant_id, status, state, created_at, updated_at
		FROM workflow_runs WHERE id = ?
	`), id)
	run, err := scanWorkflowRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkflowRun{}, ErrNotFound
	}
	if err != nil {
		return model.WorkflowRun{}, fmt.Errorf("get workflow run %s: %w", id, err)
	}
	return run, nil
}

// ListWorkflowRuns returns journal rows in any of the given statuses,
// oldest first. No statuses lists every row.
func (s *Store) ListWorkflowRuns(ctx context.Context, statuses ...model.WorkflowStatus) ([]model.WorkflowRun, error) {
	query := `SELECT id, kind, tenant_id, status, state, created_at, updated_at FROM workflow_runs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list workflow runs: %w", err)
	}
	defer rows.Close()

	var out []model.WorkflowRun
	for rows.Next() {
		run, err := scanWorkflowRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list workflow runs: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func encodeWorkflowState(run model.WorkflowRun) (string, error) {
	b, err := json.Marshal(workflowState{
		Entities:  run.Entities,
		Notify:    run.Notify,
		NextIndex: run.NextIndex,
		Results:   run.Results,
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func scanWorkflowRun(row rowScanner) (model.WorkflowRun, error) {
	var (
		run                  model.WorkflowRun
		kind, status, state  string
		createdAt, updatedAt string
	)
	if err := row.Scan(&run.ID, &kind, &run.TenantID, &status, &state, &createdAt, &updatedAt); err != nil {
		return model.WorkflowRun{}, err
	}
	run.Kind = model.WorkflowKind(kind)
	run.Status = model.WorkflowStatus(status)

	var ws workflowState
	if err := json.Unmarshal([]byte(state), &ws); err != nil {
		return model.WorkflowRun{}, fmt.Errorf("decode workflow state %s: %w", run.ID, err)
	}
	run.Entities = ws.Entities
	run.Notify = ws.Notify
	run.NextIndex = ws.NextIndex
	run.Results = ws.Results

	var err error
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.WorkflowRun{}, err
	}
	if run.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.WorkflowRun{}, err
	}
	return run, nil
}
