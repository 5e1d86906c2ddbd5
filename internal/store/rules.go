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

type ruleDefinition struct {
	Trigger model.Trigger `json:"trigger"`
	Steps   []model.Step  `json:"steps"`
}

const ruleColumns = `id, tenant_id, name, definition, status,
	run_count, success_count, failure_count, last_run_at`

// UpsertRule inserts or replaces a rule's definition and status.
// Run counters and LastRunAt are owned by the execution engine and are
// never overwritten here.
func (s *Store) UpsertRule(ctx context.Context, rule model.AutomationRule) error {
	def, err := json.Marshal(ruleDefinition{Trigger: rule.Trigger, Steps: rule.Steps})
	if err != nil {
		return fmt.Errorf("upsert rule %s: %w", rule.ID, err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO automation_rules (id, tenant_id, name, trigger_type, definition, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			name = excluded.name,
			trigger_type = excluded.trigger_type,
			definition = excluded.definition,
			status = excluded.status,
			updated_at = excluded.updated_at
	`), rule.ID, rule.TenantID, rule.Name, rule.Trigger.Type, string(def), string(rule.Status), formatTime(s.Now()))
	if err != nil {
		return fmt.Errorf("upsert rule %s: %w", rule.ID, err)
	}
	return nil
}

// GetRule returns a rule by id, or ErrNotFound.
func (s *Store) GetRule(ctx context.Context, id string) (model.AutomationRule, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+ruleColumns+` FROM automation_rules WHERE id = ?`), id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AutomationRule{}, ErrNotFound
	}
	if err != nil {
		return model.AutomationRule{}, fmt.Errorf("get rule %s: %w", id, err)
	}
	return rule, nil
}

// ListRules returns a tenant's rules ordered by id. An empty tenant lists
// every tenant's rules.
func (s *Store) ListRules(ctx context.Context, tenantID string) ([]model.AutomationRule, error) {
	if tenantID == "" {
		return s.listRules(ctx, `ORDER BY id`)
	}
	return s.listRules(ctx, `WHERE tenant_id = ? ORDER BY id`, tenantID)
}

// ListActiveRules returns active rules for a tenant whose trigger type is
// triggerType. An empty tenant matches every tenant.
func (s *Store) ListActiveRules(ctx context.Context, tenantID, triggerType string) ([]model.AutomationRule, error) {
	if tenantID == "" {
		return s.listRules(ctx, `WHERE trigger_type = ? AND status = ? ORDER BY id`,
			triggerType, string(model.RuleStatusActive))
	}
	return s.listRules(ctx, `WHERE tenant_id = ? AND trigger_type = ? AND status = ? ORDER BY id`,
		tenantID, triggerType, string(model.RuleStatusActive))
}

// SetRuleStatus changes a rule's lifecycle status.
func (s *Store) SetRuleStatus(ctx context.Context, id string, status model.RuleStatus) error {
	if !status.Valid() {
		return fmt.Errorf("set rule status: invalid status %q", status)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE automation_rules SET status = ?, updated_at = ? WHERE id = ?
	`), string(status), formatTime(s.Now()), id)
	if err != nil {
		return fmt.Errorf("set rule status %s: %w", id, err)
	}
	return requireOneRow(res, "set rule status "+id)
}

// RecordRuleRun increments RunCount and sets LastRunAt.
func (s *Store) RecordRuleRun(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE automation_rules SET run_count = run_count + 1, last_run_at = ? WHERE id = ?
	`), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("record rule run %s: %w", id, err)
	}
	return nil
}

// RecordRuleOutcome increments SuccessCount or FailureCount.
func (s *Store) RecordRuleOutcome(ctx context.Context, id string, success bool) error {
	col := "failure_count"
	if success {
		col = "success_count"
	}
	_, err := s.db.ExecContext(ctx, s.rebind(fmt.Sprintf(
		`UPDATE automation_rules SET %s = %s + 1 WHERE id = ?`, col, col)), id)
	if err != nil {
		return fmt.Errorf("record rule outcome %s: %w", id, err)
	}
	return nil
}

func (s *Store) listRules(ctx context.Context, where string, args ...any) ([]model.AutomationRule, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+ruleColumns+` FROM automation_rules `+where), args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []model.AutomationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("list rules: %w", err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func scanRule(row rowScanner) (model.AutomationRule, error) {
	var (
		rule    model.AutomationRule
		def     string
		status  string
		lastRun sql.NullString
	)
	if err := row.Scan(&rule.ID, &rule.TenantID, &rule.Name, &def, &status,
		&rule.RunCount, &rule.SuccessCount, &rule.FailureCount, &lastRun); err != nil {
		return model.AutomationRule{}, err
	}
	var d ruleDefinition
	if err := json.Unmarshal([]byte(def), &d); err != nil {
		return model.AutomationRule{}, fmt.Errorf("decode rule %s: %w", rule.ID, err)
	}
	rule.Trigger = d.Trigger
	rule.Steps = d.Steps
	rule.Status = model.RuleStatus(status)

	var err error
	if rule.LastRunAt, err = parseNullTime(lastRun); err != nil {
		return model.AutomationRule{}, err
	}
	return rule, nil
}

func requireOneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
