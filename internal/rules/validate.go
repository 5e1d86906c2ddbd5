package rules

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/trigger"
)

// ErrInvalidRule is matched by every ValidationError.
var ErrInvalidRule = errors.New("invalid automation rule")

// ValidationError is one problem with one rule.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	RuleID  string `json:"ruleId,omitempty"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	where := e.File
	if e.RuleID != "" {
		if where != "" {
			where += ": "
		}
		where += "rule " + e.RuleID
	}
	if where != "" {
		return fmt.Sprintf("%s: %s: %s", where, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e ValidationError) Unwrap() error { return ErrInvalidRule }

// Check validates a decoded rule. It returns every problem found.
func Check(rule model.AutomationRule) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{RuleID: rule.ID, Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if rule.ID == "" {
		add("id", "is required")
	}
	if rule.TenantID == "" {
		add("tenantId", "is required")
	}
	if !rule.Status.Valid() {
		add("status", "unknown status %q", rule.Status)
	}
	if rule.Trigger.Type == "" {
		add("trigger.type", "is required")
	}
	if rule.Trigger.Type == model.TriggerSchedule {
		if _, err := cron.ParseStandard(rule.Trigger.Schedule); err != nil {
			add("trigger.schedule", "invalid cron expression %q: %v", rule.Trigger.Schedule, err)
		}
	}
	for i, c := range rule.Trigger.Filters {
		if _, err := trigger.ParseOperator(c.Operator); err != nil {
			add(fmt.Sprintf("trigger.filters.%d.operator", i), "%v", err)
		}
	}

	if len(rule.Steps) == 0 {
		add("steps", "at least one step is required")
	}
	orders := make(map[int]int, len(rule.Steps))
	for i, step := range rule.Steps {
		field := fmt.Sprintf("steps.%d", i)
		if prev, dup := orders[step.Order]; dup {
			add(field+".order", "order %d already used by step %d", step.Order, prev)
		}
		orders[step.Order] = i

		switch a := step.Action.(type) {
		case model.Branch:
			if _, err := trigger.ParseOperator(a.Condition.Operator); err != nil {
				add(field+".conditionOperator", "%v", err)
			}
			for name, target := range map[string]*int{"onTrueGoToStep": a.OnTrueGoToStep, "onFalseGoToStep": a.OnFalseGoToStep} {
				if target != nil && *target != model.EndOfRun && (*target < 0 || *target >= len(rule.Steps)) {
					add(field+"."+name, "target %d is not a step index (0..%d) or %d", *target, len(rule.Steps)-1, model.EndOfRun)
				}
			}
		case model.Wait:
			if _, err := engine.ResumeTime(a, time.Now()); err != nil {
				add(field, "%v", err)
			}
		case nil:
			add(field+".type", "step has no action")
		}
		if step.RetryCount < 0 {
			add(field+".retryCount", "must not be negative")
		}
	}
	return errs
}
