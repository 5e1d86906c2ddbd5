// Package trigger decides which automation rules an event activates.
package trigger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/fieldsync/internal/model"
)

// RuleSource lists active rules by trigger type.
type RuleSource interface {
	ListActiveRules(ctx context.Context, tenantID, triggerType string) ([]model.AutomationRule, error)
}

// StateSource returns the current state of the entity an event refers to.
type StateSource interface {
	GetEntityState(ctx context.Context, tenantID, entity, entityID string) (map[string]any, error)
}

// Payload keys consulted by the trigger's structured filters.
const (
	KeyRuleID   = "ruleId"
	KeyPipeline = "pipeline"
	KeyFrom     = "fromStage"
	KeyTo       = "toStage"
	KeyChannel  = "channel"
)

// Matcher finds the rules an event activates.
type Matcher struct {
	rules RuleSource
	state StateSource
	log   *slog.Logger
}

// NewMatcher creates a Matcher. A nil state source matches against the
// event payload alone.
func NewMatcher(rules RuleSource, state StateSource, log *slog.Logger) *Matcher {
	if log == nil {
		log = slog.Default()
	}
	return &Matcher{rules: rules, state: state, log: log}
}

// Match returns every active rule of the event's tenant whose trigger type
// equals the event name and whose filters hold against the event payload
// laid over the entity's current state. Events carrying a rule id in their
// payload (schedule and webhook deliveries) only match that rule.
//
// Rules with a malformed filter are logged and skipped.
func (m *Matcher) Match(ctx context.Context, ev model.WorkflowEvent) ([]model.AutomationRule, error) {
	rules, err := m.rules.ListActiveRules(ctx, ev.TenantID, ev.Name)
	if err != nil {
		return nil, fmt.Errorf("match %s: %w", ev.Name, err)
	}
	if len(rules) == 0 {
		return nil, nil
	}

	state, err := m.State(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("match %s: %w", ev.Name, err)
	}
	target := model.String(ev.Payload[KeyRuleID])

	var out []model.AutomationRule
	for _, rule := range rules {
		if target != "" && rule.ID != target {
			continue
		}
		ok, err := Holds(rule.Trigger, state)
		if err != nil {
			m.log.Warn("skipping rule with invalid filter", "rule_id", rule.ID, "error", err)
			continue
		}
		if ok {
			out = append(out, rule)
		}
	}
	return out, nil
}

// State returns the evaluation state for an event: the entity's current
// state with the event payload written over it.
func (m *Matcher) State(ctx context.Context, ev model.WorkflowEvent) (map[string]any, error) {
	if m.state == nil || ev.Entity == "" || ev.EntityID == "" {
		return model.Merge(nil, ev.Payload), nil
	}
	current, err := m.state.GetEntityState(ctx, ev.TenantID, ev.Entity, ev.EntityID)
	if err != nil {
		return nil, err
	}
	return model.Merge(current, ev.Payload), nil
}

// Conditions expands a trigger's structured filters and its Filters list
// into one conjunction.
func Conditions(t model.Trigger) []model.Condition {
	var out []model.Condition
	add := func(field, value string) {
		if value != "" {
			out = append(out, model.Condition{Field: field, Operator: string(OpEquals), Value: value})
		}
	}
	add(KeyPipeline, t.Pipeline)
	add(KeyFrom, t.FromStage)
	add(KeyTo, t.ToStage)
	add(KeyChannel, t.MessageChannel)
	return append(out, t.Filters...)
}

// Holds reports whether every condition of t holds against state.
func Holds(t model.Trigger, state map[string]any) (bool, error) {
	for _, c := range Conditions(t) {
		ok, err := Evaluate(c, state)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
