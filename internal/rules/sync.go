package rules

import (
	"context"
	"fmt"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// SyncReport counts what Sync changed.
type SyncReport struct {
	Upserted int
	Archived []string
}

// Sync upserts rules into the store, keeping their run counters. Stored
// rules of the same tenants that are no longer present are archived, so
// deleting a rule file stops the rule.
func Sync(ctx context.Context, s *store.Store, rules []model.AutomationRule) (SyncReport, error) {
	var report SyncReport
	keep := make(map[string]bool, len(rules))
	tenants := make(map[string]bool)
	for _, r := range rules {
		if err := s.UpsertRule(ctx, r); err != nil {
			return report, err
		}
		keep[r.ID] = true
		tenants[r.TenantID] = true
		report.Upserted++
	}

	for tenant := range tenants {
		stored, err := s.ListRules(ctx, tenant)
		if err != nil {
			return report, fmt.Errorf("sync rules: %w", err)
		}
		for _, r := range stored {
			if keep[r.ID] || r.Status == model.RuleStatusArchived {
				continue
			}
			if err := s.SetRuleStatus(ctx, r.ID, model.RuleStatusArchived); err != nil {
				return report, err
			}
			report.Archived = append(report.Archived, r.ID)
		}
	}
	return report, nil
}
