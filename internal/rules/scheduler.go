package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/roach88/fieldsync/internal/events"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/trigger"
)

// Scheduler publishes a schedule event for each active schedule rule on
// that rule's cron expression. The event carries the rule id, so only
// that rule matches it.
type Scheduler struct {
	cron      *cron.Cron
	publisher events.Publisher
	now       func() time.Time
	log       *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler creates a stopped scheduler evaluating cron expressions in
// UTC.
func NewScheduler(p events.Publisher, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cron:      cron.New(cron.WithLocation(time.UTC)),
		publisher: p,
		now:       time.Now,
		log:       log,
		entries:   make(map[string]cron.EntryID),
	}
}

// Load replaces the registered schedules with those of rules. Rules that
// are not active schedule rules are ignored.
func (s *Scheduler) Load(rules []model.AutomationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.entries {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
	for _, rule := range rules {
		if rule.Status != model.RuleStatusActive || rule.Trigger.Type != model.TriggerSchedule {
			continue
		}
		rule := rule
		entry, err := s.cron.AddFunc(rule.Trigger.Schedule, func() {
			if err := s.Fire(context.Background(), rule); err != nil {
				s.log.Error("publishing schedule event", "rule_id", rule.ID, "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("schedule rule %s: %w", rule.ID, err)
		}
		s.entries[rule.ID] = entry
	}
	s.log.Info("rule schedules loaded", "count", len(s.entries))
	return nil
}

// Fire publishes the schedule event of rule now.
func (s *Scheduler) Fire(ctx context.Context, rule model.AutomationRule) error {
	return s.publisher.Publish(ctx, model.WorkflowEvent{
		Name:     model.EventSchedule,
		TenantID: rule.TenantID,
		Payload: map[string]any{
			trigger.KeyRuleID: rule.ID,
			"schedule":        rule.Trigger.Schedule,
			"firedAt":         s.now().UTC().Format(time.RFC3339),
		},
	})
}

// Next returns the next activation of each scheduled rule.
func (s *Scheduler) Next() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for id, entry := range s.entries {
		out[id] = s.cron.Entry(entry).Next
	}
	return out
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops the scheduler and waits for running publishes.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
