package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/events"
	"github.com/roach88/fieldsync/internal/model"
)

func TestScheduler(t *testing.T) {
	var published []model.WorkflowEvent
	pub := events.PublisherFunc(func(_ context.Context, ev model.WorkflowEvent) error {
		published = append(published, ev)
		return nil
	})
	s := NewScheduler(pub, nil)

	nightly := model.AutomationRule{ID: "nightly", TenantID: "t1", Status: model.RuleStatusActive,
		Trigger: model.Trigger{Type: model.TriggerSchedule, Schedule: "0 2 * * *"}}
	paused := nightly
	paused.ID, paused.Status = "paused", model.RuleStatusPaused
	eventRule := model.AutomationRule{ID: "event", TenantID: "t1", Status: model.RuleStatusActive,
		Trigger: model.Trigger{Type: model.EventJobCompleted}}

	require.NoError(t, s.Load([]model.AutomationRule{nightly, paused, eventRule}))
	assert.Len(t, s.Next(), 1)
	assert.Contains(t, s.Next(), "nightly")

	require.NoError(t, s.Fire(context.Background(), nightly))
	require.Len(t, published, 1)
	assert.Equal(t, model.EventSchedule, published[0].Name)
	assert.Equal(t, "t1", published[0].TenantID)
	assert.Equal(t, "nightly", published[0].Payload["ruleId"])

	require.NoError(t, s.Load(nil))
	assert.Empty(t, s.Next())

	bad := nightly
	bad.Trigger.Schedule = "whenever"
	assert.Error(t, s.Load([]model.AutomationRule{bad}))
}
