package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/model"
)

func TestBus_HandlersSeeEveryEventInOrder(t *testing.T) {
	b := New(nil)
	var got []string
	b.OnEvent(func(_ context.Context, ev model.WorkflowEvent) { got = append(got, "a:"+ev.Name) })
	b.OnEvent(func(_ context.Context, ev model.WorkflowEvent) { got = append(got, "b:"+ev.Name) })

	require.NoError(t, b.Publish(context.Background(), model.WorkflowEvent{Name: model.EventJobCompleted}))
	assert.Equal(t, []string{"a:job_completed", "b:job_completed"}, got)
}

func TestBus_StampsIDAndTime(t *testing.T) {
	b := New(nil)
	var seen model.WorkflowEvent
	b.OnEvent(func(_ context.Context, ev model.WorkflowEvent) { seen = ev })

	require.NoError(t, b.Publish(context.Background(), model.WorkflowEvent{Name: model.EventEstimateCreated}))
	assert.Len(t, seen.ID, 36)
	assert.False(t, seen.OccurredAt.IsZero())

	require.NoError(t, b.Publish(context.Background(), model.WorkflowEvent{ID: "fixed", Name: model.EventEstimateCreated}))
	assert.Equal(t, "fixed", seen.ID)
}

func TestSubscription_TenantFilterAndDrops(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe(1, "t1")
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, model.WorkflowEvent{Name: "a", TenantID: "t2"}))
	require.NoError(t, b.Publish(ctx, model.WorkflowEvent{Name: "b", TenantID: "t1"}))
	require.NoError(t, b.Publish(ctx, model.WorkflowEvent{Name: "c", TenantID: "t1"}))

	ev := <-sub.C
	assert.Equal(t, "b", ev.Name)
	assert.Equal(t, int64(1), sub.Dropped())
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe(4, "")
	sub.Close()
	sub.Close()

	_, open := <-sub.C
	assert.False(t, open)
	require.NoError(t, b.Publish(context.Background(), model.WorkflowEvent{Name: "x"}))
}

func TestBus_PublishHonoursCancelledContext(t *testing.T) {
	b := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Publish(ctx, model.WorkflowEvent{Name: "x"}), context.Canceled)
}
