package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/testutil"
)

func TestIncrementalSync_SkipsNeverSynced(t *testing.T) {
	jobs := &testutil.ScriptedFetcher{EntityName: "jobs", Pages: []int{1}}
	customers := &testutil.ScriptedFetcher{EntityName: "customers", Pages: []int{1}}
	h := newHarness(t, testutil.NewScriptedSource(jobs, customers))
	ctx := t.Context()

	require.NoError(t, h.store.UpdateSyncState(ctx, "t1", "customers", model.SyncTypeFull, 10))
	h.clock.Advance(time.Hour)

	res, err := h.orch.IncrementalSync(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, res.Results, 2)

	assert.True(t, res.Results[0].Skipped)
	assert.Equal(t, ErrNeverSynced.Error(), res.Results[0].Error)
	assert.Empty(t, jobs.Calls(), "never-synced entities are not fetched")
	assert.Equal(t, model.SyncStatusIdle, h.syncState(t, "jobs").Status)

	calls := customers.Calls()
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].ModifiedSince)
	assert.True(t, calls[0].ModifiedSince.Equal(testutil.Epoch))
}

func TestIncrementalSync_AdvancesWatermark(t *testing.T) {
	jobs := &testutil.ScriptedFetcher{EntityName: "jobs", Pages: []int{2, 1}}
	tr := &fakeTransformer{}
	h := newHarness(t, testutil.NewScriptedSource(jobs), WithTransformer(tr))
	ctx := t.Context()

	_, err := h.orch.FullSync(ctx, FullSyncOptions{TenantID: "t1"})
	require.NoError(t, err)

	later := h.clock.Advance(time.Hour)
	res, err := h.orch.IncrementalSync(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(3), res.Results[0].RecordCount)

	st := h.syncState(t, "jobs")
	require.NotNil(t, st.LastIncrementalSyncAt)
	assert.True(t, st.LastIncrementalSyncAt.Equal(later))
	require.NotNil(t, st.LastFullSyncAt)
	assert.True(t, st.LastFullSyncAt.Equal(testutil.Epoch), "incremental leaves the full watermark alone")
	assert.Equal(t, int64(3), st.RecordsCount)

	h.clock.Advance(time.Hour)
	_, err = h.orch.IncrementalSync(ctx, "t1")
	require.NoError(t, err)

	calls := jobs.Calls()
	last := calls[len(calls)-1]
	require.NotNil(t, last.ModifiedSince)
	assert.True(t, last.ModifiedSince.Equal(later), "second pass reads the incremental watermark")
	assert.Equal(t, []string{"jobs", "jobs", "jobs"}, tr.Calls())
}

func TestIncrementalSync_ZeroChangesLeaveStateUntouched(t *testing.T) {
	jobs := &testutil.ScriptedFetcher{EntityName: "jobs", Pages: []int{0}}
	tr := &fakeTransformer{}
	h := newHarness(t, testutil.NewScriptedSource(jobs), WithTransformer(tr))
	ctx := t.Context()

	require.NoError(t, h.store.UpdateSyncState(ctx, "t1", "jobs", model.SyncTypeFull, 7))
	before := h.syncState(t, "jobs")

	h.clock.Advance(time.Hour)
	res, err := h.orch.IncrementalSync(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Results[0].RecordCount)
	assert.Len(t, jobs.Calls(), 1)

	after := h.syncState(t, "jobs")
	assert.Equal(t, before, after)
	assert.Nil(t, after.LastIncrementalSyncAt)
	assert.Empty(t, tr.Calls())
}

func TestIncrementalSync_RecordsFailureAndContinues(t *testing.T) {
	jobs := &testutil.ScriptedFetcher{EntityName: "jobs", Pages: []int{1}, FailTimes: 5}
	customers := &testutil.ScriptedFetcher{EntityName: "customers", Pages: []int{1}}
	h := newHarness(t, testutil.NewScriptedSource(jobs, customers))
	ctx := t.Context()

	for _, e := range []string{"jobs", "customers"} {
		require.NoError(t, h.store.UpdateSyncState(ctx, "t1", e, model.SyncTypeFull, 1))
	}

	res, err := h.orch.IncrementalSync(ctx, "t1")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Results[0].Error)
	assert.Empty(t, res.Results[1].Error)

	st := h.syncState(t, "jobs")
	assert.Equal(t, model.SyncStatusError, st.Status)
	assert.Nil(t, st.LastIncrementalSyncAt)
	assert.NotNil(t, h.syncState(t, "customers").LastIncrementalSyncAt)

	run, err := h.store.GetWorkflowRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowIncrementalSync, run.Kind)
	assert.Equal(t, model.WorkflowCompleted, run.Status)
}

func TestRunIncrementalLoop_StopsWithContext(t *testing.T) {
	jobs := &testutil.ScriptedFetcher{EntityName: "jobs"}
	h := newHarness(t, testutil.NewScriptedSource(jobs))
	ctx, cancel := context.WithCancel(t.Context())

	done := make(chan error, 1)
	go func() { done <- h.orch.RunIncrementalLoop(ctx, "t1", time.Hour) }()

	require.Eventually(t, func() bool {
		runs, err := h.store.ListWorkflowRuns(t.Context(), model.WorkflowCompleted)
		return err == nil && len(runs) == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}

	assert.Error(t, h.orch.RunIncrementalLoop(t.Context(), "t1", 0))
}
