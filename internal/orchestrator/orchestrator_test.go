package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/backoff"
	"github.com/roach88/fieldsync/internal/metrics"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/servicetitan"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/testutil"
	"github.com/roach88/fieldsync/internal/transform"
)

func instant(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

type fakeTransformer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeTransformer) Has(string) bool { return true }

func (f *fakeTransformer) Transform(_ context.Context, _ string, entity string) (transform.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, entity)
	return transform.Result{Entity: entity}, f.err
}

func (f *fakeTransformer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type recordingNotifier struct {
	mu        sync.Mutex
	summaries []Summary
}

func (n *recordingNotifier) Notify(_ context.Context, s Summary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summaries = append(n.summaries, s)
	return nil
}

type harness struct {
	store *store.Store
	clock *testutil.FakeClock
	orch  *Orchestrator
}

func newHarness(t *testing.T, src *testutil.ScriptedSource, opts ...Option) *harness {
	t.Helper()
	clock := testutil.NewFakeClock(time.Time{})
	s := testutil.NewStore(t, clock)
	base := []Option{
		WithClock(clock.Now),
		WithIDs(testutil.NewSequentialIDs("run").Next),
		WithPageDelay(time.Millisecond),
		WithAfter(instant),
		WithRetry(backoff.Policy{Initial: time.Millisecond, Factor: 2, MaxAttempts: 3, After: instant}),
	}
	o := New(s, src, append(base, opts...)...)
	t.Cleanup(o.Close)
	return &harness{store: s, clock: clock, orch: o}
}

func (h *harness) syncState(t *testing.T, entity string) model.SyncState {
	t.Helper()
	st, err := h.store.GetSyncState(t.Context(), "t1", entity)
	require.NoError(t, err)
	return st
}

func TestFullSync_PagesEveryEntity(t *testing.T) {
	jobs := &testutil.ScriptedFetcher{EntityName: "jobs", Pages: []int{2, 3}}
	customers := &testutil.ScriptedFetcher{EntityName: "customers"}
	tr := &fakeTransformer{}
	var (
		obsMu sync.Mutex
		obs   []metrics.SyncObservation
	)
	rec := metrics.RecorderFunc(func(o metrics.SyncObservation) {
		obsMu.Lock()
		defer obsMu.Unlock()
		obs = append(obs, o)
	})
	h := newHarness(t, testutil.NewScriptedSource(jobs, customers), WithTransformer(tr), WithMetrics(rec))

	res, err := h.orch.FullSync(t.Context(), FullSyncOptions{TenantID: "t1"})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "run-1", res.RunID)
	require.Len(t, res.Results, 2)
	assert.Equal(t, model.EntityResult{Entity: "jobs", RecordCount: 5}, res.Results[0])
	assert.Equal(t, model.EntityResult{Entity: "customers"}, res.Results[1])

	calls := jobs.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "", calls[0].PageToken)
	assert.Equal(t, "1", calls[1].PageToken)
	assert.Nil(t, calls[0].ModifiedSince)

	st := h.syncState(t, "jobs")
	assert.Equal(t, model.SyncStatusCompleted, st.Status)
	assert.Equal(t, int64(5), st.RecordsCount)
	require.NotNil(t, st.LastFullSyncAt)
	assert.True(t, st.LastFullSyncAt.Equal(testutil.Epoch))
	assert.Empty(t, st.Cursor)

	assert.Equal(t, model.SyncStatusEmpty, h.syncState(t, "customers").Status)
	assert.Equal(t, []string{"jobs", "customers"}, tr.Calls())
	assert.Len(t, obs, 2)

	run, err := h.store.GetWorkflowRun(t.Context(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCompleted, run.Status)
	assert.Equal(t, 2, run.NextIndex)
}

func TestFullSync_RetriesTransientFailure(t *testing.T) {
	jobs := &testutil.ScriptedFetcher{EntityName: "jobs", Pages: []int{4}, FailTimes: 2, Err: errors.New("503")}
	h := newHarness(t, testutil.NewScriptedSource(jobs))

	res, err := h.orch.FullSync(t.Context(), FullSyncOptions{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Empty(t, res.Results[0].Error)
	assert.Equal(t, int64(4), res.Results[0].RecordCount)
	assert.Len(t, jobs.Calls(), 3)
}

func TestFullSync_ContinuesAfterEntityFailure(t *testing.T) {
	jobs := &testutil.ScriptedFetcher{EntityName: "jobs", Pages: []int{1}, FailTimes: 10, Err: errors.New("upstream down")}
	customers := &testutil.ScriptedFetcher{EntityName: "customers", Pages: []int{3}}
	notifier := &recordingNotifier{}
	h := newHarness(t, testutil.NewScriptedSource(jobs, customers), WithNotifier(notifier))

	res, err := h.orch.FullSync(t.Context(), FullSyncOptions{TenantID: "t1", Notify: true})
	require.NoError(t, err)

	assert.True(t, res.Success, "entity failures do not fail the run")
	require.Len(t, res.Results, 2)
	assert.Contains(t, res.Results[0].Error, "upstream down")
	assert.Empty(t, res.Results[1].Error)
	assert.Len(t, jobs.Calls(), 3)

	st := h.syncState(t, "jobs")
	assert.Equal(t, model.SyncStatusError, st.Status)
	assert.Contains(t, st.LastError, "upstream down")
	assert.Nil(t, st.LastFullSyncAt)
	assert.Equal(t, model.SyncStatusCompleted, h.syncState(t, "customers").Status)

	require.Len(t, notifier.summaries, 1)
	assert.Equal(t, 1, notifier.summaries[0].Failed)
	assert.Equal(t, model.WorkflowFullSync, notifier.summaries[0].Kind)
}

func TestFullSync_TransformFailureIsEntityFailure(t *testing.T) {
	jobs := &testutil.ScriptedFetcher{EntityName: "jobs", Pages: []int{1}}
	h := newHarness(t, testutil.NewScriptedSource(jobs), WithTransformer(&fakeTransformer{err: errors.New("bad sql")}))

	res, err := h.orch.FullSync(t.Context(), FullSyncOptions{TenantID: "t1"})
	require.NoError(t, err)
	assert.Contains(t, res.Results[0].Error, "transform: bad sql")
	assert.Equal(t, model.SyncStatusError, h.syncState(t, "jobs").Status)
}

func TestFullSync_RejectsUnknownEntity(t *testing.T) {
	h := newHarness(t, testutil.NewScriptedSource(&testutil.ScriptedFetcher{EntityName: "jobs"}))

	_, err := h.orch.FullSync(t.Context(), FullSyncOptions{TenantID: "t1", Entities: []string{"widgets"}})
	assert.ErrorContains(t, err, `unknown entity "widgets"`)

	_, err = h.orch.FullSync(t.Context(), FullSyncOptions{})
	assert.ErrorContains(t, err, "tenant id is required")
}

// blockFirstPage makes f block inside its first call until proceed closes,
// after announcing the call on fetching.
func blockFirstPage(f *testutil.ScriptedFetcher) (fetching chan struct{}, proceed chan struct{}) {
	fetching = make(chan struct{})
	proceed = make(chan struct{})
	var once sync.Once
	f.Hook = func(ctx context.Context, call testutil.FetchCall) {
		once.Do(func() {
			close(fetching)
			select {
			case <-proceed:
			case <-ctx.Done():
			}
		})
	}
	return fetching, proceed
}

func TestStartFullSync_PauseAndResume(t *testing.T) {
	jobs := &testutil.ScriptedFetcher{EntityName: "jobs", Pages: []int{2, 3}}
	customers := &testutil.ScriptedFetcher{EntityName: "customers", Pages: []int{1}}
	fetching, proceed := blockFirstPage(jobs)
	h := newHarness(t, testutil.NewScriptedSource(jobs, customers))
	ctx := t.Context()

	handle, err := h.orch.StartFullSync(ctx, FullSyncOptions{TenantID: "t1"})
	require.NoError(t, err)

	<-fetching
	require.NoError(t, h.orch.Signal(handle.ID, SignalPause))
	close(proceed)

	require.Eventually(t, func() bool {
		run, err := h.store.GetWorkflowRun(ctx, handle.ID)
		return err == nil && run.Status == model.WorkflowPaused
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, jobs.Calls(), 1, "no page is fetched while paused")
	assert.Empty(t, customers.Calls())

	require.NoError(t, h.orch.Signal(handle.ID, SignalResume))
	res, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, jobs.Calls(), 2)
	assert.Len(t, customers.Calls(), 1)

	run, err := h.store.GetWorkflowRun(ctx, handle.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCompleted, run.Status)

	_, ok := h.orch.Handle(handle.ID)
	assert.False(t, ok)
}

func TestStartFullSync_CancelAtPageBoundary(t *testing.T) {
	jobs := &testutil.ScriptedFetcher{EntityName: "jobs", Pages: []int{2, 3}}
	customers := &testutil.ScriptedFetcher{EntityName: "customers", Pages: []int{1}}
	fetching, proceed := blockFirstPage(jobs)
	var (
		obsMu sync.Mutex
		obs   []metrics.SyncObservation
	)
	rec := metrics.RecorderFunc(func(o metrics.SyncObservation) {
		obsMu.Lock()
		defer obsMu.Unlock()
		obs = append(obs, o)
	})
	h := newHarness(t, testutil.NewScriptedSource(jobs, customers), WithMetrics(rec))
	ctx := t.Context()

	handle, err := h.orch.StartFullSync(ctx, FullSyncOptions{TenantID: "t1"})
	require.NoError(t, err)

	<-fetching
	handle.Cancel()
	close(proceed)

	res, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.Cancelled)
	require.Len(t, res.Results, 1)
	assert.Equal(t, int64(2), res.Results[0].RecordCount, "the in-flight page finishes")
	assert.True(t, res.Results[0].Cancelled)
	assert.Empty(t, res.Results[0].Error)
	assert.Len(t, jobs.Calls(), 1)
	assert.Empty(t, customers.Calls())

	st := h.syncState(t, "jobs")
	assert.Equal(t, model.SyncStatusIdle, st.Status, "a cancel is not an entity error")
	assert.Empty(t, st.LastError)
	assert.Nil(t, st.LastFullSyncAt)
	obsMu.Lock()
	assert.Empty(t, obs, "a cancel records no sync observation")
	obsMu.Unlock()

	run, err := h.store.GetWorkflowRun(ctx, handle.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCancelled, run.Status)
	assert.Equal(t, 0, summarize(run, res).Failed)
}

func TestFullSync_WatermarkIsPassStart(t *testing.T) {
	jobs := &testutil.ScriptedFetcher{EntityName: "jobs", Pages: []int{2, 2, 2}}
	h := newHarness(t, testutil.NewScriptedSource(jobs))
	jobs.Hook = func(context.Context, testutil.FetchCall) { h.clock.Advance(10 * time.Minute) }

	_, err := h.orch.FullSync(t.Context(), FullSyncOptions{TenantID: "t1"})
	require.NoError(t, err)

	st := h.syncState(t, "jobs")
	require.NotNil(t, st.LastFullSyncAt)
	assert.True(t, st.LastFullSyncAt.Equal(testutil.Epoch), "stamped when the pass began, not when it ended")
	assert.True(t, h.clock.Now().After(*st.LastFullSyncAt))
}

func TestHandle_CancelReleasesPause(t *testing.T) {
	h := newHandle("run-1", true)
	done := make(chan error, 1)
	go func() { done <- h.waitWhilePaused(context.Background()) }()

	h.Cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not release the paused run")
	}
	assert.True(t, h.Cancelled())
	assert.False(t, h.Paused())

	h.Pause()
	assert.False(t, h.Paused(), "a cancelled run cannot be paused")
}

func TestRecover_ResumesFromCheckpoint(t *testing.T) {
	a := &testutil.ScriptedFetcher{EntityName: "a", Pages: []int{1}}
	b := &testutil.ScriptedFetcher{EntityName: "b", Pages: []int{2}}
	c := &testutil.ScriptedFetcher{EntityName: "c", Pages: []int{3}}
	h := newHarness(t, testutil.NewScriptedSource(a, b, c))
	ctx := t.Context()

	require.NoError(t, h.store.CreateWorkflowRun(ctx, model.WorkflowRun{
		ID:        "wf-crashed",
		Kind:      model.WorkflowFullSync,
		TenantID:  "t1",
		Status:    model.WorkflowRunning,
		Entities:  []string{"a", "b", "c"},
		NextIndex: 1,
		Results:   []model.EntityResult{{Entity: "a", RecordCount: 1}},
		CreatedAt: h.clock.Now(),
		UpdatedAt: h.clock.Now(),
	}))
	require.NoError(t, h.store.CreateWorkflowRun(ctx, model.WorkflowRun{
		ID:        "wf-incremental",
		Kind:      model.WorkflowIncrementalSync,
		TenantID:  "t1",
		Status:    model.WorkflowRunning,
		CreatedAt: h.clock.Now(),
		UpdatedAt: h.clock.Now(),
	}))

	handles, err := h.orch.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, handles, 1)

	res, err := handles[0].Wait(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, res.Results, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{res.Results[0].Entity, res.Results[1].Entity, res.Results[2].Entity})
	assert.Empty(t, a.Calls(), "checkpointed entities are not refetched")
	assert.Len(t, b.Calls(), 1)
	assert.Len(t, c.Calls(), 1)

	inc, err := h.store.GetWorkflowRun(ctx, "wf-incremental")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowFailed, inc.Status)
}

func TestRecover_PausedRunWaitsForResume(t *testing.T) {
	a := &testutil.ScriptedFetcher{EntityName: "a", Pages: []int{1}}
	h := newHarness(t, testutil.NewScriptedSource(a))
	ctx := t.Context()

	require.NoError(t, h.store.CreateWorkflowRun(ctx, model.WorkflowRun{
		ID:        "wf-paused",
		Kind:      model.WorkflowFullSync,
		TenantID:  "t1",
		Status:    model.WorkflowPaused,
		Entities:  []string{"a"},
		CreatedAt: h.clock.Now(),
		UpdatedAt: h.clock.Now(),
	}))

	handles, err := h.orch.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, handles, 1)
	assert.True(t, handles[0].Paused())

	select {
	case <-handles[0].Done():
		t.Fatal("paused run finished without a resume")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, a.Calls())

	require.NoError(t, h.orch.Signal("wf-paused", SignalResume))
	res, err := handles[0].Wait(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, a.Calls(), 1)
}

func TestSignal_UnknownRun(t *testing.T) {
	h := newHarness(t, testutil.NewScriptedSource())
	err := h.orch.Signal("nope", SignalCancel)
	assert.ErrorIs(t, err, ErrUnknownRun)

	_, err = ParseSignal("explode")
	assert.Error(t, err)
	s, err := ParseSignal("pause")
	require.NoError(t, err)
	assert.Equal(t, SignalPause, s)
}

// pagedPager serves fixed pages of job payloads to an EntityFetcher. Page
// tokens are 1-based page numbers; failures[n] is how many times page n
// fails before it is served.
type pagedPager struct {
	mu       sync.Mutex
	pages    [][]json.RawMessage
	failures map[int]int
	requests int
}

func newPagedPager(pages, perPage int) *pagedPager {
	p := &pagedPager{failures: map[int]int{}}
	id := 0
	for range pages {
		var page []json.RawMessage
		for range perPage {
			id++
			page = append(page, json.RawMessage(fmt.Sprintf(
				`{"id":%d,"jobNumber":"J-%d","jobStatus":"Scheduled","modifiedOn":"2025-02-01T00:00:00Z"}`, id, id)))
		}
		p.pages = append(p.pages, page)
	}
	return p
}

func (p *pagedPager) ListPage(_ context.Context, spec servicetitan.EntitySpec, req servicetitan.PageRequest) (servicetitan.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests++
	n := 1
	if req.Token != "" {
		var err error
		if n, err = strconv.Atoi(req.Token); err != nil {
			return servicetitan.Page{}, err
		}
	}
	if p.failures[n] > 0 {
		p.failures[n]--
		return servicetitan.Page{}, fmt.Errorf("list %s page %d: status 503", spec.Name, n)
	}
	page := servicetitan.Page{Records: p.pages[n-1]}
	if n < len(p.pages) {
		page.HasMore = true
		page.Next = strconv.Itoa(n + 1)
	}
	return page, nil
}

// newStagingHarness wires p through the real fetchers and transformer.
func newStagingHarness(t *testing.T, p servicetitan.Pager) *harness {
	t.Helper()
	clock := testutil.NewFakeClock(time.Time{})
	s := testutil.NewStore(t, clock, "jobs")
	tr, err := transform.New(s)
	require.NoError(t, err)
	spec, ok := servicetitan.LookupEntity(servicetitan.DefaultEntities(), "jobs")
	require.True(t, ok)

	o := New(s, servicetitan.NewSource(p, s, []servicetitan.EntitySpec{spec}, nil),
		WithClock(clock.Now),
		WithIDs(testutil.NewSequentialIDs("run").Next),
		WithPageDelay(0),
		WithTransformer(tr),
		WithRetry(backoff.Policy{Initial: time.Millisecond, Factor: 2, MaxAttempts: 3, After: instant}),
	)
	t.Cleanup(o.Close)
	return &harness{store: s, clock: clock, orch: o}
}

func TestFullSync_RerunAfterMidEntityFailureMatchesCleanRun(t *testing.T) {
	ctx := t.Context()

	clean := newStagingHarness(t, newPagedPager(5, 2))
	_, err := clean.orch.FullSync(ctx, FullSyncOptions{TenantID: "t1"})
	require.NoError(t, err)
	wantRaw, err := clean.store.GetRecordCount(ctx, "t1", "jobs")
	require.NoError(t, err)
	wantMaster, err := clean.store.CountMaster(ctx, "t1", "jobs")
	require.NoError(t, err)
	require.Equal(t, int64(10), wantRaw)

	pager := newPagedPager(5, 2)
	pager.failures[3] = 3
	h := newStagingHarness(t, pager)

	res, err := h.orch.FullSync(ctx, FullSyncOptions{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Contains(t, res.Results[0].Error, "fetch page 3")
	staged, err := h.store.GetRecordCount(ctx, "t1", "jobs")
	require.NoError(t, err)
	assert.Equal(t, int64(4), staged, "pages 1 and 2 stay staged")
	assert.Equal(t, model.SyncStatusError, h.syncState(t, "jobs").Status)

	res, err = h.orch.FullSync(ctx, FullSyncOptions{TenantID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, res.Results[0].Error)

	gotRaw, err := h.store.GetRecordCount(ctx, "t1", "jobs")
	require.NoError(t, err)
	gotMaster, err := h.store.CountMaster(ctx, "t1", "jobs")
	require.NoError(t, err)
	assert.Equal(t, wantRaw, gotRaw)
	assert.Equal(t, wantMaster, gotMaster)
	assert.Equal(t, wantRaw, h.syncState(t, "jobs").RecordsCount)
}

func TestFullSync_RepeatedRunsAreIdempotent(t *testing.T) {
	pager := newPagedPager(3, 4)
	h := newStagingHarness(t, pager)
	ctx := t.Context()

	_, err := h.orch.FullSync(ctx, FullSyncOptions{TenantID: "t1"})
	require.NoError(t, err)
	first := h.syncState(t, "jobs")

	h.clock.Advance(time.Hour)
	_, err = h.orch.FullSync(ctx, FullSyncOptions{TenantID: "t1"})
	require.NoError(t, err)
	second := h.syncState(t, "jobs")

	assert.Equal(t, int64(12), first.RecordsCount)
	assert.Equal(t, first.RecordsCount, second.RecordsCount)
	assert.Equal(t, 6, pager.requests)

	raw, err := h.store.GetRecordCount(ctx, "t1", "jobs")
	require.NoError(t, err)
	assert.Equal(t, int64(12), raw)

	rows, err := h.store.ListMaster(ctx, "t1", "jobs")
	require.NoError(t, err)
	require.Len(t, rows, 12)
	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		assert.False(t, seen[r.StID()], "duplicate st_id %s", r.StID())
		seen[r.StID()] = true
	}
}
