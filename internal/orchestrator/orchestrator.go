package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/fieldsync/internal/backoff"
	"github.com/roach88/fieldsync/internal/metrics"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/servicetitan"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/transform"
)

// DefaultPageDelay is the pause between consecutive page fetches.
const DefaultPageDelay = 200 * time.Millisecond

var (
	// ErrNeverSynced is recorded for entities an incremental sync skips
	// because no full sync has completed.
	ErrNeverSynced = errors.New("entity has never completed a full sync")

	// ErrUnknownRun is returned when signalling a run this process does not
	// own.
	ErrUnknownRun = errors.New("unknown sync run")

	errCancelled = errors.New("cancelled before completion")
)

// FetcherSource hands out one Fetcher per tenant and entity.
type FetcherSource interface {
	Entities() []string
	Fetcher(tenantID, entity string) (servicetitan.Fetcher, error)
}

// Transformer rebuilds master rows for an entity from its raw rows.
type Transformer interface {
	Has(entity string) bool
	Transform(ctx context.Context, tenantID, entity string) (transform.Result, error)
}

// FullSyncOptions selects what a full sync covers. Empty Entities means
// every entity the source knows, in the source's order.
type FullSyncOptions struct {
	TenantID string   `json:"tenantId"`
	Entities []string `json:"entities,omitempty"`
	Notify   bool     `json:"notify,omitempty"`
}

// SyncResult aggregates the per-entity outcomes of one workflow.
type SyncResult struct {
	RunID         string               `json:"runId"`
	Success       bool                 `json:"success"`
	Cancelled     bool                 `json:"cancelled,omitempty"`
	Results       []model.EntityResult `json:"results"`
	TotalDuration time.Duration        `json:"totalDuration"`
}

// Orchestrator runs full and incremental syncs.
//
// Thread-safety: all methods are safe for concurrent use.
type Orchestrator struct {
	store       *store.Store
	source      FetcherSource
	transformer Transformer
	notifier    Notifier
	metrics     metrics.Recorder
	retry       backoff.Policy
	pageDelay   time.Duration
	after       func(time.Duration) <-chan time.Time
	now         func() time.Time
	newID       func() string
	log         *slog.Logger

	base   context.Context
	stop   context.CancelFunc
	mu     sync.Mutex
	active map[string]*Handle
	wg     sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithTransformer enables the raw to master step after each entity.
func WithTransformer(t Transformer) Option {
	return func(o *Orchestrator) { o.transformer = t }
}

func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = r }
}

// WithRetry replaces the per-page retry policy (default backoff.Default).
func WithRetry(p backoff.Policy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// WithPageDelay sets the wait between pages. Zero disables it.
func WithPageDelay(d time.Duration) Option {
	return func(o *Orchestrator) { o.pageDelay = d }
}

// WithAfter replaces time.After for page delays.
func WithAfter(after func(time.Duration) <-chan time.Time) Option {
	return func(o *Orchestrator) { o.after = after }
}

// WithClock sets the clock used for durations and journal timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDs replaces the UUIDv7 run id generator.
func WithIDs(next func() string) Option {
	return func(o *Orchestrator) { o.newID = next }
}

// New creates an Orchestrator that stages data through s.
func New(s *store.Store, source FetcherSource, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     s,
		source:    source,
		metrics:   metrics.Nop{},
		retry:     backoff.Default(),
		pageDelay: DefaultPageDelay,
		after:     time.After,
		now:       time.Now,
		newID:     func() string { return uuid.Must(uuid.NewV7()).String() },
		log:       slog.Default(),
		active:    make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.retry.Logger == nil {
		o.retry.Logger = o.log
	}
	o.base, o.stop = context.WithCancel(context.Background())
	return o
}

// Close stops background runs at their next suspension point and waits for
// them. Their journal rows stay open so Recover can resume them.
func (o *Orchestrator) Close() {
	o.stop()
	o.wg.Wait()
}

// FullSync runs a full sync in the calling goroutine.
func (o *Orchestrator) FullSync(ctx context.Context, opts FullSyncOptions) (SyncResult, error) {
	run, err := o.newFullRun(ctx, opts)
	if err != nil {
		return SyncResult{}, err
	}
	h := o.register(run.ID, false)
	defer o.unregister(run.ID)
	return o.runFull(ctx, h, run)
}

// StartFullSync journals a full sync and runs it in the background. The run
// outlives ctx; stop it through the returned Handle or Close.
func (o *Orchestrator) StartFullSync(ctx context.Context, opts FullSyncOptions) (*Handle, error) {
	run, err := o.newFullRun(ctx, opts)
	if err != nil {
		return nil, err
	}
	return o.launch(run, false), nil
}

// Signal delivers a control signal to a run owned by this process.
func (o *Orchestrator) Signal(runID string, s Signal) error {
	o.mu.Lock()
	h, ok := o.active[runID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return h.Send(s)
}

// Handle returns the handle of an active run.
func (o *Orchestrator) Handle(runID string) (*Handle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.active[runID]
	return h, ok
}

// Recover resumes journaled full syncs left running or paused by a previous
// process, starting from the entity after the last checkpoint. Paused runs
// come back paused. Interrupted incremental runs are marked failed.
func (o *Orchestrator) Recover(ctx context.Context) ([]*Handle, error) {
	runs, err := o.store.ListWorkflowRuns(ctx, model.WorkflowRunning, model.WorkflowPaused)
	if err != nil {
		return nil, fmt.Errorf("recover sync runs: %w", err)
	}

	var handles []*Handle
	for _, run := range runs {
		if _, ok := o.Handle(run.ID); ok {
			continue
		}
		if run.Kind != model.WorkflowFullSync {
			run.Status = model.WorkflowFailed
			run.UpdatedAt = o.now()
			if err := o.store.SaveWorkflowRun(ctx, run); err != nil {
				o.log.Error("failed to close interrupted run", "run_id", run.ID, "error", err)
			}
			continue
		}
		o.log.Info("resuming full sync",
			"run_id", run.ID,
			"tenant_id", run.TenantID,
			"next_entity", run.NextIndex,
			"entities", len(run.Entities),
			"paused", run.Status == model.WorkflowPaused,
		)
		handles = append(handles, o.launch(run, run.Status == model.WorkflowPaused))
	}
	return handles, nil
}

func (o *Orchestrator) newFullRun(ctx context.Context, opts FullSyncOptions) (model.WorkflowRun, error) {
	if opts.TenantID == "" {
		return model.WorkflowRun{}, errors.New("full sync: tenant id is required")
	}
	known := o.source.Entities()
	entities := opts.Entities
	if len(entities) == 0 {
		entities = known
	}
	for _, e := range entities {
		if !slices.Contains(known, e) {
			return model.WorkflowRun{}, fmt.Errorf("full sync: unknown entity %q", e)
		}
	}

	now := o.now()
	run := model.WorkflowRun{
		ID:        o.newID(),
		Kind:      model.WorkflowFullSync,
		TenantID:  opts.TenantID,
		Status:    model.WorkflowRunning,
		Entities:  slices.Clone(entities),
		Notify:    opts.Notify,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateWorkflowRun(ctx, run); err != nil {
		return model.WorkflowRun{}, fmt.Errorf("full sync: %w", err)
	}
	return run, nil
}

func (o *Orchestrator) launch(run model.WorkflowRun, paused bool) *Handle {
	h := o.register(run.ID, paused)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.unregister(run.ID)
		res, err := o.runFull(o.base, h, run)
		if err != nil && o.base.Err() == nil {
			o.log.Error("full sync failed", "run_id", run.ID, "error", err)
		}
		h.finish(res, err)
	}()
	return h
}

func (o *Orchestrator) register(id string, paused bool) *Handle {
	h := newHandle(id, paused)
	o.mu.Lock()
	o.active[id] = h
	o.mu.Unlock()
	return h
}

func (o *Orchestrator) unregister(id string) {
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
}

// runFull drives run from its checkpoint to a terminal status. When ctx
// ends first the journal row is left open and ctx's error is returned.
func (o *Orchestrator) runFull(ctx context.Context, h *Handle, run model.WorkflowRun) (SyncResult, error) {
	start := o.now()
	log := o.log.With("run_id", run.ID, "tenant_id", run.TenantID)
	log.Info("full sync started", "entities", run.Entities, "from", run.NextIndex)

	boundary := func() error {
		if h.Cancelled() {
			return errCancelled
		}
		if err := o.honourPause(ctx, h, &run); err != nil {
			return err
		}
		if h.Cancelled() {
			return errCancelled
		}
		return nil
	}

	cancelled := false
	for run.NextIndex < len(run.Entities) {
		if err := boundary(); err != nil {
			if errors.Is(err, errCancelled) {
				cancelled = true
				break
			}
			return o.partial(run, start), err
		}

		entity := run.Entities[run.NextIndex]
		res, err := o.syncFullEntity(ctx, run.TenantID, entity, boundary)
		if err != nil {
			// Only a dead context gets here; the entity restarts on recovery.
			return o.partial(run, start), err
		}
		run.Results = append(run.Results, res)
		run.NextIndex++
		run.UpdatedAt = o.now()
		if res.Cancelled {
			cancelled = true
		}
		if err := o.store.SaveWorkflowRun(ctx, run); err != nil {
			return o.partial(run, start), fmt.Errorf("checkpoint full sync: %w", err)
		}
		if cancelled {
			break
		}
	}

	run.Status = model.WorkflowCompleted
	if cancelled {
		run.Status = model.WorkflowCancelled
	}
	run.UpdatedAt = o.now()
	if err := o.store.SaveWorkflowRun(ctx, run); err != nil {
		return o.partial(run, start), fmt.Errorf("finish full sync: %w", err)
	}

	res := SyncResult{
		RunID:         run.ID,
		Success:       !cancelled,
		Cancelled:     cancelled,
		Results:       run.Results,
		TotalDuration: o.now().Sub(start),
	}
	o.metrics.ObserveRun(string(run.Status), res.TotalDuration)
	log.Info("full sync finished", "status", run.Status, "duration", res.TotalDuration)
	if run.Notify {
		o.notify(ctx, run, res)
	}
	return res, nil
}

func (o *Orchestrator) partial(run model.WorkflowRun, start time.Time) SyncResult {
	return SyncResult{RunID: run.ID, Results: run.Results, TotalDuration: o.now().Sub(start)}
}

// honourPause journals a pause, blocks until it ends and journals the
// resumption. A cancel while paused returns nil; the caller rechecks.
func (o *Orchestrator) honourPause(ctx context.Context, h *Handle, run *model.WorkflowRun) error {
	if !h.Paused() {
		return nil
	}
	run.Status = model.WorkflowPaused
	run.UpdatedAt = o.now()
	if err := o.store.SaveWorkflowRun(ctx, *run); err != nil {
		return fmt.Errorf("journal pause: %w", err)
	}
	o.log.Info("full sync paused", "run_id", run.ID, "next_entity", run.NextIndex)

	if err := h.waitWhilePaused(ctx); err != nil {
		return err
	}

	run.Status = model.WorkflowRunning
	run.UpdatedAt = o.now()
	if err := o.store.SaveWorkflowRun(ctx, *run); err != nil {
		return fmt.Errorf("journal resume: %w", err)
	}
	o.log.Info("full sync resumed", "run_id", run.ID)
	return nil
}

// syncFullEntity pages one entity to completion. Entity failures are
// recorded in the returned result and sync state; only a dead context is
// returned as an error.
func (o *Orchestrator) syncFullEntity(ctx context.Context, tenantID, entity string, boundary func() error) (model.EntityResult, error) {
	start := o.now()
	res := model.EntityResult{Entity: entity}
	log := o.log.With("tenant_id", tenantID, "entity", entity, "sync_type", model.SyncTypeFull)

	if err := o.store.MarkSyncRunning(ctx, tenantID, entity); err != nil {
		return res, o.entityFailed(ctx, log, &res, tenantID, entity, model.SyncTypeFull, start, err)
	}

	total, err := o.paginate(ctx, tenantID, entity, nil, boundary)
	res.RecordCount = total
	if err != nil {
		return res, o.entityFailed(ctx, log, &res, tenantID, entity, model.SyncTypeFull, start, err)
	}
	if err := o.store.UpdateSyncStateAt(ctx, tenantID, entity, model.SyncTypeFull, total, start); err != nil {
		return res, o.entityFailed(ctx, log, &res, tenantID, entity, model.SyncTypeFull, start, err)
	}
	if err := o.transform(ctx, tenantID, entity); err != nil {
		return res, o.entityFailed(ctx, log, &res, tenantID, entity, model.SyncTypeFull, start, err)
	}

	res.Duration = o.now().Sub(start)
	o.metrics.ObserveSync(metrics.SyncObservation{Entity: entity, Type: string(model.SyncTypeFull), Records: int(total), Duration: res.Duration})
	log.Info("entity synced", "records", total, "duration", res.Duration)
	return res, nil
}

// entityFailed records err against the entity and returns nil so the run
// continues, unless ctx has ended. An operator cancel is not a failure: the
// entity goes back to idle and no error is recorded.
func (o *Orchestrator) entityFailed(ctx context.Context, log *slog.Logger, res *model.EntityResult, tenantID, entity string, syncType model.SyncType, start time.Time, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	res.Duration = o.now().Sub(start)
	if errors.Is(err, errCancelled) {
		res.Cancelled = true
		if markErr := o.store.MarkSyncIdle(ctx, tenantID, entity); markErr != nil {
			log.Error("failed to release cancelled sync", "error", markErr)
		}
		log.Info("entity sync cancelled", "records", res.RecordCount)
		return nil
	}

	res.Error = err.Error()
	if markErr := o.store.MarkSyncError(ctx, tenantID, entity, err.Error()); markErr != nil {
		log.Error("failed to record sync error", "error", markErr)
	}
	o.metrics.ObserveSync(metrics.SyncObservation{Entity: entity, Type: string(syncType), Records: int(res.RecordCount), Duration: res.Duration, Err: err})
	log.Error("entity sync failed", "records", res.RecordCount, "error", err)
	return nil
}

// paginate fetches every page for an entity and returns the number of
// records fetched. boundary, when set, runs before every page after the
// first and may stop the loop.
func (o *Orchestrator) paginate(ctx context.Context, tenantID, entity string, since *time.Time, boundary func() error) (int64, error) {
	f, err := o.source.Fetcher(tenantID, entity)
	if err != nil {
		return 0, err
	}

	var total int64
	token := ""
	for page := 1; ; page++ {
		if page > 1 && boundary != nil {
			if err := boundary(); err != nil {
				return total, err
			}
		}

		var res servicetitan.FetchResult
		err := backoff.Retry(ctx, o.retry, func(ctx context.Context) error {
			var err error
			res, err = f.Fetch(ctx, since, token)
			return err
		})
		if err != nil {
			return total, fmt.Errorf("fetch page %d: %w", page, err)
		}
		total += int64(res.RecordsFetched)
		if !res.HasMore {
			return total, nil
		}

		token = res.ContinuationToken
		if boundary != nil {
			if err := o.store.SaveSyncCursor(ctx, tenantID, entity, token); err != nil {
				o.log.Warn("failed to save sync cursor", "tenant_id", tenantID, "entity", entity, "error", err)
			}
		}
		if err := o.sleep(ctx, o.pageDelay); err != nil {
			return total, err
		}
	}
}

func (o *Orchestrator) transform(ctx context.Context, tenantID, entity string) error {
	if o.transformer == nil || !o.transformer.Has(entity) {
		return nil
	}
	res, err := o.transformer.Transform(ctx, tenantID, entity)
	if err != nil {
		return fmt.Errorf("transform: %w", err)
	}
	o.log.Debug("entity transformed", "tenant_id", tenantID, "entity", entity, "rows", res.Rows)
	return nil
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-o.after(d):
		return nil
	}
}

func (o *Orchestrator) notify(ctx context.Context, run model.WorkflowRun, res SyncResult) {
	n := o.notifier
	if n == nil {
		n = LogNotifier{Logger: o.log}
	}
	if err := n.Notify(ctx, summarize(run, res)); err != nil {
		o.log.Warn("sync notification failed", "run_id", run.ID, "error", err)
	}
}
