package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/fieldsync/internal/backoff"
	"github.com/roach88/fieldsync/internal/events"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

const (
	DefaultWorkers        = 4
	DefaultResumeInterval = 30 * time.Second

	// resumeBatch caps the due runs picked up per ResumeDue call.
	resumeBatch = 100
)

// Matcher selects the rules an event activates.
type Matcher interface {
	Match(ctx context.Context, ev model.WorkflowEvent) ([]model.AutomationRule, error)
}

// Engine matches events to rules and executes the resulting runs.
//
// Thread-safety model:
//   - Enqueue, Cancel, Execute and Dispatch may be called from any goroutine.
//   - Run must be called from exactly one goroutine.
//   - A run executes in at most one goroutine at a time.
type Engine struct {
	store   *store.Store
	matcher Matcher
	actions Actions
	queue   *eventQueue

	maxSteps       int
	workers        int
	resumeInterval time.Duration
	retry          backoff.Policy
	now            func() time.Time
	newID          func() string
	log            *slog.Logger

	sem    chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMaxSteps sets the per-run step quota. Zero disables it.
func WithMaxSteps(n int) Option {
	return func(e *Engine) { e.maxSteps = n }
}

// WithWorkers bounds how many runs execute concurrently under Run.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithResumeInterval sets how often Run looks for due wait steps.
func WithResumeInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.resumeInterval = d
		}
	}
}

// WithRetry sets the backoff between attempts of a failing action step.
// MaxAttempts is ignored; each step's RetryCount decides.
func WithRetry(p backoff.Policy) Option {
	return func(e *Engine) { e.retry = p }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDs replaces the UUIDv7 run id generator.
func WithIDs(next func() string) Option {
	return func(e *Engine) { e.newID = next }
}

// New creates an Engine.
func New(s *store.Store, m Matcher, a Actions, opts ...Option) *Engine {
	e := &Engine{
		store:          s,
		matcher:        m,
		actions:        a,
		queue:          newEventQueue(),
		maxSteps:       DefaultMaxSteps,
		workers:        DefaultWorkers,
		resumeInterval: DefaultResumeInterval,
		retry: backoff.Policy{
			Initial: time.Second,
			Factor:  2,
			Max:     30 * time.Second,
		},
		now:    time.Now,
		newID:  func() string { return uuid.Must(uuid.NewV7()).String() },
		log:    slog.Default(),
		active: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sem = make(chan struct{}, e.workers)
	return e
}

// Enqueue submits an event to the dispatch loop. It stamps a missing id
// and occurrence time.
func (e *Engine) Enqueue(ev model.WorkflowEvent) error {
	if ev.ID == "" {
		ev.ID = e.newID()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.now().UTC()
	}
	if !e.queue.Enqueue(ev) {
		return ErrStopped
	}
	return nil
}

// Handler adapts Enqueue for registration on an events.Bus.
func (e *Engine) Handler() events.Handler {
	return func(_ context.Context, ev model.WorkflowEvent) {
		if err := e.Enqueue(ev); err != nil {
			e.log.Warn("dropping event", "event", ev.Name, "tenant_id", ev.TenantID, "error", err)
		}
	}
}

// Run is the dispatch loop. It first resumes runs a previous process left
// mid-step, then processes queued events in order and periodically picks
// up due wait steps. Runs execute on the worker pool.
//
// Dispatch failures are logged and the loop continues. Run returns when
// ctx ends or Stop is called, after in-flight runs have returned; runs
// stopped mid-step are resumed by the next Run.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine starting", "workers", e.workers, "max_steps", e.maxSteps)
	defer e.wg.Wait()

	if _, err := e.recoverRuns(ctx, e.submit); err != nil {
		e.log.Error("recovering interrupted runs", "error", err)
	}
	if _, err := e.resumeDue(ctx, e.submit); err != nil {
		e.log.Error("resuming due runs", "error", err)
	}

	ticker := time.NewTicker(e.resumeInterval)
	defer ticker.Stop()
	for {
		if ev, ok := e.queue.TryDequeue(); ok {
			runs, err := e.CreateRuns(ctx, ev)
			if err != nil {
				e.log.Error("dispatching event", "event", ev.Name, "event_id", ev.ID, "tenant_id", ev.TenantID, "error", err)
			}
			for _, run := range runs {
				e.submit(ctx, run.ID)
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.log.Info("engine stopping")
			e.queue.Close()
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.resumeDue(ctx, e.submit); err != nil && ctx.Err() == nil {
				e.log.Error("resuming due runs", "error", err)
			}
		case _, ok := <-e.queue.Wait():
			if !ok && e.queue.Len() == 0 {
				e.log.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the queue. Run returns once it has drained.
func (e *Engine) Stop() {
	e.queue.Close()
}

// CreateRuns matches ev and persists one running ExecutionRun per matched
// rule, counting the run on the rule. Runs are not executed.
func (e *Engine) CreateRuns(ctx context.Context, ev model.WorkflowEvent) ([]model.ExecutionRun, error) {
	rules, err := e.matcher.Match(ctx, ev)
	if err != nil {
		return nil, err
	}
	var runs []model.ExecutionRun
	for _, rule := range rules {
		now := e.now()
		run := model.ExecutionRun{
			ID:          e.newID(),
			RuleID:      rule.ID,
			TenantID:    ev.TenantID,
			Event:       ev,
			Status:      model.RunStatusRunning,
			StepResults: []model.StepResult{},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.store.CreateRun(ctx, run); err != nil {
			return runs, err
		}
		if err := e.store.RecordRuleRun(ctx, rule.ID, now); err != nil {
			e.log.Warn("recording rule run", "rule_id", rule.ID, "error", err)
		}
		e.log.Info("run created", "run_id", run.ID, "rule_id", rule.ID, "event", ev.Name, "tenant_id", ev.TenantID)
		runs = append(runs, run)
	}
	return runs, nil
}

// Dispatch creates the runs for ev and executes each of them in the
// calling goroutine until it completes, fails or suspends.
func (e *Engine) Dispatch(ctx context.Context, ev model.WorkflowEvent) ([]model.ExecutionRun, error) {
	runs, err := e.CreateRuns(ctx, ev)
	if err != nil {
		return nil, err
	}
	out := make([]model.ExecutionRun, 0, len(runs))
	for _, run := range runs {
		done, err := e.Execute(ctx, run.ID)
		if err != nil {
			return out, err
		}
		out = append(out, done)
	}
	return out, nil
}

// Execute advances a run until it completes, fails or suspends, and
// returns its final state. A failed run is not an error: its Status and
// LastError say why. If the run is already executing elsewhere its stored
// state is returned unchanged.
func (e *Engine) Execute(ctx context.Context, runID string) (model.ExecutionRun, error) {
	runCtx, ok := e.claim(ctx, runID)
	if !ok {
		return e.GetRun(ctx, runID)
	}
	defer e.release(runID)
	run, err := e.execute(runCtx, runID)
	if err != nil && runCtx.Err() != nil && ctx.Err() == nil {
		// Interrupted by Cancel rather than by the caller.
		return e.GetRun(ctx, runID)
	}
	return run, err
}

// ResumeDue executes every run whose wait step is due, in the calling
// goroutine, and returns how many it picked up.
func (e *Engine) ResumeDue(ctx context.Context) (int, error) {
	return e.resumeDue(ctx, e.executeLogged)
}

// Recover executes runs that a stopped process left mid-step.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	return e.recoverRuns(ctx, e.executeLogged)
}

// Cancel marks a non-terminal run cancelled and interrupts it if it is
// executing. Suspended runs never resume.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	ok, err := e.store.CancelRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunFinished, runID)
	}
	e.mu.Lock()
	cancel := e.active[runID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.log.Info("run cancelled", "run_id", runID)
	return nil
}

// GetRun returns a stored run or ErrRunNotFound.
func (e *Engine) GetRun(ctx context.Context, runID string) (model.ExecutionRun, error) {
	run, err := e.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return run, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, err
}

func (e *Engine) resumeDue(ctx context.Context, exec func(context.Context, string)) (int, error) {
	runs, err := e.store.ListDueRuns(ctx, e.now(), resumeBatch)
	if err != nil {
		return 0, err
	}
	for _, run := range runs {
		exec(ctx, run.ID)
	}
	return len(runs), nil
}

func (e *Engine) recoverRuns(ctx context.Context, exec func(context.Context, string)) (int, error) {
	runs, err := e.store.ListInterruptedRuns(ctx)
	if err != nil {
		return 0, err
	}
	if len(runs) > 0 {
		e.log.Info("recovering interrupted runs", "count", len(runs))
	}
	for _, run := range runs {
		exec(ctx, run.ID)
	}
	return len(runs), nil
}

func (e *Engine) executeLogged(ctx context.Context, runID string) {
	if _, err := e.Execute(ctx, runID); err != nil && ctx.Err() == nil {
		e.log.Error("executing run", "run_id", runID, "error", err)
	}
}

// submit hands a run to the worker pool, blocking while every worker is
// busy. Runs already executing are skipped.
func (e *Engine) submit(ctx context.Context, runID string) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	runCtx, ok := e.claim(ctx, runID)
	if !ok {
		<-e.sem
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.sem }()
		defer e.release(runID)
		if _, err := e.execute(runCtx, runID); err != nil && runCtx.Err() == nil {
			e.log.Error("executing run", "run_id", runID, "error", err)
		}
	}()
}

func (e *Engine) claim(ctx context.Context, runID string) (context.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.active[runID]; busy {
		return nil, false
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.active[runID] = cancel
	return runCtx, true
}

func (e *Engine) release(runID string) {
	e.mu.Lock()
	cancel := e.active[runID]
	delete(e.active, runID)
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
