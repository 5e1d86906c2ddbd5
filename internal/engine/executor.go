package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/fieldsync/internal/backoff"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/trigger"
)

// transition is where a step leaves the run.
type transition struct {
	next    int
	suspend bool
}

// execute is the step loop. The caller holds the run's claim.
func (e *Engine) execute(ctx context.Context, runID string) (model.ExecutionRun, error) {
	run, err := e.GetRun(ctx, runID)
	if err != nil || run.Status.Terminal() {
		return run, err
	}
	log := e.log.With("run_id", run.ID, "rule_id", run.RuleID, "tenant_id", run.TenantID)

	rule, err := e.store.GetRule(ctx, run.RuleID)
	if errors.Is(err, store.ErrNotFound) {
		return e.finish(ctx, log, run, model.RunStatusFailed, e.runtimeError(run, ErrCodeInvalidStep, "rule no longer exists", nil))
	}
	if err != nil {
		return run, err
	}
	rule.SortSteps()

	for {
		idx := run.CurrentStep
		if idx == model.EndOfRun || idx >= len(rule.Steps) {
			return e.finish(ctx, log, run, model.RunStatusCompleted, nil)
		}
		if idx < 0 {
			return e.finish(ctx, log, run, model.RunStatusFailed,
				e.runtimeError(run, ErrCodeInvalidStep, fmt.Sprintf("step index %d out of range", idx), nil))
		}
		if err := checkQuota(run, e.maxSteps); err != nil {
			return e.finish(ctx, log, run, model.RunStatusFailed, err)
		}

		step := rule.Steps[idx]
		t, err := e.step(ctx, log, &run, len(rule.Steps), step)
		var rerr *RuntimeError
		switch {
		case errors.As(err, &rerr):
			return e.finish(ctx, log, run, model.RunStatusFailed, rerr)
		case err != nil:
			// Interrupted or store failure: leave the run as last saved so
			// Recover or ResumeDue re-executes this step.
			return run, err
		}

		if t.suspend {
			log.Info("run suspended", "step", idx, "resume_at", run.ResumeAt)
			return e.checkpoint(ctx, log, run)
		}
		run.StepsTaken++
		run.CurrentStep = t.next
		if run, err = e.checkpoint(ctx, log, run); err != nil || run.Status.Terminal() {
			return run, err
		}
	}
}

// step executes one step and records its result on run.
func (e *Engine) step(ctx context.Context, log *slog.Logger, run *model.ExecutionRun, numSteps int, step model.Step) (transition, error) {
	idx := run.CurrentStep
	next := transition{next: idx + 1}

	switch a := step.Action.(type) {
	case model.Wait:
		now := e.now()
		if run.ResumeAt == nil {
			at, err := ResumeTime(a, now)
			if err != nil {
				return transition{}, e.runtimeError(*run, ErrCodeInvalidStep, "invalid wait", err)
			}
			if at.After(now) {
				run.ResumeAt = &at
				return transition{suspend: true}, nil
			}
		} else if now.Before(*run.ResumeAt) {
			return transition{suspend: true}, nil
		}
		run.ResumeAt = nil
		e.record(run, step, model.OutcomeSuccess, 1, "")
		return next, nil

	case model.Branch:
		state, err := e.entityState(ctx, *run)
		if err != nil {
			return transition{}, err
		}
		ok, err := trigger.Evaluate(a.Condition, state)
		if err != nil {
			return transition{}, e.runtimeError(*run, ErrCodeInvalidStep, "invalid condition", err)
		}
		target := a.OnFalseGoToStep
		if ok {
			target = a.OnTrueGoToStep
		}
		if target != nil {
			if *target != model.EndOfRun && (*target < 0 || *target >= numSteps) {
				return transition{}, e.runtimeError(*run, ErrCodeInvalidStep, fmt.Sprintf("goto target %d out of range", *target), nil)
			}
			next.next = *target
		}
		log.Debug("condition evaluated", "step", idx, "field", a.Condition.Field, "result", ok, "next", next.next)
		e.record(run, step, model.OutcomeSuccess, 1, "")
		return next, nil

	case model.SendMessage, model.UpdateField, model.CreateTask, model.WebhookCall:
		return e.action(ctx, log, run, step)
	}
	return transition{}, e.runtimeError(*run, ErrCodeUnknownStep, fmt.Sprintf("step type %q has no executor", step.Type), nil)
}

// action runs a side-effecting step with up to RetryCount retries.
func (e *Engine) action(ctx context.Context, log *slog.Logger, run *model.ExecutionRun, step model.Step) (transition, error) {
	state, err := e.entityState(ctx, *run)
	if err != nil {
		return transition{}, err
	}
	inv := Invocation{
		RunID:    run.ID,
		RuleID:   run.RuleID,
		TenantID: run.TenantID,
		Step:     run.CurrentStep,
		Key:      fmt.Sprintf("%s-%d", run.ID, run.StepsTaken),
		Event:    run.Event,
		State:    state,
	}

	policy := e.retry
	policy.MaxAttempts = max(step.RetryCount, 0) + 1
	var failures []string
	err = backoff.Retry(ctx, policy, func(ctx context.Context) error {
		err := invoke(ctx, e.actions, inv, step.Action)
		if err != nil {
			failures = append(failures, err.Error())
		}
		return err
	})
	if err != nil && ctx.Err() != nil {
		return transition{}, ctx.Err()
	}
	var exhausted *backoff.ExhaustedError
	if errors.As(err, &exhausted) {
		err = exhausted.Err
	}

	retried := failures
	if err != nil && len(failures) > 0 {
		retried = failures[:len(failures)-1]
	}
	for i, msg := range retried {
		e.record(run, step, model.OutcomeRetried, i+1, msg)
	}
	attempts := len(failures)
	if err == nil {
		attempts++
		e.record(run, step, model.OutcomeSuccess, attempts, "")
		return transition{next: run.CurrentStep + 1}, nil
	}

	e.record(run, step, model.OutcomeFailed, attempts, err.Error())
	if step.ContinueOnError {
		log.Warn("step failed, continuing", "step", run.CurrentStep, "type", step.Type, "attempts", attempts, "error", err)
		return transition{next: run.CurrentStep + 1}, nil
	}
	return transition{}, e.runtimeError(*run, ErrCodeStepFailed, fmt.Sprintf("%s step failed after %d attempts", step.Type, attempts), err)
}

func invoke(ctx context.Context, a Actions, inv Invocation, action model.StepAction) error {
	switch act := action.(type) {
	case model.SendMessage:
		return a.SendMessage(ctx, inv, act)
	case model.UpdateField:
		return a.UpdateField(ctx, inv, act)
	case model.CreateTask:
		return a.CreateTask(ctx, inv, act)
	case model.WebhookCall:
		return a.CallWebhook(ctx, inv, act)
	}
	return backoff.Permanent(fmt.Errorf("no action for %T", action))
}

// entityState is the event payload with the entity's current state written
// over it, so fields changed by earlier steps win.
func (e *Engine) entityState(ctx context.Context, run model.ExecutionRun) (map[string]any, error) {
	current, err := e.store.GetEntityState(ctx, run.TenantID, run.Event.Entity, run.Event.EntityID)
	if err != nil {
		return nil, fmt.Errorf("entity state for run %s: %w", run.ID, err)
	}
	return model.Merge(run.Event.Payload, current), nil
}

func (e *Engine) record(run *model.ExecutionRun, step model.Step, outcome model.StepOutcome, attempts int, msg string) {
	run.StepResults = append(run.StepResults, model.StepResult{
		Index:    run.CurrentStep,
		Type:     step.Type,
		Outcome:  outcome,
		Attempts: attempts,
		Error:    msg,
		At:       e.now(),
	})
}

// checkpoint saves run. If the stored run turned terminal meanwhile (an
// external cancel) the stored state is returned instead.
func (e *Engine) checkpoint(ctx context.Context, log *slog.Logger, run model.ExecutionRun) (model.ExecutionRun, error) {
	run.UpdatedAt = e.now()
	err := e.store.SaveRun(ctx, run)
	if errors.Is(err, store.ErrRunTerminal) {
		stored, gerr := e.GetRun(ctx, run.ID)
		if gerr != nil {
			return run, gerr
		}
		log.Info("run stopped externally", "status", stored.Status)
		return stored, nil
	}
	return run, err
}

// finish moves run to a terminal status and counts the outcome on its rule.
func (e *Engine) finish(ctx context.Context, log *slog.Logger, run model.ExecutionRun, status model.RunStatus, cause error) (model.ExecutionRun, error) {
	run.Status = status
	run.ResumeAt = nil
	if cause != nil {
		run.LastError = cause.Error()
	}
	saved, err := e.checkpoint(ctx, log, run)
	if err != nil || saved.Status != status {
		return saved, err
	}
	if err := e.store.RecordRuleOutcome(ctx, run.RuleID, status == model.RunStatusCompleted); err != nil {
		log.Warn("recording rule outcome", "error", err)
	}
	if cause != nil {
		log.Warn("run failed", "steps_taken", run.StepsTaken, "error", cause)
	} else {
		log.Info("run completed", "steps_taken", run.StepsTaken)
	}
	return saved, nil
}

func (e *Engine) runtimeError(run model.ExecutionRun, code RuntimeErrorCode, msg string, err error) *RuntimeError {
	return &RuntimeError{Code: code, Message: msg, RunID: run.ID, RuleID: run.RuleID, Step: run.CurrentStep, Err: err}
}

// ResumeTime returns when a wait step started at now should resume.
// DelayUntilTime takes precedence over DelayMinutes and is either an
// RFC 3339 timestamp or an "HH:MM" UTC time of day, meaning its next
// occurrence after now.
func ResumeTime(w model.Wait, now time.Time) (time.Time, error) {
	if w.DelayUntilTime != "" {
		if t, err := time.Parse(time.RFC3339, w.DelayUntilTime); err == nil {
			return t, nil
		}
		tod, err := time.Parse("15:04", w.DelayUntilTime)
		if err != nil {
			return time.Time{}, fmt.Errorf("delayUntilTime %q: want RFC 3339 or HH:MM", w.DelayUntilTime)
		}
		n := now.UTC()
		at := time.Date(n.Year(), n.Month(), n.Day(), tod.Hour(), tod.Minute(), 0, 0, time.UTC)
		if !at.After(n) {
			at = at.AddDate(0, 0, 1)
		}
		return at, nil
	}
	if w.DelayMinutes < 0 {
		return time.Time{}, fmt.Errorf("delayMinutes %d is negative", w.DelayMinutes)
	}
	return now.Add(time.Duration(w.DelayMinutes) * time.Minute), nil
}
