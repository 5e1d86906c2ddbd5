package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/fieldsync/internal/metrics"
	"github.com/roach88/fieldsync/internal/model"
)

// IncrementalSync fetches records modified since each entity's watermark.
//
// Entities without a completed full sync are skipped without calling their
// fetcher. An entity that fetched nothing keeps its sync state as it was.
// Entity failures are recorded and the remaining entities still run.
func (o *Orchestrator) IncrementalSync(ctx context.Context, tenantID string) (SyncResult, error) {
	if tenantID == "" {
		return SyncResult{}, fmt.Errorf("incremental sync: tenant id is required")
	}
	start := o.now()
	run := model.WorkflowRun{
		ID:        o.newID(),
		Kind:      model.WorkflowIncrementalSync,
		TenantID:  tenantID,
		Status:    model.WorkflowRunning,
		Entities:  o.source.Entities(),
		CreatedAt: start,
		UpdatedAt: start,
	}
	if err := o.store.CreateWorkflowRun(ctx, run); err != nil {
		return SyncResult{}, fmt.Errorf("incremental sync: %w", err)
	}

	for _, entity := range run.Entities {
		res, err := o.syncIncrementalEntity(ctx, tenantID, entity)
		if err != nil {
			return SyncResult{RunID: run.ID, Results: run.Results, TotalDuration: o.now().Sub(start)}, err
		}
		run.Results = append(run.Results, res)
		run.NextIndex++
	}

	run.Status = model.WorkflowCompleted
	run.UpdatedAt = o.now()
	if err := o.store.SaveWorkflowRun(ctx, run); err != nil {
		return SyncResult{}, fmt.Errorf("incremental sync: %w", err)
	}
	res := SyncResult{
		RunID:         run.ID,
		Success:       true,
		Results:       run.Results,
		TotalDuration: o.now().Sub(start),
	}
	o.metrics.ObserveRun(string(run.Status), res.TotalDuration)
	return res, nil
}

func (o *Orchestrator) syncIncrementalEntity(ctx context.Context, tenantID, entity string) (model.EntityResult, error) {
	start := o.now()
	res := model.EntityResult{Entity: entity}
	log := o.log.With("tenant_id", tenantID, "entity", entity, "sync_type", model.SyncTypeIncremental)

	st, err := o.store.GetSyncState(ctx, tenantID, entity)
	if err != nil {
		return res, o.entityFailed(ctx, log, &res, tenantID, entity, model.SyncTypeIncremental, start, err)
	}
	since := st.Watermark()
	if since == nil {
		res.Skipped = true
		res.Error = ErrNeverSynced.Error()
		log.Debug("skipping entity", "reason", ErrNeverSynced)
		return res, nil
	}

	total, err := o.paginate(ctx, tenantID, entity, since, nil)
	res.RecordCount = total
	if err != nil {
		return res, o.entityFailed(ctx, log, &res, tenantID, entity, model.SyncTypeIncremental, start, err)
	}
	if total > 0 {
		if err := o.store.UpdateSyncStateAt(ctx, tenantID, entity, model.SyncTypeIncremental, total, start); err != nil {
			return res, o.entityFailed(ctx, log, &res, tenantID, entity, model.SyncTypeIncremental, start, err)
		}
		if err := o.transform(ctx, tenantID, entity); err != nil {
			return res, o.entityFailed(ctx, log, &res, tenantID, entity, model.SyncTypeIncremental, start, err)
		}
	}

	res.Duration = o.now().Sub(start)
	o.metrics.ObserveSync(metrics.SyncObservation{Entity: entity, Type: string(model.SyncTypeIncremental), Records: int(total), Duration: res.Duration})
	log.Info("entity synced", "records", total, "since", since.Format(time.RFC3339), "duration", res.Duration)
	return res, nil
}

// RunIncrementalLoop runs IncrementalSync immediately and then every
// interval until ctx ends. Failed passes are logged and the loop continues.
func (o *Orchestrator) RunIncrementalLoop(ctx context.Context, tenantID string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("incremental loop: interval must be positive, got %s", interval)
	}
	o.log.Info("incremental sync loop starting", "tenant_id", tenantID, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := o.IncrementalSync(ctx, tenantID); err != nil && ctx.Err() == nil {
			o.log.Error("incremental sync failed", "tenant_id", tenantID, "error", err)
		}
		select {
		case <-ctx.Done():
			o.log.Info("incremental sync loop stopping", "tenant_id", tenantID)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
