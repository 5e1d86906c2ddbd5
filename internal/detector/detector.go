// Package detector turns changes in master rows into workflow events.
//
// Each poll reads the rows synced since the entity's detector cursor,
// compares them with the last observation of the same row, publishes the
// resulting events and only then stores the new observations and cursor.
// A crash between the two repeats events rather than losing them.
//
// The first poll of an entity records a baseline without emitting events,
// so enabling the detector on a populated store does not replay history.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/fieldsync/internal/events"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// Change is one master row as seen by a poll.
type Change struct {
	Row      model.MasterRow
	Previous store.Observation
	Seen     bool
	Now      time.Time
}

// Watch detects events for one entity.
type Watch struct {
	Entity string

	// Detect returns the events a change produces and the observation to
	// store for the row.
	Detect func(c Change) ([]string, store.Observation)

	// Sweep, when set, returns extra rows to examine on every poll that
	// may have become interesting without being re-synced.
	Sweep func(ctx context.Context, s *store.Store, tenantID string, now time.Time) ([]model.MasterRow, error)
}

// Detector polls master tables for a set of watches.
type Detector struct {
	store     *store.Store
	publisher events.Publisher
	watches   []Watch
	now       func() time.Time
	log       *slog.Logger
}

// Option configures a Detector.
type Option func(*Detector)

func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithWatches replaces DefaultWatches.
func WithWatches(ws ...Watch) Option {
	return func(d *Detector) { d.watches = ws }
}

// New creates a Detector that publishes to p.
func New(s *store.Store, p events.Publisher, opts ...Option) *Detector {
	d := &Detector{
		store:     s,
		publisher: p,
		watches:   DefaultWatches(),
		now:       time.Now,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Poll examines every watched entity once for a tenant and returns the
// events it published.
func (d *Detector) Poll(ctx context.Context, tenantID string) ([]model.WorkflowEvent, error) {
	var all []model.WorkflowEvent
	for _, w := range d.watches {
		evs, err := d.pollEntity(ctx, tenantID, w)
		all = append(all, evs...)
		if err != nil {
			return all, err
		}
	}
	return all, nil
}

func (d *Detector) pollEntity(ctx context.Context, tenantID string, w Watch) ([]model.WorkflowEvent, error) {
	now := d.now()
	cursor, err := d.store.DetectorCursor(ctx, tenantID, w.Entity)
	if err != nil {
		return nil, err
	}
	baseline := cursor == ""

	rows, err := d.store.ListMasterSince(ctx, tenantID, w.Entity, cursor)
	if err != nil {
		return nil, err
	}
	next := cursor
	for _, row := range rows {
		if at := model.String(row["last_synced_at"]); at > next {
			next = at
		}
	}
	if w.Sweep != nil && !baseline {
		extra, err := w.Sweep(ctx, d.store, tenantID, now)
		if err != nil {
			return nil, fmt.Errorf("sweep %s: %w", w.Entity, err)
		}
		rows = append(rows, extra...)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.StID())
	}
	prev, err := d.store.Observations(ctx, tenantID, w.Entity, ids)
	if err != nil {
		return nil, err
	}

	var published []model.WorkflowEvent
	observed := make(map[string]store.Observation, len(rows))
	for _, row := range rows {
		id := row.StID()
		if _, dup := observed[id]; dup {
			continue
		}
		p, seen := prev[id]
		names, obs := w.Detect(Change{Row: row, Previous: p, Seen: seen, Now: now})
		observed[id] = obs
		if baseline {
			continue
		}
		for _, name := range names {
			ev := model.WorkflowEvent{
				Name:     name,
				TenantID: tenantID,
				Entity:   w.Entity,
				EntityID: id,
				Payload:  map[string]any(row),
			}
			if err := d.publisher.Publish(ctx, ev); err != nil {
				return published, fmt.Errorf("publish %s for %s/%s: %w", name, w.Entity, id, err)
			}
			published = append(published, ev)
		}
	}

	if err := d.store.SaveObservations(ctx, tenantID, w.Entity, observed, next); err != nil {
		return published, err
	}
	if baseline {
		d.log.Info("detector baseline recorded", "tenant_id", tenantID, "entity", w.Entity, "rows", len(observed))
	} else if len(published) > 0 {
		d.log.Info("events detected", "tenant_id", tenantID, "entity", w.Entity, "events", len(published))
	}
	return published, nil
}

// Run polls every tenant each interval until ctx ends. On Postgres a
// master-change notification triggers an early poll.
func (d *Detector) Run(ctx context.Context, tenantIDs []string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("detector: interval must be positive, got %s", interval)
	}
	wake, err := d.store.ListenMasterChanges(ctx)
	if err != nil {
		d.log.Warn("change notifications unavailable, polling only", "error", err)
		wake = nil
	}

	d.log.Info("detector starting", "tenants", tenantIDs, "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for _, tenantID := range tenantIDs {
			if _, err := d.Poll(ctx, tenantID); err != nil && ctx.Err() == nil {
				d.log.Error("detector poll failed", "tenant_id", tenantID, "error", err)
			}
		}
		select {
		case <-ctx.Done():
			d.log.Info("detector stopping")
			return ctx.Err()
		case <-ticker.C:
		case payload, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			d.log.Debug("master change notification", "payload", payload)
		}
	}
}

func statusOf(row model.MasterRow) string {
	return strings.TrimSpace(model.String(row["status"]))
}
