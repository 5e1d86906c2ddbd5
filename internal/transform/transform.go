// Package transform projects raw staging rows onto the normalized master
// tables. Each entity is one compiled set-based upsert; pricebook categories
// additionally flatten their embedded subcategory trees.
package transform

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/fieldsync/internal/mapping"
	"github.com/roach88/fieldsync/internal/store"
)

// Result summarizes one entity transform.
type Result struct {
	Entity        string        `json:"entity"`
	Rows          int64         `json:"rows"`
	Subcategories int           `json:"subcategories,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// Transformer runs compiled mappings against a store.
type Transformer struct {
	store      *store.Store
	log        *slog.Logger
	mappings   map[string]mapping.Mapping
	statements map[string]mapping.Statement
}

// Option configures a Transformer.
type Option func(*Transformer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transformer) { t.log = l }
}

// WithMappings replaces the default mapping set.
func WithMappings(ms ...mapping.Mapping) Option {
	return func(t *Transformer) {
		t.mappings = make(map[string]mapping.Mapping, len(ms))
		for _, m := range ms {
			t.mappings[m.Entity] = m
		}
	}
}

// New compiles every mapping for the store's dialect. A mapping that fails
// to compile is a programming error and is reported here rather than at the
// first sync.
func New(s *store.Store, opts ...Option) (*Transformer, error) {
	t := &Transformer{store: s, log: slog.Default()}
	WithMappings(DefaultMappings()...)(t)
	for _, opt := range opts {
		opt(t)
	}

	dialect := mapping.Dialect(s.Dialect())
	t.statements = make(map[string]mapping.Statement, len(t.mappings))
	for entity, m := range t.mappings {
		res := mapping.Validate(m)
		for _, w := range res.Warnings {
			t.log.Warn("mapping warning", "entity", entity, "warning", w)
		}
		st, err := mapping.Compile(m, dialect)
		if err != nil {
			return nil, fmt.Errorf("new transformer: %w", err)
		}
		t.statements[entity] = st
	}
	return t, nil
}

// Entities returns the entities with a mapping, sorted.
func (t *Transformer) Entities() []string {
	out := make([]string, 0, len(t.mappings))
	for e := range t.mappings {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Has reports whether entity has a mapping.
func (t *Transformer) Has(entity string) bool {
	_, ok := t.statements[entity]
	return ok
}

// Transform upserts every raw row of entity for tenantID into the master
// table. Running it twice over the same raw rows leaves the master table
// unchanged apart from last_synced_at.
func (t *Transformer) Transform(ctx context.Context, tenantID, entity string) (Result, error) {
	start := time.Now()
	st, ok := t.statements[entity]
	if !ok {
		return Result{}, fmt.Errorf("transform %s: no mapping", entity)
	}
	if err := t.store.EnsureRawTables(ctx, []string{entity}); err != nil {
		return Result{}, fmt.Errorf("transform %s: %w", entity, err)
	}

	syncedAt := store.FormatTime(t.store.Now())
	n, err := t.store.ExecTransform(ctx, st.SQL, st.Args(tenantID, syncedAt)...)
	if err != nil {
		return Result{}, fmt.Errorf("transform %s: %w", entity, err)
	}
	res := Result{Entity: entity, Rows: n}

	if entity == CategoriesEntity {
		nodes, err := t.FlattenCategories(ctx, tenantID)
		if err != nil {
			return res, err
		}
		res.Subcategories = nodes
	}

	if err := t.store.NotifyMasterChanged(ctx, tenantID, entity); err != nil {
		t.log.Warn("master change notification failed", "entity", entity, "error", err)
	}

	res.Duration = time.Since(start)
	t.log.Info("transformed", "tenant", tenantID, "entity", entity, "rows", n, "duration", res.Duration)
	return res, nil
}

// TransformAll transforms each entity in order and stops at the first error.
// An empty list means every mapped entity.
func (t *Transformer) TransformAll(ctx context.Context, tenantID string, entities ...string) ([]Result, error) {
	if len(entities) == 0 {
		entities = t.Entities()
	}
	results := make([]Result, 0, len(entities))
	for _, e := range entities {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		r, err := t.Transform(ctx, tenantID, e)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}
