package customers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// LocalProvider keeps customers in the local_customers table. ERP
// customers arrive through SyncFromExternal, which links them by ERP id
// from the master table, and local customers reach the ERP through
// SyncToExternal.
type LocalProvider struct {
	store *store.Store
	api   API
	now   func() time.Time
	log   *slog.Logger
}

func NewLocalProvider(deps Deps) *LocalProvider {
	p := &LocalProvider{store: deps.Store, api: deps.API, now: deps.Now, log: deps.Logger}
	if p.now == nil {
		p.now = time.Now
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

func (p *LocalProvider) GetByID(ctx context.Context, tenantID, id string) (model.Customer, error) {
	c, err := p.store.GetLocalCustomer(ctx, tenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Customer{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, err
}

func (p *LocalProvider) List(ctx context.Context, tenantID string, opts ListOptions) ([]model.Customer, error) {
	out, err := p.store.ListLocalCustomers(ctx, tenantID, opts.Query, opts.limit(), opts.Offset)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.Customer{}
	}
	return out, nil
}

func (p *LocalProvider) Search(ctx context.Context, tenantID, query string, limit int) ([]model.Customer, error) {
	return p.List(ctx, tenantID, ListOptions{Query: query, Limit: limit})
}

func (p *LocalProvider) Count(ctx context.Context, tenantID, query string) (int64, error) {
	return p.store.CountLocalCustomers(ctx, tenantID, query)
}

func (p *LocalProvider) Create(ctx context.Context, c model.Customer) (model.Customer, error) {
	if err := validate(c); err != nil {
		return model.Customer{}, err
	}
	now := p.now().UTC()
	if c.ID == "" {
		c.ID = newID()
	}
	c.CreatedAt, c.UpdatedAt = now, now
	if err := p.store.InsertLocalCustomer(ctx, c); err != nil {
		return model.Customer{}, err
	}
	return c, nil
}

func (p *LocalProvider) Update(ctx context.Context, c model.Customer) (model.Customer, error) {
	if err := validate(c); err != nil {
		return model.Customer{}, err
	}
	existing, err := p.GetByID(ctx, c.TenantID, c.ID)
	if err != nil {
		return model.Customer{}, err
	}
	if c.StID == "" {
		c.StID = existing.StID
	}
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = p.now().UTC()
	if err := p.store.UpdateLocalCustomer(ctx, c); err != nil {
		return model.Customer{}, err
	}
	return c, nil
}

func (p *LocalProvider) Delete(ctx context.Context, tenantID, id string) error {
	err := p.store.DeleteLocalCustomer(ctx, tenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}

// SyncFromExternal links every synced master customer into the local
// table. Existing links keep their local id and take the master values.
func (p *LocalProvider) SyncFromExternal(ctx context.Context, tenantID string) (SyncReport, error) {
	var report SyncReport
	rows, err := p.store.ListMaster(ctx, tenantID, "customers")
	if err != nil {
		return report, fmt.Errorf("sync customers from master: %w", err)
	}
	now := p.now().UTC()
	for _, row := range rows {
		c := fromMaster(tenantID, row)
		if c.Name == "" {
			report.Skipped++
			continue
		}
		c.ID = newID()
		c.CreatedAt, c.UpdatedAt = now, now
		if err := p.store.UpsertLocalCustomerByStID(ctx, c); err != nil {
			return report, err
		}
		report.Updated++
	}
	p.log.Info("customers pulled from master", "tenant_id", tenantID, "linked", report.Updated, "skipped", report.Skipped)
	return report, nil
}

// SyncToExternal creates every unlinked local customer in the ERP and
// stores the returned ERP id. It stops at the first API failure; customers
// already pushed stay linked.
func (p *LocalProvider) SyncToExternal(ctx context.Context, tenantID string) (SyncReport, error) {
	var report SyncReport
	if p.api == nil {
		return report, fmt.Errorf("sync customers to external: %w", ErrUnsupported)
	}
	pending, err := p.store.ListUnlinkedCustomers(ctx, tenantID)
	if err != nil {
		return report, err
	}
	ext := &ExternalProvider{api: p.api, now: p.now, log: p.log}
	for _, c := range pending {
		created, err := ext.Create(ctx, c)
		if err != nil {
			return report, fmt.Errorf("push customer %s: %w", c.ID, err)
		}
		c.StID = created.StID
		c.UpdatedAt = p.now().UTC()
		if err := p.store.UpdateLocalCustomer(ctx, c); err != nil {
			return report, err
		}
		report.Created++
	}
	p.log.Info("customers pushed to ERP", "tenant_id", tenantID, "created", report.Created)
	return report, nil
}

func fromMaster(tenantID string, row model.MasterRow) model.Customer {
	return model.Customer{
		TenantID: tenantID,
		StID:     row.StID(),
		Name:     model.String(row["name"]),
		Email:    model.String(row["email"]),
		Phone:    model.String(row["phone"]),
	}
}
