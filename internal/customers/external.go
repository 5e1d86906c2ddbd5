package customers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/servicetitan"
)

// API is the subset of *servicetitan.Client the external provider uses.
type API interface {
	Get(ctx context.Context, path string, query url.Values, out any) error
	Post(ctx context.Context, path string, body, out any) error
	Patch(ctx context.Context, path string, body, out any) error
}

const customersPath = "/crm/v2/tenant/%s/customers"

// ExternalProvider reads and writes customers directly in the ERP. Ids
// are ERP customer ids. The ERP does not delete customers, and it is the
// source of truth, so both sync directions are no-ops.
type ExternalProvider struct {
	api API
	now func() time.Time
	log *slog.Logger
}

func NewExternalProvider(deps Deps) *ExternalProvider {
	p := &ExternalProvider{api: deps.API, now: deps.Now, log: deps.Logger}
	if p.now == nil {
		p.now = time.Now
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

// apiCustomer is the ERP's customer document.
type apiCustomer struct {
	ID         json64 `json:"id,omitempty"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phoneNumber,omitempty"`
	CreatedOn  string `json:"createdOn,omitempty"`
	ModifiedOn string `json:"modifiedOn,omitempty"`
}

type apiPage struct {
	Data       []apiCustomer `json:"data"`
	TotalCount *int64        `json:"totalCount"`
}

// json64 accepts ERP ids encoded as numbers or strings.
type json64 string

func (j *json64) UnmarshalJSON(b []byte) error {
	*j = json64(strings.Trim(string(b), `"`))
	return nil
}

func (j json64) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(j), 10, 64); err == nil {
		return []byte(j), nil
	}
	return []byte(strconv.Quote(string(j))), nil
}

func (c apiCustomer) toModel(tenantID string) model.Customer {
	out := model.Customer{
		ID:       string(c.ID),
		TenantID: tenantID,
		StID:     string(c.ID),
		Name:     c.Name,
		Email:    c.Email,
		Phone:    c.Phone,
	}
	out.CreatedAt, _ = time.Parse(time.RFC3339Nano, c.CreatedOn)
	out.UpdatedAt, _ = time.Parse(time.RFC3339Nano, c.ModifiedOn)
	return out
}

func path(tenantID string, elem ...string) string {
	p := fmt.Sprintf(customersPath, url.PathEscape(tenantID))
	for _, e := range elem {
		p += "/" + url.PathEscape(e)
	}
	return p
}

func (p *ExternalProvider) GetByID(ctx context.Context, tenantID, id string) (model.Customer, error) {
	var c apiCustomer
	if err := p.api.Get(ctx, path(tenantID, id), nil, &c); err != nil {
		return model.Customer{}, notFound(err, id)
	}
	return c.toModel(tenantID), nil
}

func (p *ExternalProvider) List(ctx context.Context, tenantID string, opts ListOptions) ([]model.Customer, error) {
	page, err := p.page(ctx, tenantID, opts, false)
	if err != nil {
		return nil, err
	}
	out := make([]model.Customer, 0, len(page.Data))
	for _, c := range page.Data {
		out = append(out, c.toModel(tenantID))
	}
	return out, nil
}

func (p *ExternalProvider) Search(ctx context.Context, tenantID, query string, limit int) ([]model.Customer, error) {
	return p.List(ctx, tenantID, ListOptions{Query: query, Limit: limit})
}

func (p *ExternalProvider) Count(ctx context.Context, tenantID, query string) (int64, error) {
	page, err := p.page(ctx, tenantID, ListOptions{Query: query, Limit: 1}, true)
	if err != nil {
		return 0, err
	}
	if page.TotalCount == nil {
		return 0, fmt.Errorf("count customers: response has no totalCount")
	}
	return *page.TotalCount, nil
}

// page maps offset paging onto the API's 1-based page numbers. Offsets
// that are not a multiple of the limit round down to a page boundary.
func (p *ExternalProvider) page(ctx context.Context, tenantID string, opts ListOptions, total bool) (apiPage, error) {
	limit := opts.limit()
	q := url.Values{}
	q.Set("page", strconv.Itoa(opts.Offset/limit+1))
	q.Set("pageSize", strconv.Itoa(limit))
	if opts.Query != "" {
		q.Set("name", opts.Query)
	}
	if total {
		q.Set("includeTotal", "true")
	}
	var page apiPage
	if err := p.api.Get(ctx, path(tenantID), q, &page); err != nil {
		return apiPage{}, fmt.Errorf("list customers: %w", err)
	}
	return page, nil
}

func (p *ExternalProvider) Create(ctx context.Context, c model.Customer) (model.Customer, error) {
	if err := validate(c); err != nil {
		return model.Customer{}, err
	}
	var out apiCustomer
	in := apiCustomer{Name: c.Name, Email: c.Email, Phone: c.Phone}
	if err := p.api.Post(ctx, path(c.TenantID), in, &out); err != nil {
		return model.Customer{}, fmt.Errorf("create customer: %w", err)
	}
	if out.ID == "" {
		return model.Customer{}, fmt.Errorf("create customer: response has no id")
	}
	return out.toModel(c.TenantID), nil
}

func (p *ExternalProvider) Update(ctx context.Context, c model.Customer) (model.Customer, error) {
	if err := validate(c); err != nil {
		return model.Customer{}, err
	}
	id := c.StID
	if id == "" {
		id = c.ID
	}
	var out apiCustomer
	in := apiCustomer{Name: c.Name, Email: c.Email, Phone: c.Phone}
	if err := p.api.Patch(ctx, path(c.TenantID, id), in, &out); err != nil {
		return model.Customer{}, notFound(err, id)
	}
	return out.toModel(c.TenantID), nil
}

func (p *ExternalProvider) Delete(context.Context, string, string) error {
	return fmt.Errorf("delete customer: %w", ErrUnsupported)
}

func (p *ExternalProvider) SyncFromExternal(context.Context, string) (SyncReport, error) {
	return SyncReport{}, nil
}

func (p *ExternalProvider) SyncToExternal(context.Context, string) (SyncReport, error) {
	return SyncReport{}, nil
}

func notFound(err error, id string) error {
	var apiErr *servicetitan.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}
