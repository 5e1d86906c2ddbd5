package servicetitan

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// PagingMode selects how an endpoint continues past the first page.
type PagingMode int

const (
	// PageNumbered endpoints take page/pageSize; the token is the next
	// page number.
	PageNumbered PagingMode = iota

	// Export endpoints return an opaque continueFrom token.
	Export
)

// EntitySpec maps an entity name onto its API endpoint.
type EntitySpec struct {
	Name string

	// Path may contain "{tenant}", replaced with the tenant id.
	Path   string
	Paging PagingMode
}

// DefaultEntities returns the synced entities in sync order. Customers come
// first so master foreign keys resolve by the time jobs are transformed.
func DefaultEntities() []EntitySpec {
	return []EntitySpec{
		{Name: "customers", Path: "/crm/v2/tenant/{tenant}/customers"},
		{Name: "jobs", Path: "/jpm/v2/tenant/{tenant}/jobs"},
		{Name: "invoices", Path: "/accounting/v2/tenant/{tenant}/invoices"},
		{Name: "estimates", Path: "/sales/v2/tenant/{tenant}/estimates"},
		{Name: "pricebook_categories", Path: "/pricebook/v2/tenant/{tenant}/categories"},
		{Name: "pricebook_materials", Path: "/pricebook/v2/tenant/{tenant}/export/materials", Paging: Export},
		{Name: "pricebook_services", Path: "/pricebook/v2/tenant/{tenant}/export/services", Paging: Export},
		{Name: "pricebook_equipment", Path: "/pricebook/v2/tenant/{tenant}/export/equipment", Paging: Export},
	}
}

// EntityNames returns the names of specs in order.
func EntityNames(specs []EntitySpec) []string {
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.Name
	}
	return out
}

// LookupEntity finds a spec by name.
func LookupEntity(specs []EntitySpec, name string) (EntitySpec, bool) {
	for _, s := range specs {
		if s.Name == name {
			return s, true
		}
	}
	return EntitySpec{}, false
}

// PageRequest selects one page of an entity.
type PageRequest struct {
	TenantID      string
	Token         string
	ModifiedSince *time.Time
}

// Page is one decoded page of records.
type Page struct {
	Records []json.RawMessage
	HasMore bool
	Next    string
}

type pageEnvelope struct {
	Page         int               `json:"page"`
	PageSize     int               `json:"pageSize"`
	HasMore      bool              `json:"hasMore"`
	ContinueFrom string            `json:"continueFrom"`
	Data         []json.RawMessage `json:"data"`
}

// ListPage fetches one page of spec for req.
func (c *Client) ListPage(ctx context.Context, spec EntitySpec, req PageRequest) (Page, error) {
	path := strings.ReplaceAll(spec.Path, "{tenant}", url.PathEscape(req.TenantID))
	q := url.Values{}
	if req.ModifiedSince != nil {
		q.Set("modifiedOnOrAfter", req.ModifiedSince.UTC().Format(time.RFC3339))
	}

	page := 1
	switch spec.Paging {
	case Export:
		if req.Token != "" {
			q.Set("from", req.Token)
		}
	default:
		if req.Token != "" {
			n, err := strconv.Atoi(req.Token)
			if err != nil || n < 1 {
				return Page{}, fmt.Errorf("list %s: invalid page token %q", spec.Name, req.Token)
			}
			page = n
		}
		q.Set("page", strconv.Itoa(page))
		q.Set("pageSize", strconv.Itoa(c.pageSize))
	}

	var env pageEnvelope
	if err := c.Get(ctx, path, q, &env); err != nil {
		return Page{}, fmt.Errorf("list %s: %w", spec.Name, err)
	}

	out := Page{Records: env.Data, HasMore: env.HasMore}
	if out.HasMore {
		if spec.Paging == Export {
			out.Next = env.ContinueFrom
			if out.Next == "" {
				return Page{}, fmt.Errorf("list %s: hasMore without continueFrom", spec.Name)
			}
		} else {
			out.Next = strconv.Itoa(page + 1)
		}
	}
	return out, nil
}
