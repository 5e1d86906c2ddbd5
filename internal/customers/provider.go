// Package customers serves customer records from either the local store
// or the ERP API behind one interface, selected at startup.
package customers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

var (
	// ErrNotFound is returned for an unknown customer id.
	ErrNotFound = errors.New("customer not found")

	// ErrUnsupported is returned for operations a provider cannot perform.
	ErrUnsupported = errors.New("operation not supported by provider")

	// ErrInvalid is returned for a customer without a name or tenant.
	ErrInvalid = errors.New("invalid customer")
)

// Kind names a provider implementation.
type Kind string

const (
	KindLocal    Kind = "local"
	KindExternal Kind = "external"
)

// DefaultPageSize is used when ListOptions.Limit is not positive.
const DefaultPageSize = 50

// ListOptions pages and filters List. Query matches name, email or phone.
type ListOptions struct {
	Query  string
	Limit  int
	Offset int
}

func (o ListOptions) limit() int {
	if o.Limit <= 0 {
		return DefaultPageSize
	}
	return o.Limit
}

// SyncReport counts what a sync between local and external records did.
type SyncReport struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// Provider is the customer data source used by the application.
type Provider interface {
	GetByID(ctx context.Context, tenantID, id string) (model.Customer, error)
	List(ctx context.Context, tenantID string, opts ListOptions) ([]model.Customer, error)
	Search(ctx context.Context, tenantID, query string, limit int) ([]model.Customer, error)
	Count(ctx context.Context, tenantID, query string) (int64, error)
	Create(ctx context.Context, c model.Customer) (model.Customer, error)
	Update(ctx context.Context, c model.Customer) (model.Customer, error)
	Delete(ctx context.Context, tenantID, id string) error

	// SyncFromExternal pulls ERP customers into the provider's records.
	SyncFromExternal(ctx context.Context, tenantID string) (SyncReport, error)

	// SyncToExternal pushes records the ERP does not know yet.
	SyncToExternal(ctx context.Context, tenantID string) (SyncReport, error)
}

// Deps carries what the providers may need. LocalProvider needs Store;
// ExternalProvider needs API. LocalProvider pushes through API when set.
type Deps struct {
	Store  *store.Store
	API    API
	Now    func() time.Time
	Logger *slog.Logger
}

// New returns the provider named by kind. An empty kind means local.
func New(kind Kind, deps Deps) (Provider, error) {
	switch kind {
	case "", KindLocal:
		if deps.Store == nil {
			return nil, fmt.Errorf("customers: local provider requires a store")
		}
		return NewLocalProvider(deps), nil
	case KindExternal:
		if deps.API == nil {
			return nil, fmt.Errorf("customers: external provider requires an API client")
		}
		return NewExternalProvider(deps), nil
	default:
		return nil, fmt.Errorf("customers: unknown provider %q", kind)
	}
}

func validate(c model.Customer) error {
	if c.TenantID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalid)
	}
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	return nil
}

func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
