package detector

import (
	"context"
	"strings"
	"time"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// Statuses that count as an approved estimate.
var approvedStatuses = []string{"Sold", "Approved"}

const completedStatus = "Completed"

// DefaultWatches returns the estimate, job and invoice watches.
func DefaultWatches() []Watch {
	return []Watch{EstimateWatch(), JobWatch(IsInstallJob), InvoiceWatch()}
}

// EstimateWatch emits estimate_created for new rows and estimate_approved
// when the status moves into an approved status.
func EstimateWatch() Watch {
	return Watch{
		Entity: "estimates",
		Detect: func(c Change) ([]string, store.Observation) {
			status := statusOf(c.Row)
			var out []string
			if !c.Seen {
				out = append(out, model.EventEstimateCreated)
			}
			if isApproved(status) && (!c.Seen || !isApproved(c.Previous.Status)) {
				out = append(out, model.EventEstimateApproved)
			}
			return out, store.Observation{Status: status}
		},
	}
}

// JobWatch emits job_completed when a job's status moves to Completed and
// install_job_created for new jobs install reports true for.
func JobWatch(install func(model.MasterRow) bool) Watch {
	return Watch{
		Entity: "jobs",
		Detect: func(c Change) ([]string, store.Observation) {
			status := statusOf(c.Row)
			var out []string
			if !c.Seen && install != nil && install(c.Row) {
				out = append(out, model.EventInstallJobCreated)
			}
			if strings.EqualFold(status, completedStatus) && (!c.Seen || !strings.EqualFold(c.Previous.Status, completedStatus)) {
				out = append(out, model.EventJobCompleted)
			}
			return out, store.Observation{Status: status}
		},
	}
}

// IsInstallJob matches jobs whose type name mentions an install.
func IsInstallJob(row model.MasterRow) bool {
	return strings.Contains(strings.ToLower(model.String(row["job_type_name"])), "install")
}

// InvoiceWatch emits invoice_overdue the first time an invoice is seen
// with an open balance past its due date. An invoice that is paid and
// later falls overdue again emits again.
func InvoiceWatch() Watch {
	return Watch{
		Entity: "invoices",
		Detect: func(c Change) ([]string, store.Observation) {
			overdue := isOverdue(c.Row, c.Now)
			obs := store.Observation{Status: statusOf(c.Row), Overdue: overdue}
			if overdue && !c.Previous.Overdue {
				return []string{model.EventInvoiceOverdue}, obs
			}
			return nil, obs
		},
		Sweep: func(ctx context.Context, s *store.Store, tenantID string, now time.Time) ([]model.MasterRow, error) {
			return s.ListOverdueInvoices(ctx, tenantID, now)
		},
	}
}

func isApproved(status string) bool {
	for _, s := range approvedStatuses {
		if strings.EqualFold(status, s) {
			return true
		}
	}
	return false
}

func isOverdue(row model.MasterRow, now time.Time) bool {
	if number(row["balance"]) <= 0 {
		return false
	}
	due, ok := parseDate(model.String(row["due_date"]))
	return ok && due.Before(now)
}

func parseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}
