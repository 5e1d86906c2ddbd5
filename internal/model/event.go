package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Workflow event names emitted by the detector and the aggregator webhook handler.
const (
	EventEstimateCreated           = "estimate_created"
	EventEstimateApproved          = "estimate_approved"
	EventJobCompleted              = "job_completed"
	EventInvoiceOverdue            = "invoice_overdue"
	EventInstallJobCreated         = "install_job_created"
	EventBankTransactionsSynced    = "bank_transactions_synced"
	EventBankItemError             = "bank_item_error"
	EventBankItemPendingExpiration = "bank_item_pending_expiration"
	EventBankItemRevoked           = "bank_item_revoked"
	EventBankAuthVerified          = "bank_auth_verified"
	EventBankAuthExpired           = "bank_auth_expired"
	EventSchedule                  = TriggerSchedule
)

// WorkflowEvent is an ephemeral typed event. It is consumed once by the
// trigger engine and only persisted as part of an ExecutionRun.
type WorkflowEvent struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	TenantID   string         `json:"tenantId"`
	Entity     string         `json:"entity,omitempty"`
	EntityID   string         `json:"entityId,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// Lookup resolves a dotted path ("customer.name") in a nested map.
// Numeric segments index into slices.
func Lookup(m map[string]any, path string) (any, bool) {
	if m == nil || path == "" {
		return nil, false
	}
	var cur any = m
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Merge returns a new map with the keys of overlay written over base.
// Nested maps are merged recursively.
func Merge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if bm, ok := out[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				out[k] = Merge(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// String renders a payload value for logs and templates.
func String(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
