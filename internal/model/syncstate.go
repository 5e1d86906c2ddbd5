package model

import "time"

// SyncStatus is the lifecycle status of one entity's sync progress.
type SyncStatus string

const (
	SyncStatusIdle      SyncStatus = "idle"
	SyncStatusRunning   SyncStatus = "running"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusError     SyncStatus = "error"
	SyncStatusEmpty     SyncStatus = "empty"
)

// SyncType distinguishes full from incremental syncs.
type SyncType string

const (
	SyncTypeFull        SyncType = "full"
	SyncTypeIncremental SyncType = "incremental"
)

// Valid reports whether t is a known sync type.
func (t SyncType) Valid() bool {
	return t == SyncTypeFull || t == SyncTypeIncremental
}

// SyncState is the persistent progress record of one (tenant, entity) pair.
//
// Exactly one row exists per pair. Only the orchestrator writes it.
type SyncState struct {
	TenantID              string     `json:"tenantId"`
	Entity                string     `json:"entity"`
	LastFullSyncAt        *time.Time `json:"lastFullSyncAt,omitempty"`
	LastIncrementalSyncAt *time.Time `json:"lastIncrementalSyncAt,omitempty"`
	Cursor                string     `json:"cursor,omitempty"`
	Status                SyncStatus `json:"status"`
	RecordsCount          int64      `json:"recordsCount"`
	LastError             string     `json:"lastError,omitempty"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// Watermark returns the lower bound for an incremental fetch:
// LastIncrementalSyncAt if set, else LastFullSyncAt, else nil.
//
// A nil watermark means the entity has never completed a full sync and
// incremental sync must skip it.
func (s SyncState) Watermark() *time.Time {
	if s.LastIncrementalSyncAt != nil {
		return s.LastIncrementalSyncAt
	}
	return s.LastFullSyncAt
}

// RawRecord is one staged external row, keyed by (TenantID, ExternalID).
type RawRecord struct {
	TenantID   string     `json:"tenantId"`
	Entity     string     `json:"entity"`
	ExternalID string     `json:"externalId"`
	Payload    []byte     `json:"payload"`
	ModifiedOn *time.Time `json:"modifiedOn,omitempty"`
	SyncedAt   time.Time  `json:"syncedAt"`
}
