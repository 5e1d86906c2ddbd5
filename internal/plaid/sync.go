package plaid

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/fieldsync/internal/events"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// codeMutationDuringPagination asks the caller to restart a sync loop from
// the cursor it started with.
const codeMutationDuringPagination = "TRANSACTIONS_SYNC_MUTATION_DURING_PAGINATION"

const maxSyncRestarts = 3

// TransactionSource is the part of Client used by Syncer.
type TransactionSource interface {
	TransactionsSync(ctx context.Context, accessToken, cursor string) (SyncPage, error)
}

// SyncSummary counts what one SyncTransactions call applied.
type SyncSummary struct {
	ItemID   string `json:"itemId"`
	Pages    int    `json:"pages"`
	Added    int    `json:"added"`
	Modified int    `json:"modified"`
	Removed  int    `json:"removed"`
}

// Changed reports whether any transaction was touched.
func (s SyncSummary) Changed() bool {
	return s.Added+s.Modified+s.Removed > 0
}

// Syncer pulls transaction updates for items into the store.
type Syncer struct {
	store     *store.Store
	source    TransactionSource
	publisher events.Publisher
	log       *slog.Logger
}

// NewSyncer creates a Syncer. A nil publisher disables the
// bank_transactions_synced event.
func NewSyncer(s *store.Store, src TransactionSource, p events.Publisher, log *slog.Logger) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{store: s, source: src, publisher: p, log: log}
}

// SyncTransactions applies every pending page for an item. Each page and
// the cursor after it commit together, so a failure part way resumes from
// the last stored page.
func (s *Syncer) SyncTransactions(ctx context.Context, itemID string) (SyncSummary, error) {
	item, err := s.store.GetPlaidItem(ctx, itemID)
	if err != nil {
		return SyncSummary{}, fmt.Errorf("sync transactions %s: %w", itemID, err)
	}

	sum := SyncSummary{ItemID: itemID}
	start := item.Cursor
	cursor := start
	restarts := 0
	for {
		page, err := s.source.TransactionsSync(ctx, item.AccessToken, cursor)
		if err != nil {
			if ErrorCode(err) == codeMutationDuringPagination && restarts < maxSyncRestarts {
				restarts++
				s.log.Warn("transactions changed during pagination, restarting", "item_id", itemID, "restart", restarts)
				cursor = start
				continue
			}
			return sum, fmt.Errorf("sync transactions %s: %w", itemID, err)
		}

		err = s.store.WithTx(ctx, func(tx *store.Tx) error {
			return tx.ApplyTransactionBatch(ctx, itemID, page.Batch)
		})
		if err != nil {
			return sum, fmt.Errorf("sync transactions %s: %w", itemID, err)
		}
		sum.Pages++
		sum.Added += len(page.Batch.Added)
		sum.Modified += len(page.Batch.Modified)
		sum.Removed += len(page.Batch.Removed)
		cursor = page.Batch.NextCursor
		if !page.HasMore {
			break
		}
	}

	s.log.Info("transactions synced",
		"item_id", itemID,
		"pages", sum.Pages,
		"added", sum.Added,
		"modified", sum.Modified,
		"removed", sum.Removed,
	)
	if sum.Changed() && s.publisher != nil {
		ev := model.WorkflowEvent{
			Name:     model.EventBankTransactionsSynced,
			TenantID: item.TenantID,
			Entity:   "plaid_items",
			EntityID: itemID,
			Payload: map[string]any{
				"itemId":   itemID,
				"added":    sum.Added,
				"modified": sum.Modified,
				"removed":  sum.Removed,
			},
		}
		if err := s.publisher.Publish(ctx, ev); err != nil {
			s.log.Warn("failed to publish sync event", "item_id", itemID, "error", err)
		}
	}
	return sum, nil
}
