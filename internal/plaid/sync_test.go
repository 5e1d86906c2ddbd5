package plaid

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/testutil"
)

type scriptedSource struct {
	pages   map[string]SyncPage
	errs    map[string][]error
	cursors []string
}

func (s *scriptedSource) TransactionsSync(_ context.Context, _ string, cursor string) (SyncPage, error) {
	s.cursors = append(s.cursors, cursor)
	if errs := s.errs[cursor]; len(errs) > 0 {
		s.errs[cursor] = errs[1:]
		return SyncPage{}, errs[0]
	}
	p, ok := s.pages[cursor]
	if !ok {
		return SyncPage{}, errors.New("unexpected cursor " + cursor)
	}
	return p, nil
}

type eventLog struct {
	mu  sync.Mutex
	evs []model.WorkflowEvent
}

func (l *eventLog) Publish(_ context.Context, ev model.WorkflowEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evs = append(l.evs, ev)
	return nil
}

func newItemStore(t *testing.T) *store.Store {
	t.Helper()
	s := testutil.NewStore(t, testutil.NewFakeClock(time.Time{}))
	require.NoError(t, s.UpsertPlaidItem(t.Context(), model.PlaidItem{ItemID: "item-1", TenantID: "t1", AccessToken: "access-1"}))
	return s
}

func txn(id string, amount float64) model.BankTransaction {
	return model.BankTransaction{TransactionID: id, AccountID: "acc", Amount: amount, Date: "2025-01-02", Name: "n"}
}

func TestSyncTransactions_AppliesEveryPage(t *testing.T) {
	s := newItemStore(t)
	src := &scriptedSource{pages: map[string]SyncPage{
		"":   {HasMore: true, Batch: model.TransactionBatch{Added: []model.BankTransaction{txn("tx-1", 10), txn("tx-2", 20)}, NextCursor: "c1"}},
		"c1": {Batch: model.TransactionBatch{Modified: []model.BankTransaction{txn("tx-2", 25)}, Removed: []string{"tx-1"}, NextCursor: "c2"}},
	}}
	log := &eventLog{}

	sum, err := NewSyncer(s, src, log, nil).SyncTransactions(t.Context(), "item-1")
	require.NoError(t, err)
	assert.Equal(t, SyncSummary{ItemID: "item-1", Pages: 2, Added: 2, Modified: 1, Removed: 1}, sum)
	assert.Equal(t, []string{"", "c1"}, src.cursors)

	item, err := s.GetPlaidItem(t.Context(), "item-1")
	require.NoError(t, err)
	assert.Equal(t, "c2", item.Cursor)

	txns, err := s.ListBankTransactions(t.Context(), "item-1", false)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, 25.0, txns[0].Amount)

	require.Len(t, log.evs, 1)
	assert.Equal(t, model.EventBankTransactionsSynced, log.evs[0].Name)
	assert.Equal(t, "t1", log.evs[0].TenantID)
}

func TestSyncTransactions_FailureKeepsStoredPages(t *testing.T) {
	s := newItemStore(t)
	src := &scriptedSource{
		pages: map[string]SyncPage{
			"": {HasMore: true, Batch: model.TransactionBatch{Added: []model.BankTransaction{txn("tx-1", 10)}, NextCursor: "c1"}},
		},
		errs: map[string][]error{"c1": {errors.New("connection reset")}},
	}

	_, err := NewSyncer(s, src, nil, nil).SyncTransactions(t.Context(), "item-1")
	require.Error(t, err)

	item, err := s.GetPlaidItem(t.Context(), "item-1")
	require.NoError(t, err)
	assert.Equal(t, "c1", item.Cursor, "the next sync resumes after the stored page")
}

func TestSyncTransactions_RestartsOnMutationDuringPagination(t *testing.T) {
	s := newItemStore(t)
	src := &scriptedSource{
		pages: map[string]SyncPage{
			"":   {HasMore: true, Batch: model.TransactionBatch{Added: []model.BankTransaction{txn("tx-1", 10)}, NextCursor: "c1"}},
			"c1": {Batch: model.TransactionBatch{NextCursor: "c2"}},
		},
		errs: map[string][]error{"c1": {&APIError{Status: 400, Code: codeMutationDuringPagination}}},
	}

	sum, err := NewSyncer(s, src, nil, nil).SyncTransactions(t.Context(), "item-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"", "c1", "", "c1"}, src.cursors)
	assert.Equal(t, 3, sum.Pages)
}

func TestSyncTransactions_UnknownItem(t *testing.T) {
	s := newItemStore(t)
	_, err := NewSyncer(s, &scriptedSource{}, nil, nil).SyncTransactions(t.Context(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
