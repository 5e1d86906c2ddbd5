package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/model"
)

func TestGetSyncState_NeverSynced(t *testing.T) {
	s, _ := createTestStore(t)

	st, err := s.GetSyncState(t.Context(), "t1", "jobs")
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusIdle, st.Status)
	assert.Nil(t, st.LastFullSyncAt)
	assert.Nil(t, st.LastIncrementalSyncAt)
	assert.Nil(t, st.Watermark())
}

func TestUpdateSyncState_Full(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.MarkSyncRunning(ctx, "t1", "jobs"))
	st, err := s.GetSyncState(ctx, "t1", "jobs")
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusRunning, st.Status)

	require.NoError(t, s.UpdateSyncState(ctx, "t1", "jobs", model.SyncTypeFull, 42))
	st, err = s.GetSyncState(ctx, "t1", "jobs")
	require.NoError(t, err)

	assert.Equal(t, model.SyncStatusCompleted, st.Status)
	assert.Equal(t, int64(42), st.RecordsCount)
	require.NotNil(t, st.LastFullSyncAt)
	assert.True(t, st.LastFullSyncAt.Equal(clock.Now()))
	assert.Nil(t, st.LastIncrementalSyncAt)
	assert.Equal(t, st.LastFullSyncAt, st.Watermark())
}

func TestUpdateSyncState_FullEmpty(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.UpdateSyncState(ctx, "t1", "jobs", model.SyncTypeFull, 0))
	st, err := s.GetSyncState(ctx, "t1", "jobs")
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusEmpty, st.Status)
	assert.NotNil(t, st.LastFullSyncAt)
}

func TestUpdateSyncState_IncrementalKeepsFullWatermark(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.UpdateSyncState(ctx, "t1", "jobs", model.SyncTypeFull, 10))
	t0 := clock.Now()
	clock.Advance(time.Hour)

	require.NoError(t, s.UpdateSyncState(ctx, "t1", "jobs", model.SyncTypeIncremental, 3))
	st, err := s.GetSyncState(ctx, "t1", "jobs")
	require.NoError(t, err)

	require.NotNil(t, st.LastFullSyncAt)
	assert.True(t, st.LastFullSyncAt.Equal(t0))
	require.NotNil(t, st.LastIncrementalSyncAt)
	assert.True(t, st.LastIncrementalSyncAt.Equal(clock.Now()))
	assert.Equal(t, int64(10), st.RecordsCount)
	assert.True(t, st.Watermark().Equal(clock.Now()))
}

func TestUpdateSyncState_InvalidType(t *testing.T) {
	s, _ := createTestStore(t)
	err := s.UpdateSyncState(t.Context(), "t1", "jobs", model.SyncType("partial"), 1)
	assert.Error(t, err)
}

func TestMarkSyncError_KeepsWatermark(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.UpdateSyncState(ctx, "t1", "jobs", model.SyncTypeFull, 5))
	require.NoError(t, s.MarkSyncError(ctx, "t1", "jobs", "upstream 503"))

	st, err := s.GetSyncState(ctx, "t1", "jobs")
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusError, st.Status)
	assert.Equal(t, "upstream 503", st.LastError)
	assert.NotNil(t, st.LastFullSyncAt)

	// running clears the error
	require.NoError(t, s.MarkSyncRunning(ctx, "t1", "jobs"))
	st, err = s.GetSyncState(ctx, "t1", "jobs")
	require.NoError(t, err)
	assert.Empty(t, st.LastError)
}

func TestSyncState_OneRowPerTenantEntity(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := t.Context()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.MarkSyncRunning(ctx, "t1", "jobs"))
		require.NoError(t, s.UpdateSyncState(ctx, "t1", "jobs", model.SyncTypeFull, int64(i+1)))
	}
	require.NoError(t, s.UpdateSyncState(ctx, "t2", "jobs", model.SyncTypeFull, 7))
	require.NoError(t, s.SaveSyncCursor(ctx, "t1", "jobs", "page-3"))

	states, err := s.ListSyncStates(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, int64(3), states[0].RecordsCount)
	assert.Equal(t, "page-3", states[0].Cursor)
}

func TestUpdateSyncStateAt_StampsPassStart(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := t.Context()

	passStart := clock.Now()
	require.NoError(t, s.MarkSyncRunning(ctx, "t1", "jobs"))
	clock.Advance(10 * time.Minute)
	require.NoError(t, s.UpdateSyncStateAt(ctx, "t1", "jobs", model.SyncTypeFull, 3, passStart))

	st, err := s.GetSyncState(ctx, "t1", "jobs")
	require.NoError(t, err)
	require.NotNil(t, st.LastFullSyncAt)
	assert.True(t, st.LastFullSyncAt.Equal(passStart))
	assert.True(t, st.UpdatedAt.Equal(clock.Now()))

	clock.Advance(time.Hour)
	incrStart := clock.Now()
	clock.Advance(5 * time.Minute)
	require.NoError(t, s.UpdateSyncStateAt(ctx, "t1", "jobs", model.SyncTypeIncremental, 1, incrStart))
	st, err = s.GetSyncState(ctx, "t1", "jobs")
	require.NoError(t, err)
	require.NotNil(t, st.Watermark())
	assert.True(t, st.Watermark().Equal(incrStart))
}

func TestMarkSyncIdle_KeepsWatermark(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.UpdateSyncState(ctx, "t1", "jobs", model.SyncTypeFull, 5))
	require.NoError(t, s.MarkSyncRunning(ctx, "t1", "jobs"))
	require.NoError(t, s.MarkSyncIdle(ctx, "t1", "jobs"))

	st, err := s.GetSyncState(ctx, "t1", "jobs")
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusIdle, st.Status)
	assert.Empty(t, st.LastError)
	assert.Equal(t, int64(5), st.RecordsCount)
	assert.NotNil(t, st.LastFullSyncAt)
}
