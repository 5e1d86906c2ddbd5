//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/roach88/fieldsync/internal/model"
)

func openPostgresStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("fieldsync_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := OpenDialect(ctx, Postgres, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureRawTables(ctx, []string{"jobs"}))
	return s
}

func TestPostgres_SyncStateAndRaw(t *testing.T) {
	s := openPostgresStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkSyncRunning(ctx, "t1", "jobs"))
	require.NoError(t, s.UpsertRaw(ctx, []model.RawRecord{
		{TenantID: "t1", Entity: "jobs", ExternalID: "1", Payload: []byte(`{"id":1}`)},
		{TenantID: "t1", Entity: "jobs", ExternalID: "2", Payload: []byte(`{"id":2}`)},
	}))
	require.NoError(t, s.UpsertRaw(ctx, []model.RawRecord{
		{TenantID: "t1", Entity: "jobs", ExternalID: "2", Payload: []byte(`{"id":2,"v":2}`)},
	}))

	n, err := s.GetRecordCount(ctx, "t1", "jobs")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, s.UpdateSyncState(ctx, "t1", "jobs", model.SyncTypeFull, n))
	st, err := s.GetSyncState(ctx, "t1", "jobs")
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusCompleted, st.Status)
	assert.NotNil(t, st.Watermark())
}

func TestPostgres_Counters(t *testing.T) {
	s := openPostgresStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 2; i++ {
		n, err := s.IncrementCounter(ctx, "k", 60)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
}

func TestPostgres_ListenMasterChanges(t *testing.T) {
	s := openPostgresStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.ListenMasterChanges(ctx)
	require.NoError(t, err)
	require.NotNil(t, ch)

	require.NoError(t, s.NotifyMasterChanged(ctx, "t1", "jobs"))

	select {
	case payload := <-ch:
		assert.Equal(t, "t1:jobs", payload)
	case <-time.After(10 * time.Second):
		t.Fatal("no change notification received")
	}
}
