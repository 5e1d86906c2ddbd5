package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/fieldsync/internal/model"
)

// testClock is a settable time source for bookkeeping columns.
type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time { return c.t }

func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// createTestStore creates a new SQLite store in a temp dir, with raw tables
// for the entities used by the tests.
func createTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.EnsureRawTables(t.Context(), []string{"jobs", "customers", "pricebook_categories"}); err != nil {
		t.Fatalf("EnsureRawTables() failed: %v", err)
	}
	return s, clock
}

func rawJob(tenant, id, payload string) model.RawRecord {
	return model.RawRecord{
		TenantID:   tenant,
		Entity:     "jobs",
		ExternalID: id,
		Payload:    []byte(payload),
	}
}
