package testutil

import (
	"path/filepath"
	"testing"

	"github.com/roach88/fieldsync/internal/store"
)

// NewStore opens a SQLite store in a temp dir driven by clock, with raw
// tables for entities. The store is closed when the test ends.
func NewStore(t testing.TB, clock *FakeClock, entities ...string) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "fieldsync.db"), store.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if len(entities) > 0 {
		if err := s.EnsureRawTables(t.Context(), entities); err != nil {
			t.Fatalf("ensure raw tables: %v", err)
		}
	}
	return s
}
