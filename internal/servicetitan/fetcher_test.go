package servicetitan

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/store"
)

type fakePager struct {
	pages map[string]Page
	err   error
	seen  []PageRequest
}

func (p *fakePager) ListPage(ctx context.Context, spec EntitySpec, req PageRequest) (Page, error) {
	p.seen = append(p.seen, req)
	if p.err != nil {
		return Page{}, p.err
	}
	return p.pages[req.Token], nil
}

func records(raw ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(raw))
	for i, r := range raw {
		out[i] = json.RawMessage(r)
	}
	return out
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "st.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureRawTables(t.Context(), []string{"jobs"}))
	return s
}

func TestEntityFetcher_StagesPage(t *testing.T) {
	s := openStore(t)
	pager := &fakePager{pages: map[string]Page{
		"":  {Records: records(`{"id":1,"modifiedOn":"2025-01-02T03:04:05Z"}`, `{"id":"2"}`), HasMore: true, Next: "2"},
		"2": {Records: records(`{"id":3}`)},
	}}
	spec, _ := LookupEntity(DefaultEntities(), "jobs")
	f := NewEntityFetcher(pager, s, "t1", spec, nil)
	assert.Equal(t, "jobs", f.Entity())

	res, err := f.Fetch(t.Context(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, FetchResult{RecordsFetched: 2, HasMore: true, ContinuationToken: "2"}, res)

	res, err = f.Fetch(t.Context(), nil, res.ContinuationToken)
	require.NoError(t, err)
	assert.False(t, res.HasMore)

	n, err := s.GetRecordCount(t.Context(), "t1", "jobs")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	rec, err := s.GetRaw(t.Context(), "t1", "jobs", "1")
	require.NoError(t, err)
	require.NotNil(t, rec.ModifiedOn)
	assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), *rec.ModifiedOn)
}

func TestEntityFetcher_RecordWithoutIDFailsWholePage(t *testing.T) {
	s := openStore(t)
	pager := &fakePager{pages: map[string]Page{
		"": {Records: records(`{"id":1}`, `{"name":"no id"}`)},
	}}
	spec, _ := LookupEntity(DefaultEntities(), "jobs")
	_, err := NewEntityFetcher(pager, s, "t1", spec, nil).Fetch(t.Context(), nil, "")
	require.Error(t, err)

	n, err := s.GetRecordCount(t.Context(), "t1", "jobs")
	require.NoError(t, err)
	assert.Zero(t, n, "no partial page is committed")
}

func TestEntityFetcher_PassesModifiedSince(t *testing.T) {
	s := openStore(t)
	pager := &fakePager{err: errors.New("offline")}
	spec, _ := LookupEntity(DefaultEntities(), "jobs")
	since := time.Now()

	_, err := NewEntityFetcher(pager, s, "t1", spec, nil).Fetch(t.Context(), &since, "")
	require.Error(t, err)
	require.Len(t, pager.seen, 1)
	assert.Equal(t, &since, pager.seen[0].ModifiedSince)
	assert.Equal(t, "t1", pager.seen[0].TenantID)
}

func TestSource_Fetcher(t *testing.T) {
	src := NewSource(&fakePager{}, openStore(t), nil, nil)
	assert.Equal(t, EntityNames(DefaultEntities()), src.Entities())

	f, err := src.Fetcher("t1", "invoices")
	require.NoError(t, err)
	assert.Equal(t, "invoices", f.Entity())

	_, err = src.Fetcher("t1", "spaceships")
	assert.Error(t, err)
}
