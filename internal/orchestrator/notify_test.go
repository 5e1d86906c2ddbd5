package orchestrator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/model"
)

func TestWebhookNotifier_PostsSummary(t *testing.T) {
	var got Summary
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	run := model.WorkflowRun{ID: "run-1", Kind: model.WorkflowFullSync, TenantID: "t1"}
	res := SyncResult{
		RunID:   "run-1",
		Success: true,
		Results: []model.EntityResult{
			{Entity: "jobs", RecordCount: 3},
			{Entity: "customers", Error: "boom"},
			{Entity: "estimates", Error: ErrNeverSynced.Error(), Skipped: true},
		},
	}

	n := WebhookNotifier{URL: srv.URL}
	require.NoError(t, n.Notify(t.Context(), summarize(run, res)))
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, 1, got.Failed)
	assert.Len(t, got.Results, 3)
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := WebhookNotifier{URL: srv.URL}.Notify(t.Context(), Summary{RunID: "run-1"})
	assert.ErrorContains(t, err, "status 502")
}
