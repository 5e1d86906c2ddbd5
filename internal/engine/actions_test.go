package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/backoff"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/signature"
	"github.com/roach88/fieldsync/internal/testutil"
)

var actionsNow = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func newStoreActions(t *testing.T, secret string) (*StoreActions, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(actionsNow)
	s := testutil.NewStore(t, clock)
	return NewStoreActions(s, StoreActionsConfig{SigningSecret: secret, Now: clock.Now}), clock
}

func invocation() Invocation {
	return Invocation{
		RunID:    "run-1",
		RuleID:   "rule-1",
		TenantID: "t1",
		Step:     0,
		Key:      "run-1-0",
		Event:    model.WorkflowEvent{Name: model.EventJobCompleted, TenantID: "t1", Entity: "jobs", EntityID: "77"},
		State:    map[string]any{"customer_name": "Ada", "phone": "+15550100", "total": 1250.5},
	}
}

func TestStoreActions_SendMessageIsIdempotent(t *testing.T) {
	a, _ := newStoreActions(t, "")
	ctx := context.Background()
	msg := model.SendMessage{Channel: "sms", To: "{{.phone}}", Template: "Hi {{.customer_name}}, total {{.total}}{{.missing}}"}

	require.NoError(t, a.SendMessage(ctx, invocation(), msg))
	require.NoError(t, a.SendMessage(ctx, invocation(), msg))

	out, err := a.store.ListOutboxMessages(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "run-1-0", out[0].ID)
	assert.Equal(t, "sms", out[0].Channel)
	assert.Equal(t, "+15550100", out[0].Recipient)
	assert.Equal(t, "Hi Ada, total 1250.5", out[0].Body)
}

func TestStoreActions_SendMessageBadTemplate(t *testing.T) {
	a, _ := newStoreActions(t, "")
	err := a.SendMessage(context.Background(), invocation(), model.SendMessage{Channel: "sms", Template: "{{.oops"})
	require.Error(t, err)
	assert.True(t, backoff.IsPermanent(err))
}

func TestStoreActions_UpdateField(t *testing.T) {
	a, _ := newStoreActions(t, "")
	ctx := context.Background()

	require.NoError(t, a.UpdateField(ctx, invocation(), model.UpdateField{Field: "follow_up", Value: "call {{.customer_name}}"}))
	require.NoError(t, a.UpdateField(ctx, invocation(), model.UpdateField{Field: "score", Value: 3}))

	fields, err := a.store.ListFieldValues(ctx, "t1", "jobs", "77")
	require.NoError(t, err)
	assert.Equal(t, "call Ada", fields["follow_up"])
	assert.EqualValues(t, 3, fields["score"])

	inv := invocation()
	inv.Event.EntityID = ""
	err = a.UpdateField(ctx, inv, model.UpdateField{Field: "x", Value: 1})
	assert.True(t, backoff.IsPermanent(err))
}

func TestStoreActions_CreateTask(t *testing.T) {
	a, _ := newStoreActions(t, "")
	ctx := context.Background()

	require.NoError(t, a.CreateTask(ctx, invocation(), model.CreateTask{Title: "Call {{.customer_name}}", DueInMinutes: 60}))
	require.NoError(t, a.CreateTask(ctx, invocation(), model.CreateTask{Title: "Call {{.customer_name}}"}))

	n, err := a.store.CountTasks(ctx, "run-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestStoreActions_CallWebhookSigned(t *testing.T) {
	type received struct {
		header http.Header
		body   []byte
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a, _ := newStoreActions(t, "s3cret")
	hook := model.WebhookCall{
		URL:     srv.URL + "/hooks",
		Headers: map[string]string{"X-Customer": "{{.customer_name}}"},
		Body:    map[string]any{"name": "{{.customer_name}}", "tags": []any{"{{.phone}}", 7}},
	}
	require.NoError(t, a.CallWebhook(context.Background(), invocation(), hook))

	r := <-got
	assert.Equal(t, "run-1-0", r.header.Get("Idempotency-Key"))
	assert.Equal(t, "Ada", r.header.Get("X-Customer"))
	ts := r.header.Get(signature.TimestampHeader)
	assert.Equal(t, "2026-03-02T15:00:00Z", ts)
	require.NoError(t, signature.Verify("s3cret", ts, r.header.Get(signature.SignatureHeader), r.body, actionsNow, signature.DefaultMaxSkew))

	var body map[string]any
	require.NoError(t, json.Unmarshal(r.body, &body))
	assert.Equal(t, map[string]any{"name": "Ada", "tags": []any{"+15550100", float64(7)}}, body)
}

func TestStoreActions_CallWebhookDefaultBody(t *testing.T) {
	got := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Empty(t, r.Header.Get(signature.SignatureHeader))
		got <- body
	}))
	defer srv.Close()

	a, _ := newStoreActions(t, "")
	require.NoError(t, a.CallWebhook(context.Background(), invocation(), model.WebhookCall{URL: srv.URL}))
	body := <-got
	assert.Equal(t, "run-1", body["runId"])
	assert.Equal(t, "rule-1", body["ruleId"])
	assert.NotNil(t, body["event"])
}

func TestStoreActions_CallWebhookStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantErr   bool
		permanent bool
	}{
		{http.StatusOK, false, false},
		{http.StatusAccepted, false, false},
		{http.StatusBadRequest, true, true},
		{http.StatusNotFound, true, true},
		{http.StatusTooManyRequests, true, false},
		{http.StatusInternalServerError, true, false},
		{http.StatusBadGateway, true, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			a, _ := newStoreActions(t, "")
			err := a.CallWebhook(context.Background(), invocation(), model.WebhookCall{URL: srv.URL, Method: "put"})
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.permanent, backoff.IsPermanent(err))
		})
	}
}

func TestRender(t *testing.T) {
	data := map[string]any{"name": "Ada", "n": 2}
	tests := []struct {
		in   string
		want string
	}{
		{"plain text", "plain text"},
		{"Hi {{.name}}", "Hi Ada"},
		{"{{.absent}}", ""},
		{"{{if gt .n 1}}many{{else}}one{{end}}", "many"},
	}
	for _, tt := range tests {
		got, err := render(tt.in, data)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
