package detector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/events"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/testutil"
)

type collector struct {
	mu   sync.Mutex
	evs  []model.WorkflowEvent
	fail error
}

func (c *collector) Publish(_ context.Context, ev model.WorkflowEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.evs = append(c.evs, ev)
	return nil
}

func (c *collector) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, ev := range c.evs {
		out = append(out, ev.Name+":"+ev.EntityID)
	}
	return out
}

var _ events.Publisher = (*collector)(nil)

type fixture struct {
	store *store.Store
	clock *testutil.FakeClock
}

func newFixture(t *testing.T) *fixture {
	clock := testutil.NewFakeClock(time.Time{})
	return &fixture{store: testutil.NewStore(t, clock), clock: clock}
}

func (f *fixture) put(t *testing.T, entity string, cols map[string]any) {
	t.Helper()
	cols["tenant_id"] = "t1"
	cols["last_synced_at"] = store.FormatTime(f.clock.Now())
	names := ""
	marks := ""
	updates := ""
	var args []any
	for k, v := range cols {
		if names != "" {
			names += ", "
			marks += ", "
		}
		names += k
		marks += "?"
		args = append(args, v)
		if k != "st_id" && k != "tenant_id" {
			if updates != "" {
				updates += ", "
			}
			updates += k + " = excluded." + k
		}
	}
	q := "INSERT INTO " + store.MasterTable(entity) + " (" + names + ") VALUES (" + marks + ") ON CONFLICT (st_id, tenant_id) DO UPDATE SET " + updates
	_, err := f.store.Exec(t.Context(), q, args...)
	require.NoError(t, err)
}

func TestPoll_BaselineThenTransitions(t *testing.T) {
	f := newFixture(t)
	pub := &collector{}
	d := New(f.store, pub, WithClock(f.clock.Now))
	ctx := t.Context()

	f.put(t, "estimates", map[string]any{"st_id": "1", "status": "Open"})
	f.put(t, "jobs", map[string]any{"st_id": "10", "status": "Scheduled", "job_type_name": "Service Call"})
	f.put(t, "invoices", map[string]any{"st_id": "100", "balance": 0.0, "due_date": "2025-02-01T00:00:00Z"})

	evs, err := d.Poll(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, evs, "first poll records a baseline")

	f.clock.Advance(time.Minute)
	f.put(t, "estimates", map[string]any{"st_id": "1", "status": "Sold"})
	f.put(t, "estimates", map[string]any{"st_id": "2", "status": "Open"})
	f.put(t, "jobs", map[string]any{"st_id": "10", "status": "Completed", "job_type_name": "Service Call"})
	f.put(t, "jobs", map[string]any{"st_id": "11", "status": "Scheduled", "job_type_name": "HVAC Install"})
	f.put(t, "invoices", map[string]any{"st_id": "100", "balance": 50.0, "due_date": "2025-02-01T00:00:00Z"})

	evs, err = d.Poll(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, evs, 5)
	assert.ElementsMatch(t, []string{
		"estimate_approved:1",
		"estimate_created:2",
		"job_completed:10",
		"install_job_created:11",
		"invoice_overdue:100",
	}, pub.names())

	for _, ev := range evs {
		assert.Equal(t, "t1", ev.TenantID)
		assert.Equal(t, ev.EntityID, model.String(ev.Payload["st_id"]))
	}

	f.clock.Advance(time.Minute)
	evs, err = d.Poll(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, evs, "unchanged rows emit nothing")
}

func TestPoll_InvoiceBecomesOverdueWithoutResync(t *testing.T) {
	f := newFixture(t)
	pub := &collector{}
	d := New(f.store, pub, WithClock(f.clock.Now), WithWatches(InvoiceWatch()))
	ctx := t.Context()

	f.put(t, "invoices", map[string]any{"st_id": "100", "balance": 75.0, "due_date": "2025-03-05T00:00:00Z"})
	_, err := d.Poll(ctx, "t1")
	require.NoError(t, err)

	f.clock.Advance(10 * 24 * time.Hour)
	evs, err := d.Poll(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventInvoiceOverdue, evs[0].Name)

	evs, err = d.Poll(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestPoll_PublishFailureRepeatsEvents(t *testing.T) {
	f := newFixture(t)
	pub := &collector{}
	d := New(f.store, pub, WithClock(f.clock.Now), WithWatches(JobWatch(IsInstallJob)))
	ctx := t.Context()

	f.put(t, "jobs", map[string]any{"st_id": "10", "status": "Scheduled"})
	_, err := d.Poll(ctx, "t1")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	f.put(t, "jobs", map[string]any{"st_id": "10", "status": "Completed"})

	pub.fail = errors.New("queue closed")
	_, err = d.Poll(ctx, "t1")
	require.Error(t, err)

	pub.fail = nil
	evs, err := d.Poll(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventJobCompleted, evs[0].Name)
}

func TestWatches_Detect(t *testing.T) {
	now := testutil.Epoch
	tests := []struct {
		name  string
		watch Watch
		c     Change
		want  []string
	}{
		{
			name:  "estimate created already sold",
			watch: EstimateWatch(),
			c:     Change{Row: model.MasterRow{"status": "Sold"}},
			want:  []string{model.EventEstimateCreated, model.EventEstimateApproved},
		},
		{
			name:  "estimate stays approved",
			watch: EstimateWatch(),
			c:     Change{Row: model.MasterRow{"status": "Approved"}, Seen: true, Previous: store.Observation{Status: "Sold"}},
		},
		{
			name:  "job status case differs",
			watch: JobWatch(IsInstallJob),
			c:     Change{Row: model.MasterRow{"status": "completed"}, Seen: true, Previous: store.Observation{Status: "InProgress"}},
			want:  []string{model.EventJobCompleted},
		},
		{
			name:  "seen install job is not new",
			watch: JobWatch(IsInstallJob),
			c:     Change{Row: model.MasterRow{"status": "Scheduled", "job_type_name": "Install"}, Seen: true},
		},
		{
			name:  "invoice due in the future",
			watch: InvoiceWatch(),
			c:     Change{Row: model.MasterRow{"balance": int64(10), "due_date": "2025-03-02"}, Now: now},
		},
		{
			name:  "invoice with integer balance past due",
			watch: InvoiceWatch(),
			c:     Change{Row: model.MasterRow{"balance": int64(10), "due_date": "2025-02-28"}, Now: now},
			want:  []string{model.EventInvoiceOverdue},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := tt.watch.Detect(tt.c)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRun_StopsWithContext(t *testing.T) {
	f := newFixture(t)
	d := New(f.store, &collector{}, WithClock(f.clock.Now))
	f.put(t, "jobs", map[string]any{"st_id": "10", "status": "Scheduled"})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, []string{"t1"}, time.Hour) }()

	require.Eventually(t, func() bool {
		c, err := f.store.DetectorCursor(t.Context(), "t1", "jobs")
		return err == nil && c != ""
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("detector did not stop")
	}
}
