package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheus_ObserveSync(t *testing.T) {
	p := NewPrometheus()

	p.ObserveSync(SyncObservation{Entity: "jobs", Type: "full", Records: 10, Duration: time.Second})
	p.ObserveSync(SyncObservation{Entity: "jobs", Type: "full", Err: errors.New("boom")})

	assert.Equal(t, 1.0, promtest.ToFloat64(p.syncOps.WithLabelValues("jobs", "success", "full")))
	assert.Equal(t, 1.0, promtest.ToFloat64(p.syncOps.WithLabelValues("jobs", "error", "full")))
	assert.Equal(t, 1.0, promtest.ToFloat64(p.syncErrors.WithLabelValues("jobs", "full")))
	assert.Greater(t, promtest.ToFloat64(p.lastSync.WithLabelValues("jobs", "full")), 0.0)
}

func TestPrometheus_Handler(t *testing.T) {
	p := NewPrometheus()
	p.ObserveRun("completed", 2*time.Second)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `fieldsync_workflow_runs_total{status="completed"} 1`)
	assert.Contains(t, string(body), "fieldsync_workflow_run_duration_seconds_count 1")
}

func TestRecorderFunc(t *testing.T) {
	var got []SyncObservation
	var r Recorder = RecorderFunc(func(obs SyncObservation) { got = append(got, obs) })
	r.ObserveSync(SyncObservation{Entity: "jobs"})
	r.ObserveRun("failed", time.Second)
	Nop{}.ObserveSync(SyncObservation{})
	assert.Len(t, got, 1)
}
