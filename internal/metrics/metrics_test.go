package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()

	c.JobAcquired()
	c.JobAcquired()
	c.JobCompleted(10 * time.Millisecond)
	c.JobFailed(20 * time.Millisecond)
	c.JobDead()

	if got := testutil.ToFloat64(c.jobsAcquired); got != 2 {
		t.Errorf("jobs acquired: expected 2, got %v", got)
	}
	if got := testutil.ToFloat64(c.jobsCompleted); got != 1 {
		t.Errorf("jobs completed: expected 1, got %v", got)
	}
	if got := testutil.ToFloat64(c.jobsFailed); got != 1 {
		t.Errorf("jobs failed: expected 1, got %v", got)
	}
	if got := testutil.ToFloat64(c.jobsDead); got != 1 {
		t.Errorf("jobs dead: expected 1, got %v", got)
	}
}

func TestWorkerGauge(t *testing.T) {
	c := NewCollector()
	c.WorkerStarted()
	if got := testutil.ToFloat64(c.workersRunning); got != 1 {
		t.Errorf("workers running: expected 1, got %v", got)
	}
	c.WorkerStopped()
	if got := testutil.ToFloat64(c.workersRunning); got != 0 {
		t.Errorf("workers running after stop: expected 0, got %v", got)
	}
}

func TestCollectorsAreIndependent(t *testing.T) {
	a := NewCollector()
	b := NewCollector()

	a.JobAcquired()
	if got := testutil.ToFloat64(b.jobsAcquired); got != 0 {
		t.Errorf("collectors share state: %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.JobCompleted(50 * time.Millisecond)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "taskpipe_jobs_completed_total 1") {
		t.Errorf("completed counter missing from exposition:\n%s", body)
	}
	if !strings.Contains(body, "taskpipe_job_duration_seconds_count 1") {
		t.Errorf("duration histogram missing from exposition:\n%s", body)
	}
}
