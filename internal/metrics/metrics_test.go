package metrics_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"transcoder/internal/jobqueue"
	"transcoder/internal/metrics"
)

type fixedStats struct {
	stats jobqueue.Stats
	err   error
}

func (f fixedStats) Stats(context.Context) (jobqueue.Stats, error) { return f.stats, f.err }

func TestHandlerExposesRecordedMetrics(t *testing.T) {
	m := metrics.New()
	m.ObserveJob(metrics.OutcomeCompleted, "V1", "P2", 3*time.Second)
	m.ObserveJob(metrics.OutcomeRetrying, "V1", "P2", time.Second)
	m.TasksRequested("created", 2)
	m.TasksRequested("duplicate", 1)
	m.Reclaimed(3)
	if err := m.RegisterQueue(fixedStats{stats: jobqueue.Stats{Waiting: 4, Failed: 1}}); err != nil {
		t.Fatalf("RegisterQueue failed: %v", err)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, fragment := range []string{
		`transcoder_jobs_total{format="V1",outcome="completed",profile="P2"} 1`,
		`transcoder_tasks_requested_total{result="duplicate"} 1`,
		`transcoder_jobs_reclaimed_total 3`,
		`transcoder_queue_jobs{state="waiting"} 4`,
		`transcoder_queue_jobs{state="failed"} 1`,
		`transcoder_conversion_duration_seconds_count{format="V1",profile="P2"} 2`,
	} {
		if !strings.Contains(body, fragment) {
			t.Fatalf("expected %q in metrics output:\n%s", fragment, body)
		}
	}
}

func TestInFlightGauge(t *testing.T) {
	m := metrics.New()
	m.JobStarted()
	m.JobStarted()
	m.JobFinished()
	count, err := testutil.GatherAndCount(m.Registry(), "transcoder_jobs_in_flight")
	if err != nil || count != 1 {
		t.Fatalf("expected in-flight gauge registered, got %d err=%v", count, err)
	}
}

func TestQueueCollectorReportsErrors(t *testing.T) {
	m := metrics.New()
	if err := m.RegisterQueue(fixedStats{err: errors.New("redis down")}); err != nil {
		t.Fatalf("RegisterQueue failed: %v", err)
	}
	if _, err := m.Registry().Gather(); err == nil {
		t.Fatal("expected gather error when queue stats fail")
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *metrics.Metrics
	m.ObserveJob(metrics.OutcomeFailed, "V2", "P3", time.Second)
	m.JobStarted()
	m.JobFinished()
	m.LeaseLost()
	m.CleanupError()
	m.ObserveHTTP("GET", "/health", "200")
	if err := m.RegisterQueue(fixedStats{}); err != nil {
		t.Fatalf("RegisterQueue on nil metrics failed: %v", err)
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("expected 404 from nil metrics handler, got %d", rec.Code)
	}
}
