// Package metrics exposes Prometheus instrumentation for the worker pool, the
// coordinator and the HTTP API. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"transcoder/internal/jobqueue"
)

const namespace = "transcoder"

// Job outcomes recorded by ObserveJob.
const (
	OutcomeCompleted = "completed"
	OutcomeRetrying  = "retrying"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
)

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	jobs          *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	inFlight      prometheus.Gauge
	reclaimed     prometheus.Counter
	leaseLost     prometheus.Counter
	tasksCreated  *prometheus.CounterVec
	cleanupErrors prometheus.Counter
	httpRequests  *prometheus.CounterVec
}

// New builds the metric set with Go runtime and process collectors attached.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Conversion attempts by outcome.",
		}, []string{"outcome", "format", "profile"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "conversion_duration_seconds",
			Help:      "Wall time of conversion attempts.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"format", "profile"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently held by workers.",
		}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_reclaimed_total",
			Help:      "Stalled jobs returned to waiting.",
		}),
		leaseLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_leases_lost_total",
			Help:      "Queue writes rejected because another worker owns the job.",
		}),
		tasksCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_requested_total",
			Help:      "Requested variants by creation result.",
		}, []string{"result"}),
		cleanupErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_errors_total",
			Help:      "Best-effort artifact or job removals that failed.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route and status code.",
		}, []string{"method", "route", "code"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobs, m.duration, m.inFlight, m.reclaimed, m.leaseLost,
		m.tasksCreated, m.cleanupErrors, m.httpRequests,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveJob records the outcome and duration of one attempt.
func (m *Metrics) ObserveJob(outcome, format, profile string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(outcome, format, profile).Inc()
	if outcome != OutcomeDropped {
		m.duration.WithLabelValues(format, profile).Observe(elapsed.Seconds())
	}
}

// JobStarted and JobFinished track in-flight work.
func (m *Metrics) JobStarted() {
	if m != nil {
		m.inFlight.Inc()
	}
}

func (m *Metrics) JobFinished() {
	if m != nil {
		m.inFlight.Dec()
	}
}

func (m *Metrics) Reclaimed(n int64) {
	if m != nil && n > 0 {
		m.reclaimed.Add(float64(n))
	}
}

func (m *Metrics) LeaseLost() {
	if m != nil {
		m.leaseLost.Inc()
	}
}

// TasksRequested counts variants by result: created, duplicate or
// enqueue_failed.
func (m *Metrics) TasksRequested(result string, n int) {
	if m != nil && n > 0 {
		m.tasksCreated.WithLabelValues(result).Add(float64(n))
	}
}

func (m *Metrics) CleanupError() {
	if m != nil {
		m.cleanupErrors.Inc()
	}
}

// ObserveHTTP counts one API response.
func (m *Metrics) ObserveHTTP(method, route, code string) {
	if m != nil {
		m.httpRequests.WithLabelValues(method, route, code).Inc()
	}
}

// StatsSource is the part of jobqueue.Queue the queue collector reads.
type StatsSource interface {
	Stats(ctx context.Context) (jobqueue.Stats, error)
}

// RegisterQueue exports queue depth per state, read on every scrape.
func (m *Metrics) RegisterQueue(source StatsSource) error {
	if m == nil {
		return nil
	}
	return m.registry.Register(&queueCollector{source: source, desc: prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "queue", "jobs"),
		"Jobs in the queue by state.",
		[]string{"state"}, nil,
	)})
}

type queueCollector struct {
	source StatsSource
	desc   *prometheus.Desc
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stats, err := c.source.Stats(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}
	for state, value := range map[jobqueue.State]int64{
		jobqueue.StateWaiting:   stats.Waiting,
		jobqueue.StateDelayed:   stats.Delayed,
		jobqueue.StateActive:    stats.Active,
		jobqueue.StateCompleted: stats.Completed,
		jobqueue.StateFailed:    stats.Failed,
	} {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(value), string(state))
	}
}
