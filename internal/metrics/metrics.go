// Package metrics collects Prometheus metrics for worker processes.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates job throughput metrics for one worker process.
// All underlying Prometheus types are safe for concurrent use.
type Collector struct {
	registry *prometheus.Registry

	jobsAcquired   prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsDead       prometheus.Counter
	jobDuration    prometheus.Histogram
	workersRunning prometheus.Gauge
}

// NewCollector creates a collector with its own registry so multiple
// workers in one test binary do not collide on the default registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskpipe_jobs_acquired_total",
			Help: "Jobs claimed by this worker.",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskpipe_jobs_completed_total",
			Help: "Jobs that finished successfully.",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskpipe_jobs_failed_total",
			Help: "Job executions that failed (including those that dead-lettered).",
		}),
		jobsDead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskpipe_jobs_dead_total",
			Help: "Jobs moved to the dead letter queue by this worker.",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskpipe_job_duration_seconds",
			Help:    "Wall-clock duration of job command executions.",
			Buckets: prometheus.DefBuckets,
		}),
		workersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskpipe_workers_running",
			Help: "Worker loops currently running in this process.",
		}),
	}
	c.registry.MustRegister(c.jobsAcquired, c.jobsCompleted, c.jobsFailed, c.jobsDead, c.jobDuration, c.workersRunning)
	return c
}

// JobAcquired records a successful acquire.
func (c *Collector) JobAcquired() { c.jobsAcquired.Inc() }

// JobCompleted records a successful execution and its duration.
func (c *Collector) JobCompleted(d time.Duration) {
	c.jobsCompleted.Inc()
	c.jobDuration.Observe(d.Seconds())
}

// JobFailed records a failed execution and its duration.
func (c *Collector) JobFailed(d time.Duration) {
	c.jobsFailed.Inc()
	c.jobDuration.Observe(d.Seconds())
}

// JobDead records a job crossing into the dead letter queue.
func (c *Collector) JobDead() { c.jobsDead.Inc() }

// WorkerStarted marks a worker loop as running.
func (c *Collector) WorkerStarted() { c.workersRunning.Inc() }

// WorkerStopped marks a worker loop as stopped.
func (c *Collector) WorkerStopped() { c.workersRunning.Dec() }

// Handler returns the Prometheus exposition handler for this collector.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled. Intended to run
// in its own goroutine; server errors are logged, not fatal.
func (c *Collector) Serve(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Collector.Serve: metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Collector.Serve: metrics server failed", "error", err)
	}
}
