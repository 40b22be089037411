// Package worker implements the per-process worker coordinator.
//
// A Coordinator runs a strictly sequential poll/execute/report loop
// against the shared job store. It never holds two jobs at once, and it
// observes shutdown only at cycle boundaries: an in-flight command always
// finishes naturally. The hard drain deadline that backstops shutdown is
// enforced by the process entrypoint, not here.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/executor"
	"github.com/BTreeMap/TaskPipe/internal/metrics"
	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/queue"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Defaults for the coordinator loop.
const (
	// DefaultPollInterval is the wait between empty polls.
	DefaultPollInterval = time.Second
	// DefaultStaleAfter is how long a processing job may sit untouched
	// before the sweep releases it back to pending.
	DefaultStaleAfter = 5 * time.Minute
	// sweepSchedule is the cron spec for the stale-job sweep.
	sweepSchedule = "@every 1m"
)

// Config configures a Coordinator.
type Config struct {
	// ID identifies this worker in job records. Empty generates one.
	ID string
	// PollInterval is the wait between empty polls. Zero uses the default.
	PollInterval time.Duration
	// StaleAfter is the abandoned-job threshold for the periodic sweep.
	// Negative disables the sweep; zero uses the default.
	StaleAfter time.Duration
	// Metrics receives throughput observations when non-nil.
	Metrics *metrics.Collector
}

// Coordinator is a single worker's poll/execute/report loop.
type Coordinator struct {
	id           string
	lifecycle    *queue.Lifecycle
	exec         executor.Executor
	pollInterval time.Duration
	staleAfter   time.Duration
	collector    *metrics.Collector
}

// New creates a Coordinator.
func New(lc *queue.Lifecycle, exec executor.Executor, cfg Config) *Coordinator {
	if cfg.ID == "" {
		cfg.ID = "w-" + uuid.NewString()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &Coordinator{
		id:           cfg.ID,
		lifecycle:    lc,
		exec:         exec,
		pollInterval: cfg.PollInterval,
		staleAfter:   cfg.StaleAfter,
		collector:    cfg.Metrics,
	}
}

// ID returns the worker identifier recorded on claimed jobs.
func (c *Coordinator) ID() string { return c.id }

// Run executes the poll loop until ctx is cancelled, then returns once the
// current cycle (including any in-flight command) has finished. Errors
// inside a cycle are logged and the loop continues; a worker process only
// stops on request.
func (c *Coordinator) Run(ctx context.Context) {
	slog.Info("Coordinator.Run: worker starting", "workerID", c.id, "pollInterval", c.pollInterval)

	if c.collector != nil {
		c.collector.WorkerStarted()
		defer c.collector.WorkerStopped()
	}

	if c.staleAfter > 0 {
		sweeper := cron.New()
		if _, err := sweeper.AddFunc(sweepSchedule, c.sweep); err != nil {
			slog.Error("Coordinator.Run: failed to schedule stale sweep", "error", err)
		} else {
			sweeper.Start()
			defer sweeper.Stop()
		}
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Coordinator.Run: shutdown requested, draining", "workerID", c.id)
			return
		case <-ticker.C:
			c.cycle(ctx)
		}
	}
}

// cycle performs one acquire/execute/report pass. Panics are contained
// here so a misbehaving cycle cannot take the worker down.
func (c *Coordinator) cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Coordinator.cycle: recovered from panic", "workerID", c.id, "panic", r)
		}
	}()

	job, err := c.lifecycle.Acquire(ctx, c.id)
	if err != nil {
		// Store connectivity failures are transient to the loop: log and
		// poll again next tick.
		slog.Error("Coordinator.cycle: acquire failed", "workerID", c.id, "error", err)
		return
	}
	if job == nil {
		return
	}

	if c.collector != nil {
		c.collector.JobAcquired()
	}
	slog.Info("Coordinator.cycle: executing job", "workerID", c.id, "id", job.ID, "command", job.Command, "attempts", job.Attempts)

	// Shutdown must not preempt the in-flight command; the executor applies
	// its own timeout. Reporting below survives cancellation for the same
	// reason.
	execCtx := context.WithoutCancel(ctx)
	result := c.exec.Execute(execCtx, job.Command)

	if result.Succeeded {
		if _, err := c.lifecycle.Complete(execCtx, job.ID, result); err != nil {
			slog.Error("Coordinator.cycle: complete failed", "workerID", c.id, "id", job.ID, "error", err)
			return
		}
		if c.collector != nil {
			c.collector.JobCompleted(result.Duration)
		}
		return
	}

	updated, err := c.lifecycle.Fail(execCtx, job.ID, result, c.id)
	if err != nil {
		slog.Error("Coordinator.cycle: fail report failed", "workerID", c.id, "id", job.ID, "error", err)
		return
	}
	if c.collector != nil {
		c.collector.JobFailed(result.Duration)
		if updated != nil && updated.State == models.StateDead {
			c.collector.JobDead()
		}
	}
}

// sweep releases jobs abandoned by workers that died past their drain
// deadline.
func (c *Coordinator) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := c.lifecycle.ReleaseStale(ctx, c.staleAfter)
	if err != nil {
		slog.Error("Coordinator.sweep: stale release failed", "workerID", c.id, "error", err)
		return
	}
	if n > 0 {
		slog.Info("Coordinator.sweep: released abandoned jobs", "workerID", c.id, "count", n)
	}
}
