// Package queue implements the job lifecycle engine.
//
// The Lifecycle mediates every state change a job goes through: enqueue,
// acquire, complete, fail, release, and dead-letter retry. All mutations
// funnel through the store's atomic primitives; the engine itself holds no
// lock, because in-process locks cannot exclude the other worker processes
// sharing the same store.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/backoff"
	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/store"
)

// Fallback error messages recorded when a failed execution carried no
// stderr and no message.
const (
	msgMaxRetriesExceeded = "max retries exceeded"
	msgExecutionFailed    = "job execution failed"
)

// Lifecycle is the queue engine. Safe for concurrent use; all shared state
// lives in the store.
type Lifecycle struct {
	store             store.JobStore
	policy            backoff.Policy
	defaultMaxRetries int
}

// Options configures a Lifecycle.
type Options struct {
	// DefaultMaxRetries is applied to enqueued jobs that do not override
	// it. Non-positive values fall back to models.DefaultMaxRetries.
	DefaultMaxRetries int
	// Policy computes retry delays. Nil falls back to exponential backoff
	// with the default base.
	Policy backoff.Policy
}

// New creates a Lifecycle backed by the given store.
func New(st store.JobStore, opts Options) *Lifecycle {
	if opts.DefaultMaxRetries <= 0 {
		opts.DefaultMaxRetries = models.DefaultMaxRetries
	}
	if opts.Policy == nil {
		opts.Policy = backoff.NewExponential(models.DefaultBackoffBase)
	}
	return &Lifecycle{
		store:             st,
		policy:            opts.Policy,
		defaultMaxRetries: opts.DefaultMaxRetries,
	}
}

// Enqueue validates the spec and persists a new pending job. The id is
// caller-chosen; a collision is a client error (ErrDuplicateJob), not a
// concurrency race to defend against.
func (l *Lifecycle) Enqueue(ctx context.Context, spec models.JobSpec) (*models.Job, error) {
	if spec.ID == "" || spec.Command == "" {
		return nil, fmt.Errorf("enqueue: %w", ErrInvalidJob)
	}

	existing, err := l.store.GetJob(ctx, spec.ID)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", spec.ID, err)
	}
	if existing != nil {
		return nil, fmt.Errorf("enqueue %s: %w", spec.ID, ErrDuplicateJob)
	}

	maxRetries := spec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = l.defaultMaxRetries
	}

	job := &models.Job{
		ID:         spec.ID,
		Command:    spec.Command,
		State:      models.StatePending,
		Attempts:   0,
		MaxRetries: maxRetries,
	}
	if err := l.store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, store.ErrDuplicateID) {
			return nil, fmt.Errorf("enqueue %s: %w", spec.ID, ErrDuplicateJob)
		}
		return nil, fmt.Errorf("enqueue %s: %w", spec.ID, err)
	}
	slog.Info("Lifecycle.Enqueue: job enqueued", "id", job.ID, "maxRetries", job.MaxRetries)
	return job, nil
}

// Acquire atomically claims the oldest eligible job for workerID. Returns
// nil, nil when nothing is due. This is the sole cross-process exclusion
// point: the store performs selection and transition in one statement.
func (l *Lifecycle) Acquire(ctx context.Context, workerID string) (*models.Job, error) {
	job, err := l.store.AcquireJob(ctx, workerID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("acquire for worker %s: %w", workerID, err)
	}
	if job != nil {
		slog.Debug("Lifecycle.Acquire: job claimed", "id", job.ID, "workerID", workerID, "attempts", job.Attempts)
	}
	return job, nil
}

// Complete records a successful execution: state completed, output from
// stdout, error from stderr when non-empty, owner cleared.
func (l *Lifecycle) Complete(ctx context.Context, jobID string, result models.ExecutionResult) (*models.Job, error) {
	state := models.StateCompleted
	upd := models.JobUpdate{
		State:         &state,
		Output:        &result.Stdout,
		ClearWorkerID: true,
		ClearError:    true,
	}
	if result.Stderr != "" {
		upd.Error = &result.Stderr
	}

	job, err := l.store.UpdateJob(ctx, jobID, upd)
	if err != nil {
		return nil, fmt.Errorf("complete %s: %w", jobID, err)
	}
	if job == nil {
		slog.Warn("Lifecycle.Complete: job vanished", "id", jobID)
		return nil, nil
	}
	slog.Info("Lifecycle.Complete: job completed", "id", jobID, "duration", result.Duration)
	return job, nil
}

// Fail records a failed execution attempt. The attempt counter increments;
// when it reaches the job's retry ceiling the job is dead-lettered,
// otherwise it becomes failed with a next_retry_at computed from the
// backoff policy. Returns nil, nil when the job no longer exists.
func (l *Lifecycle) Fail(ctx context.Context, jobID string, result models.ExecutionResult, workerID string) (*models.Job, error) {
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("fail %s: %w", jobID, err)
	}
	if job == nil {
		slog.Warn("Lifecycle.Fail: job vanished", "id", jobID, "workerID", workerID)
		return nil, nil
	}

	attempts := job.Attempts + 1
	upd := models.JobUpdate{
		Attempts:      &attempts,
		ClearWorkerID: true,
	}

	if attempts >= job.MaxRetries {
		state := models.StateDead
		errMsg := failureMessage(result, msgMaxRetriesExceeded)
		upd.State = &state
		upd.Error = &errMsg
		upd.ClearNextRetryAt = true
		slog.Warn("Lifecycle.Fail: job dead-lettered", "id", jobID, "attempts", attempts, "maxRetries", job.MaxRetries)
	} else {
		state := models.StateFailed
		errMsg := failureMessage(result, msgExecutionFailed)
		nextRetry := time.Now().UTC().Add(l.policy.Delay(attempts))
		upd.State = &state
		upd.Error = &errMsg
		upd.NextRetryAt = &nextRetry
		slog.Info("Lifecycle.Fail: job scheduled for retry", "id", jobID, "attempts", attempts, "nextRetryAt", nextRetry)
	}

	updated, err := l.store.UpdateJob(ctx, jobID, upd)
	if err != nil {
		return nil, fmt.Errorf("fail %s: %w", jobID, err)
	}
	return updated, nil
}

// Release returns an abandoned processing job to pending without touching
// its attempt counter. Jobs in any other state pass through unchanged.
// Used when a worker is known to have died mid-job.
func (l *Lifecycle) Release(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("release %s: %w", jobID, err)
	}
	if job == nil {
		return nil, nil
	}
	if job.State != models.StateProcessing {
		return job, nil
	}

	state := models.StatePending
	updated, err := l.store.UpdateJob(ctx, jobID, models.JobUpdate{
		State:         &state,
		ClearWorkerID: true,
	})
	if err != nil {
		return nil, fmt.Errorf("release %s: %w", jobID, err)
	}
	slog.Info("Lifecycle.Release: job released back to pending", "id", jobID)
	return updated, nil
}

// ReleaseStale sweeps every processing job untouched for longer than
// olderThan back to pending. Crash recovery for workers that were killed
// past their drain deadline.
func (l *Lifecycle) ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := l.store.ReleaseStale(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("release stale: %w", err)
	}
	return n, nil
}

// RetryDLQ resurrects a dead job: back to pending with a fresh attempt
// budget taken from the configured default. Fails with ErrNotInDLQ when
// the job is in any other state.
func (l *Lifecycle) RetryDLQ(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("retry dlq %s: %w", jobID, err)
	}
	if job == nil {
		return nil, fmt.Errorf("retry dlq %s: %w", jobID, ErrJobNotFound)
	}
	if job.State != models.StateDead {
		return nil, fmt.Errorf("retry dlq %s (state %s): %w", jobID, job.State, ErrNotInDLQ)
	}

	state := models.StatePending
	attempts := 0
	maxRetries := l.defaultMaxRetries
	updated, err := l.store.UpdateJob(ctx, jobID, models.JobUpdate{
		State:            &state,
		Attempts:         &attempts,
		MaxRetries:       &maxRetries,
		ClearNextRetryAt: true,
		ClearWorkerID:    true,
		ClearError:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("retry dlq %s: %w", jobID, err)
	}
	slog.Info("Lifecycle.RetryDLQ: job resurrected", "id", jobID, "maxRetries", maxRetries)
	return updated, nil
}

// Get retrieves a single job by id. Returns nil, nil when absent.
func (l *Lifecycle) Get(ctx context.Context, jobID string) (*models.Job, error) {
	return l.store.GetJob(ctx, jobID)
}

// List returns jobs ordered by most recent update, optionally filtered by
// state.
func (l *Lifecycle) List(ctx context.Context, state *models.JobState) ([]*models.Job, error) {
	jobs, err := l.store.ListJobs(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Stats returns the per-state job census with all five states present.
func (l *Lifecycle) Stats(ctx context.Context) (models.Stats, error) {
	counts, err := l.store.CountJobsByState(ctx)
	if err != nil {
		return models.Stats{}, fmt.Errorf("stats: %w", err)
	}
	stats := models.Stats{Counts: counts}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}

// failureMessage picks the recorded error for a failed attempt: stderr
// first, then the executor's message, then the fallback.
func failureMessage(result models.ExecutionResult, fallback string) string {
	if result.Stderr != "" {
		return result.Stderr
	}
	if result.Message != "" {
		return result.Message
	}
	return fallback
}
