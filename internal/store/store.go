// Package store provides storage backends for TaskPipe.
//
// Two backends implement the JobStore contract: SQLite for single-host
// deployments and PostgreSQL for shared database setups. The contract's
// central guarantee is the atomic conditional acquire: selection and
// transition of the next eligible job happen in one indivisible statement,
// which is the only cross-process exclusion mechanism worker fleets rely on.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

// ErrDuplicateID is returned by CreateJob when a job with the same id
// already exists.
var ErrDuplicateID = errors.New("job id already exists")

// JobStore is the persistence contract required by the lifecycle engine.
type JobStore interface {
	// CreateJob inserts a new job record. Returns ErrDuplicateID if the
	// id is already taken.
	CreateJob(ctx context.Context, job *models.Job) error

	// GetJob retrieves a single job by id. Returns nil, nil when the job
	// does not exist.
	GetJob(ctx context.Context, id string) (*models.Job, error)

	// AcquireJob atomically claims the oldest eligible job for workerID:
	// state pending, or state failed with next_retry_at null or <= now.
	// The claimed job transitions to processing with worker_id set and
	// next_retry_at cleared. Returns nil, nil when no job is eligible.
	// Selection and transition are a single atomic statement; two callers
	// can never receive the same job.
	AcquireJob(ctx context.Context, workerID string, now time.Time) (*models.Job, error)

	// UpdateJob applies a partial field update to the job with the given
	// id and returns the post-update record. Returns nil, nil when the
	// job does not exist.
	UpdateJob(ctx context.Context, id string, upd models.JobUpdate) (*models.Job, error)

	// ReleaseStale resets processing jobs whose updated_at is older than
	// olderThan back to pending with worker_id cleared, and reports how
	// many were released. Attempts are not incremented; this is crash
	// recovery, not failure accounting.
	ReleaseStale(ctx context.Context, olderThan time.Time) (int, error)

	// CountJobsByState returns the number of jobs in each state. States
	// with no jobs are present with a zero count.
	CountJobsByState(ctx context.Context) (map[models.JobState]int, error)

	// ListJobs returns jobs ordered by most recent update. A nil state
	// filter returns jobs in every state.
	ListJobs(ctx context.Context, state *models.JobState) ([]*models.Job, error)

	// GetSettings returns the persisted runtime defaults, falling back to
	// built-in values for keys that were never set.
	GetSettings(ctx context.Context) (models.Settings, error)

	// SetSettings persists the runtime defaults.
	SetSettings(ctx context.Context, settings models.Settings) error

	// Close releases the underlying database connection.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	// DSN is the database connection string: a file path for SQLite, a
	// connection URL for PostgreSQL.
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}
