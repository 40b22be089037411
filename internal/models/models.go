// Package models defines the core data types shared across TaskPipe components.
package models

import "time"

// JobState represents the lifecycle state of a job.
type JobState string

const (
	StatePending    JobState = "pending"
	StateProcessing JobState = "processing"
	StateCompleted  JobState = "completed"
	StateFailed     JobState = "failed"
	StateDead       JobState = "dead"
)

// AllStates lists every job state in lifecycle order. Stats reporting
// iterates this to produce zero-filled counts.
var AllStates = []JobState{StatePending, StateProcessing, StateCompleted, StateFailed, StateDead}

// Valid reports whether s is one of the five known job states.
func (s JobState) Valid() bool {
	switch s {
	case StatePending, StateProcessing, StateCompleted, StateFailed, StateDead:
		return true
	}
	return false
}

// Job is the sole persisted entity: one shell command submitted for
// execution. A job is never physically deleted; all disposal happens
// through the dead state.
type Job struct {
	ID          string     `json:"id"`
	Command     string     `json:"command"`
	State       JobState   `json:"state"`
	Attempts    int        `json:"attempts"`
	MaxRetries  int        `json:"max_retries"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	WorkerID    *string    `json:"worker_id,omitempty"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobSpec is the caller-supplied description of a new job. MaxRetries
// zero means "use the configured default".
type JobSpec struct {
	ID         string `json:"id"`
	Command    string `json:"command"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

// JobUpdate describes a partial field update applied to a job by id.
// Nil pointer fields are left untouched; the Clear flags reset nullable
// columns. updated_at is always refreshed by the store.
type JobUpdate struct {
	State            *JobState
	Attempts         *int
	MaxRetries       *int
	NextRetryAt      *time.Time
	ClearNextRetryAt bool
	WorkerID         *string
	ClearWorkerID    bool
	Output           *string
	Error            *string
	ClearError       bool
}

// ExecutionResult is the normalized outcome of running a job's command.
// Executors never let spawn failures, non-zero exits or timeouts escape
// as errors; they are folded into this structure.
type ExecutionResult struct {
	Succeeded bool          `json:"succeeded"`
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Duration  time.Duration `json:"duration"`
	Message   string        `json:"message,omitempty"`
}

// Stats is a per-state job census. Counts always contains all five
// states (zero-filled) and Total equals their sum.
type Stats struct {
	Counts map[JobState]int `json:"counts"`
	Total  int              `json:"total"`
}

// Settings holds the store-persisted runtime defaults consumed by the
// lifecycle engine.
type Settings struct {
	MaxRetries  int `json:"max_retries"`
	BackoffBase int `json:"backoff_base"`
}

// Default settings applied when the settings table has no overrides.
const (
	DefaultMaxRetries  = 3
	DefaultBackoffBase = 2
)

// DefaultSettings returns the built-in runtime defaults.
func DefaultSettings() Settings {
	return Settings{MaxRetries: DefaultMaxRetries, BackoffBase: DefaultBackoffBase}
}
