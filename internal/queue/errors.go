package queue

import "errors"

// Sentinel errors surfaced to callers of the lifecycle engine. They are
// validation failures: synchronous, never retried, and safe to match with
// errors.Is.
var (
	// ErrInvalidJob indicates an enqueue spec with a missing id or command.
	ErrInvalidJob = errors.New("invalid job: id and command are required")

	// ErrDuplicateJob indicates an enqueue with an id that already exists.
	ErrDuplicateJob = errors.New("job id already exists")

	// ErrNotInDLQ indicates a DLQ retry on a job that is not dead.
	ErrNotInDLQ = errors.New("job is not in the dead letter queue")

	// ErrJobNotFound indicates an operation on a job id with no record.
	ErrJobNotFound = errors.New("job not found")
)
