package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

// jobColumns is the canonical column list scanned by scanJob. Every query
// returning job rows must select exactly these columns in this order.
const jobColumns = `id, command, state, attempts, max_retries, next_retry_at, worker_id, output, error, created_at, updated_at`

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanJob scans one job record from a row produced with jobColumns.
func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var nextRetryAt sql.NullTime
	var workerID, output, errMsg sql.NullString
	err := row.Scan(
		&j.ID, &j.Command, &j.State, &j.Attempts, &j.MaxRetries,
		&nextRetryAt, &workerID, &output, &errMsg, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		j.NextRetryAt = &t
	}
	if workerID.Valid {
		w := workerID.String
		j.WorkerID = &w
	}
	j.Output = output.String
	j.Error = errMsg.String
	return &j, nil
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nilIfNoTime returns nil if t is nil, otherwise the dereferenced time.
func nilIfNoTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// placeholderFunc yields the next SQL parameter placeholder for a backend:
// "?" for SQLite, "$1", "$2", ... for PostgreSQL.
type placeholderFunc func() string

func sqlitePlaceholders() placeholderFunc {
	return func() string { return "?" }
}

func postgresPlaceholders() placeholderFunc {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("$%d", n)
	}
}

// buildJobUpdate renders a models.JobUpdate into SET clauses and bind
// arguments. updated_at is always included, so the returned clause list is
// never empty.
func buildJobUpdate(upd models.JobUpdate, now time.Time, ph placeholderFunc) ([]string, []any) {
	var clauses []string
	var args []any
	set := func(column string, value any) {
		clauses = append(clauses, fmt.Sprintf("%s = %s", column, ph()))
		args = append(args, value)
	}

	if upd.State != nil {
		set("state", string(*upd.State))
	}
	if upd.Attempts != nil {
		set("attempts", *upd.Attempts)
	}
	if upd.MaxRetries != nil {
		set("max_retries", *upd.MaxRetries)
	}
	if upd.NextRetryAt != nil {
		set("next_retry_at", upd.NextRetryAt.UTC())
	} else if upd.ClearNextRetryAt {
		clauses = append(clauses, "next_retry_at = NULL")
	}
	if upd.WorkerID != nil {
		set("worker_id", *upd.WorkerID)
	} else if upd.ClearWorkerID {
		clauses = append(clauses, "worker_id = NULL")
	}
	if upd.Output != nil {
		set("output", *upd.Output)
	}
	if upd.Error != nil {
		set("error", *upd.Error)
	} else if upd.ClearError {
		clauses = append(clauses, "error = NULL")
	}
	set("updated_at", now.UTC())

	return clauses, args
}
