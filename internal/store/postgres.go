// Package store provides storage backends for TaskPipe.
//
// This file implements the PostgreSQL-backed job store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute

	// pgUniqueViolation is the PostgreSQL error code for unique constraint violations.
	pgUniqueViolation = "23505"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements JobStore.
var _ JobStore = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	return s.db.Close()
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	now := time.Now().UTC()
	if job.State == "" {
		job.State = models.StatePending
	}
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (id, command, state, attempts, max_retries, next_retry_at, worker_id, output, error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.Command, job.State, job.Attempts, job.MaxRetries,
		nilIfNoTime(job.NextRetryAt), nil, nilIfEmpty(job.Output), nilIfEmpty(job.Error),
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
			slog.Debug("PostgresStore.CreateJob: duplicate id", "id", job.ID)
			return fmt.Errorf("create job %s: %w", job.ID, ErrDuplicateID)
		}
		slog.Error("PostgresStore.CreateJob failed", "error", err, "id", job.ID)
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	slog.Debug("PostgresStore.CreateJob succeeded", "id", job.ID, "state", job.State)
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetJob failed", "error", err, "id", id)
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// AcquireJob claims the oldest eligible job in a single statement. The
// subselect locks the candidate row with FOR UPDATE SKIP LOCKED, so
// concurrent workers racing on the same pool skip past each other instead
// of blocking or double-claiming.
func (s *PostgresStore) AcquireJob(ctx context.Context, workerID string, now time.Time) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
UPDATE jobs
SET state = $1, worker_id = $2, next_retry_at = NULL, updated_at = $3
WHERE id = (
    SELECT id FROM jobs
    WHERE state = $4
       OR (state = $5 AND (next_retry_at IS NULL OR next_retry_at <= $6))
    ORDER BY created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING `+jobColumns,
		models.StateProcessing, workerID, now.UTC(),
		models.StatePending, models.StateFailed, now.UTC())

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.AcquireJob failed", "error", err, "workerID", workerID)
		return nil, fmt.Errorf("acquire job: %w", err)
	}
	slog.Debug("PostgresStore.AcquireJob claimed job", "id", j.ID, "workerID", workerID)
	return j, nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, id string, upd models.JobUpdate) (*models.Job, error) {
	ph := postgresPlaceholders()
	clauses, args := buildJobUpdate(upd, time.Now().UTC(), ph)
	args = append(args, id)

	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET `+strings.Join(clauses, ", ")+` WHERE id = `+ph()+` RETURNING `+jobColumns,
		args...)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.UpdateJob failed", "error", err, "id", id)
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	return j, nil
}

func (s *PostgresStore) ReleaseStale(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET state = $1, worker_id = NULL, updated_at = $2
WHERE state = $3 AND updated_at < $4`,
		models.StatePending, time.Now().UTC(), models.StateProcessing, olderThan.UTC())
	if err != nil {
		slog.Error("PostgresStore.ReleaseStale failed", "error", err)
		return 0, fmt.Errorf("release stale jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.ReleaseStale released abandoned jobs", "count", n)
	}
	return int(n), nil
}

func (s *PostgresStore) CountJobsByState(ctx context.Context) (map[models.JobState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		slog.Error("PostgresStore.CountJobsByState query failed", "error", err)
		return nil, fmt.Errorf("count jobs by state: %w", err)
	}
	defer rows.Close()
	return collectStateCounts(rows)
}

func (s *PostgresStore) ListJobs(ctx context.Context, state *models.JobState) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY updated_at DESC`
	var args []any
	if state != nil {
		query = `SELECT ` + jobColumns + ` FROM jobs WHERE state = $1 ORDER BY updated_at DESC`
		args = append(args, *state)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("PostgresStore.ListJobs query failed", "error", err)
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *PostgresStore) GetSettings(ctx context.Context) (models.Settings, error) {
	settings := models.DefaultSettings()

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		slog.Error("PostgresStore.GetSettings query failed", "error", err)
		return settings, fmt.Errorf("get settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return settings, fmt.Errorf("scan settings row: %w", err)
		}
		applySetting(&settings, k, v)
	}
	return settings, rows.Err()
}

func (s *PostgresStore) SetSettings(ctx context.Context, settings models.Settings) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set settings: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for k, v := range settingsPairs(settings) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO settings (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
			k, v)
		if err != nil {
			slog.Error("PostgresStore.SetSettings upsert failed", "error", err, "key", k)
			return fmt.Errorf("set setting %s: %w", k, err)
		}
	}
	return tx.Commit()
}
