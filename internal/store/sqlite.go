// Package store provides storage backends for TaskPipe.
//
// This file implements the SQLite-backed job store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/TaskPipe/internal/models"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
	// busyTimeoutMillis is how long SQLite waits on a locked database before
	// reporting SQLITE_BUSY. Required because multiple worker processes write
	// to the same file.
	busyTimeoutMillis = 5000
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements JobStore.
var _ JobStore = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	if !strings.Contains(dsn, "?") {
		dsn = fmt.Sprintf("%s?_busy_timeout=%d", dsn, busyTimeoutMillis)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *models.Job) error {
	now := time.Now().UTC()
	if job.State == "" {
		job.State = models.StatePending
	}
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (id, command, state, attempts, max_retries, next_retry_at, worker_id, output, error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Command, job.State, job.Attempts, job.MaxRetries,
		nilIfNoTime(job.NextRetryAt), nil, nilIfEmpty(job.Output), nilIfEmpty(job.Error),
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			slog.Debug("SQLiteStore.CreateJob: duplicate id", "id", job.ID)
			return fmt.Errorf("create job %s: %w", job.ID, ErrDuplicateID)
		}
		slog.Error("SQLiteStore.CreateJob failed", "error", err, "id", job.ID)
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	slog.Debug("SQLiteStore.CreateJob succeeded", "id", job.ID, "state", job.State)
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetJob failed", "error", err, "id", id)
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// AcquireJob claims the oldest eligible job in a single UPDATE statement.
// SQLite serializes writers, so the embedded subselect and the transition
// are indivisible: concurrent callers race on the whole statement, never on
// a read-then-write gap.
func (s *SQLiteStore) AcquireJob(ctx context.Context, workerID string, now time.Time) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
UPDATE jobs
SET state = ?, worker_id = ?, next_retry_at = NULL, updated_at = ?
WHERE id = (
    SELECT id FROM jobs
    WHERE state = ?
       OR (state = ? AND (next_retry_at IS NULL OR next_retry_at <= ?))
    ORDER BY created_at ASC
    LIMIT 1
)
RETURNING `+jobColumns,
		models.StateProcessing, workerID, now.UTC(),
		models.StatePending, models.StateFailed, now.UTC())

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.AcquireJob failed", "error", err, "workerID", workerID)
		return nil, fmt.Errorf("acquire job: %w", err)
	}
	slog.Debug("SQLiteStore.AcquireJob claimed job", "id", j.ID, "workerID", workerID)
	return j, nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, id string, upd models.JobUpdate) (*models.Job, error) {
	clauses, args := buildJobUpdate(upd, time.Now().UTC(), sqlitePlaceholders())
	args = append(args, id)

	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET `+strings.Join(clauses, ", ")+` WHERE id = ? RETURNING `+jobColumns,
		args...)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.UpdateJob failed", "error", err, "id", id)
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) ReleaseStale(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET state = ?, worker_id = NULL, updated_at = ?
WHERE state = ? AND updated_at < ?`,
		models.StatePending, time.Now().UTC(), models.StateProcessing, olderThan.UTC())
	if err != nil {
		slog.Error("SQLiteStore.ReleaseStale failed", "error", err)
		return 0, fmt.Errorf("release stale jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.ReleaseStale released abandoned jobs", "count", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) CountJobsByState(ctx context.Context) (map[models.JobState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		slog.Error("SQLiteStore.CountJobsByState query failed", "error", err)
		return nil, fmt.Errorf("count jobs by state: %w", err)
	}
	defer rows.Close()
	return collectStateCounts(rows)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, state *models.JobState) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY updated_at DESC`
	var args []any
	if state != nil {
		query = `SELECT ` + jobColumns + ` FROM jobs WHERE state = ? ORDER BY updated_at DESC`
		args = append(args, *state)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("SQLiteStore.ListJobs query failed", "error", err)
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *SQLiteStore) GetSettings(ctx context.Context) (models.Settings, error) {
	settings := models.DefaultSettings()

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		slog.Error("SQLiteStore.GetSettings query failed", "error", err)
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

func (s *SQLiteStore) SetSettings(ctx context.Context, settings models.Settings) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set settings: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for k, v := range settingsPairs(settings) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			k, v)
		if err != nil {
			slog.Error("SQLiteStore.SetSettings upsert failed", "error", err, "key", k)
			return fmt.Errorf("set setting %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// collectJobs drains a job result set.
func collectJobs(rows *sql.Rows) ([]*models.Job, error) {
	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

// collectStateCounts drains a (state, count) result set into a zero-filled map.
func collectStateCounts(rows *sql.Rows) (map[models.JobState]int, error) {
	counts := make(map[models.JobState]int, len(models.AllStates))
	for _, st := range models.AllStates {
		counts[st] = 0
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan state count row: %w", err)
		}
		counts[models.JobState(st)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state count rows: %w", err)
	}
	return counts, nil
}

// applySetting folds one settings row into the Settings struct, ignoring
// unknown keys and unparsable values.
func applySetting(settings *models.Settings, key, value string) {
	n, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("applySetting: ignoring non-integer setting", "key", key, "value", value)
		return
	}
	switch key {
	case "max_retries":
		settings.MaxRetries = n
	case "backoff_base":
		settings.BackoffBase = n
	default:
		slog.Warn("applySetting: unknown setting key", "key", key)
	}
}

// settingsPairs renders Settings as the key/value rows persisted in the
// settings table.
func settingsPairs(settings models.Settings) map[string]string {
	return map[string]string{
		"max_retries":  strconv.Itoa(settings.MaxRetries),
		"backoff_base": strconv.Itoa(settings.BackoffBase),
	}
}
