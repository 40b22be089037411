// Package testutil provides common test utilities and helpers for TaskPipe tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/store"
)

// NewTestStore creates a SQLite store in a per-test temporary directory.
// The store is closed automatically when the test finishes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(store.WithDSN(filepath.Join(t.TempDir(), "taskpipe.db")))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// SeedJob inserts a pending job with the given id and command and fails
// the test on error.
func SeedJob(t *testing.T, s store.JobStore, id, command string, maxRetries int) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:         id,
		Command:    command,
		State:      models.StatePending,
		MaxRetries: maxRetries,
	}
	if err := s.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("failed to seed job %s: %v", id, err)
	}
	return job
}

// GetJob fetches a job and fails the test when it is missing or the
// lookup errors.
func GetJob(t *testing.T, s store.JobStore, id string) *models.Job {
	t.Helper()
	job, err := s.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to get job %s: %v", id, err)
	}
	if job == nil {
		t.Fatalf("job %s not found", id)
	}
	return job
}

// AssertJobState checks a job's persisted state.
func AssertJobState(t *testing.T, s store.JobStore, id string, want models.JobState) {
	t.Helper()
	job := GetJob(t, s, id)
	if job.State != want {
		t.Errorf("job %s: expected state %s, got %s", id, want, job.State)
	}
}

// Eventually polls condition every 10ms until it returns true or the
// deadline elapses, then fails the test.
func Eventually(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}
