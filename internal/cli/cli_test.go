package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/TaskPipe/internal/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"TASKPIPE_DB_DRIVER", "TASKPIPE_DB_DSN", "TASKPIPE_STATE_DIR",
		"TASKPIPE_POLL_INTERVAL", "TASKPIPE_DRAIN_TIMEOUT",
		"TASKPIPE_FLEET_GRACE", "TASKPIPE_EXEC_TIMEOUT", "TASKPIPE_METRICS_ADDR",
		"TASKPIPE_MAX_RETRIES", "TASKPIPE_BACKOFF_BASE",
		"TASKPIPE_STALE_AFTER", "TASKPIPE_SWEEP_ENABLED",
	} {
		t.Setenv(key, "")
	}
}

func runCommand(t *testing.T, args ...string) error {
	t.Helper()
	root := NewRootCommand()
	root.SetArgs(args)
	return root.Execute()
}

// Relocating the state dir must take the database with it; sidecar and
// database always live in the same directory unless a DSN is given
// explicitly.
func TestStateDirFlagRelocatesDatabase(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	if err := runCommand(t, "--state-dir", dir, "status"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, config.DefaultDBFileName)); err != nil {
		t.Errorf("database not created in the overridden state dir: %v", err)
	}
}

func TestExplicitDSNWinsOverStateDir(t *testing.T) {
	clearEnv(t)
	stateDir := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "elsewhere.db")

	if err := runCommand(t, "--state-dir", stateDir, "--db", dbPath, "status"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database not created at the explicit DSN: %v", err)
	}
	if _, err := os.Stat(filepath.Join(stateDir, config.DefaultDBFileName)); !os.IsNotExist(err) {
		t.Errorf("state dir should not grow a database when a DSN is explicit: %v", err)
	}
}

func TestEnvDSNWinsOverStateDirFlag(t *testing.T) {
	clearEnv(t)
	stateDir := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "env.db")
	t.Setenv("TASKPIPE_DB_DSN", dbPath)

	if err := runCommand(t, "--state-dir", stateDir, "status"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database not created at the env DSN: %v", err)
	}
}

func TestWorkerEnvCarriesResolvedConfig(t *testing.T) {
	cfg := config.Config{
		DBDriver: "sqlite3",
		DBDSN:    "/srv/queue/q.db",
		StateDir: "/srv/queue",
	}

	env := workerEnv(cfg)
	want := []string{
		"TASKPIPE_DB_DRIVER=sqlite3",
		"TASKPIPE_DB_DSN=/srv/queue/q.db",
		"TASKPIPE_STATE_DIR=/srv/queue",
	}
	found := map[string]bool{}
	for _, e := range env {
		found[e] = true
	}
	for _, e := range want {
		if !found[e] {
			t.Errorf("worker env missing %q", e)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("expected untouched string, got %q", got)
	}
	if got := truncate("abcdefghij", 5); got != "abcd…" {
		t.Errorf("expected %q, got %q", "abcd…", got)
	}
	// Multi-byte runes must never be split mid-sequence.
	got := truncate("日本語のコマンド出力", 5)
	if got != "日本語の…" {
		t.Errorf("expected %q, got %q", "日本語の…", got)
	}
}
