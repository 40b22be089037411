package fleet

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// sleepSpawner launches real sleep processes so liveness probes and signal
// delivery behave as they would with worker processes. Each child is
// reaped in the background so a killed pid does not linger as a zombie
// that still answers signal 0.
func sleepSpawner(t *testing.T) SpawnFunc {
	t.Helper()
	return func(workerID string) (int, error) {
		cmd := exec.Command("sleep", "60")
		if err := cmd.Start(); err != nil {
			return 0, err
		}
		go cmd.Wait()
		pid := cmd.Process.Pid
		t.Cleanup(func() {
			if p, err := os.FindProcess(pid); err == nil {
				_ = p.Kill()
			}
		})
		return pid, nil
	}
}

func TestStartRecordsWorkers(t *testing.T) {
	dir := t.TempDir()
	s := NewWithSpawn(dir, time.Second, sleepSpawner(t))

	records, err := s.Start(3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	seen := map[string]bool{}
	for _, rec := range records {
		if rec.PID <= 0 {
			t.Errorf("invalid pid in record: %+v", rec)
		}
		if !strings.HasPrefix(rec.WorkerID, "w-") {
			t.Errorf("unexpected worker id format: %s", rec.WorkerID)
		}
		if seen[rec.WorkerID] {
			t.Errorf("duplicate worker id %s", rec.WorkerID)
		}
		seen[rec.WorkerID] = true
	}

	if _, err := os.Stat(s.SidecarPath()); err != nil {
		t.Errorf("sidecar not written: %v", err)
	}
}

func TestStartRefusesWhileRunning(t *testing.T) {
	dir := t.TempDir()
	s := NewWithSpawn(dir, time.Second, sleepSpawner(t))

	if _, err := s.Start(1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Start(1); err == nil {
		t.Fatal("second start should be refused while workers run")
	}
}

func TestStartRejectsNonPositiveCount(t *testing.T) {
	s := New(t.TempDir(), time.Second)
	if _, err := s.Start(0); err == nil {
		t.Error("count 0 should be rejected")
	}
	if _, err := s.Start(-2); err == nil {
		t.Error("negative count should be rejected")
	}
}

func TestStatusReportsLiveness(t *testing.T) {
	dir := t.TempDir()
	s := NewWithSpawn(dir, time.Second, sleepSpawner(t))

	records, err := s.Start(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	statuses, err := s.Status()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	for _, st := range statuses {
		if !st.Running {
			t.Errorf("worker %s (pid %d) should be running", st.WorkerID, st.PID)
		}
	}

	// Kill one worker out of band; status must report it dead without error.
	proc, err := os.FindProcess(records[0].PID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := proc.Kill(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForExit(t, records[0].PID)

	statuses, err = s.Status()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var running int
	for _, st := range statuses {
		if st.Running {
			running++
		}
	}
	if running != 1 {
		t.Errorf("expected 1 running worker, got %d", running)
	}
}

func TestStopTerminatesFleet(t *testing.T) {
	dir := t.TempDir()
	s := NewWithSpawn(dir, 2*time.Second, sleepSpawner(t))

	records, err := s.Start(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stopped, err := s.Stop()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stopped != 2 {
		t.Errorf("expected 2 workers stopped, got %d", stopped)
	}
	for _, rec := range records {
		waitForExit(t, rec.PID)
	}
	if _, err := os.Stat(s.SidecarPath()); !os.IsNotExist(err) {
		t.Error("sidecar should be removed after stop")
	}
}

func TestStopWithoutSidecar(t *testing.T) {
	s := New(t.TempDir(), time.Second)
	stopped, err := s.Stop()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stopped != 0 {
		t.Errorf("expected 0 stopped, got %d", stopped)
	}
}

func TestStopToleratesExitedWorkers(t *testing.T) {
	dir := t.TempDir()
	s := NewWithSpawn(dir, time.Second, sleepSpawner(t))

	records, err := s.Start(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	proc, err := os.FindProcess(records[0].PID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := proc.Kill(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForExit(t, records[0].PID)

	stopped, err := s.Stop()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stopped != 0 {
		t.Errorf("already-exited worker should not count as stopped, got %d", stopped)
	}
}

func TestCorruptSidecarTreatedAsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, SidecarFileName), []byte("{not json"), 0644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := NewWithSpawn(dir, time.Second, sleepSpawner(t))
	statuses, err := s.Status()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(statuses) != 0 {
		t.Errorf("corrupt sidecar should read as empty, got %d entries", len(statuses))
	}

	// A corrupt sidecar must not block a fresh start.
	if _, err := s.Start(1); err != nil {
		t.Errorf("start after corrupt sidecar failed: %v", err)
	}
}

func TestSidecarRoundTrip(t *testing.T) {
	s := New(t.TempDir(), time.Second)
	want := []WorkerRecord{
		{PID: 1234, WorkerID: "w-one", StartedAt: time.Now().UTC().Truncate(time.Second)},
		{PID: 5678, WorkerID: "w-two", StartedAt: time.Now().UTC().Truncate(time.Second)},
	}
	if err := s.writeSidecar(want); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := s.readSidecar()
	if len(got) != 2 || got[0].WorkerID != "w-one" || got[1].PID != 5678 {
		t.Errorf("sidecar round trip mismatch: %+v", got)
	}
}

func TestWorkerCommandForwardsEnv(t *testing.T) {
	env := []string{
		"TASKPIPE_DB_DRIVER=sqlite3",
		"TASKPIPE_DB_DSN=/srv/queue/q.db",
		"TASKPIPE_STATE_DIR=/srv/queue",
	}
	s := New(t.TempDir(), time.Second, WithWorkerEnv(env))

	cmd := s.workerCommand("/usr/local/bin/taskpipe", "w-abc")
	want := []string{"/usr/local/bin/taskpipe", "worker", "run", "--worker-id", "w-abc"}
	if len(cmd.Args) != len(want) {
		t.Fatalf("unexpected args: %v", cmd.Args)
	}
	for i, arg := range want {
		if cmd.Args[i] != arg {
			t.Errorf("arg %d: expected %q, got %q", i, arg, cmd.Args[i])
		}
	}

	found := map[string]bool{}
	for _, e := range cmd.Env {
		found[e] = true
	}
	for _, e := range env {
		if !found[e] {
			t.Errorf("worker env missing %q", e)
		}
	}
}

func TestWorkerCommandInheritsEnvByDefault(t *testing.T) {
	s := New(t.TempDir(), time.Second)
	cmd := s.workerCommand("/usr/local/bin/taskpipe", "w-abc")
	if cmd.Env != nil {
		t.Errorf("expected inherited environment, got %v", cmd.Env)
	}
}

// waitForExit blocks until signal 0 stops reaching pid.
func waitForExit(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if !isProcessRunning(pid) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("pid %d still running", pid)
}
