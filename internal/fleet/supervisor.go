// Package fleet manages a set of worker processes as one unit.
//
// Workers are independent OS processes (the re-executed taskpipe binary
// running `worker run`). The supervisor tracks them through a JSON sidecar
// file in the state directory; liveness is probed with signal 0, so a
// recorded process that already exited is never an error.
package fleet

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	// SidecarFileName is the fleet record file inside the state directory.
	SidecarFileName = "fleet.json"
	// DefaultGracePeriod is how long Stop waits after SIGTERM before
	// force-killing survivors.
	DefaultGracePeriod = 10 * time.Second
	// livenessPollInterval is how often Stop re-probes terminating workers.
	livenessPollInterval = 200 * time.Millisecond
	// logsDirPermissions applies to the per-worker log directory.
	logsDirPermissions = 0755
)

// WorkerRecord is one sidecar entry: a spawned worker process and the
// worker identifier it claims jobs under.
type WorkerRecord struct {
	PID       int       `json:"pid"`
	WorkerID  string    `json:"worker_id"`
	StartedAt time.Time `json:"started_at"`
}

// WorkerStatus is a liveness report for one recorded worker.
type WorkerStatus struct {
	WorkerRecord
	Running bool `json:"running"`
}

// SpawnFunc launches one worker process and returns its pid. Replaceable
// in tests.
type SpawnFunc func(workerID string) (int, error)

// Supervisor starts, tracks and stops a fleet of worker processes.
type Supervisor struct {
	stateDir    string
	gracePeriod time.Duration
	spawn       SpawnFunc
	workerEnv   []string
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithWorkerEnv sets the full environment spawned workers run with.
// Workers resolve their database and state directory from it, so the
// caller must forward its own resolved configuration here or the fleet
// drains a different queue than the one the supervisor was pointed at.
func WithWorkerEnv(env []string) Option {
	return func(s *Supervisor) {
		s.workerEnv = env
	}
}

// New creates a Supervisor over the given state directory. The default
// spawn function re-executes the current binary with `worker run`.
func New(stateDir string, gracePeriod time.Duration, opts ...Option) *Supervisor {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	s := &Supervisor{stateDir: stateDir, gracePeriod: gracePeriod}
	s.spawn = s.spawnWorkerProcess
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewWithSpawn creates a Supervisor with a custom spawn function.
func NewWithSpawn(stateDir string, gracePeriod time.Duration, spawn SpawnFunc) *Supervisor {
	s := New(stateDir, gracePeriod)
	s.spawn = spawn
	return s
}

// SidecarPath returns the location of the fleet record file.
func (s *Supervisor) SidecarPath() string {
	return filepath.Join(s.stateDir, SidecarFileName)
}

// Start spawns count worker processes with distinct worker identifiers and
// records them in the sidecar. Refuses to start when live workers are
// already recorded.
func (s *Supervisor) Start(count int) ([]WorkerRecord, error) {
	if count <= 0 {
		return nil, fmt.Errorf("fleet start: count must be positive, got %d", count)
	}

	existing := s.readSidecar()
	for _, rec := range existing {
		if isProcessRunning(rec.PID) {
			return nil, fmt.Errorf("fleet start: workers already running (pid %d), stop the fleet first", rec.PID)
		}
	}

	if err := os.MkdirAll(s.stateDir, logsDirPermissions); err != nil {
		return nil, fmt.Errorf("fleet start: create state directory: %w", err)
	}

	records := make([]WorkerRecord, 0, count)
	for i := 0; i < count; i++ {
		workerID := "w-" + uuid.NewString()
		pid, err := s.spawn(workerID)
		if err != nil {
			// Record what did start so a later Stop can clean up.
			if werr := s.writeSidecar(records); werr != nil {
				slog.Error("Supervisor.Start: sidecar write after spawn failure also failed", "error", werr)
			}
			return records, fmt.Errorf("fleet start: spawn worker %d of %d: %w", i+1, count, err)
		}
		records = append(records, WorkerRecord{PID: pid, WorkerID: workerID, StartedAt: time.Now().UTC()})
		slog.Info("Supervisor.Start: worker spawned", "pid", pid, "workerID", workerID)
	}

	if err := s.writeSidecar(records); err != nil {
		return records, fmt.Errorf("fleet start: %w", err)
	}
	return records, nil
}

// Stop signals every recorded worker to terminate gracefully, waits up to
// the grace period, force-kills survivors and clears the sidecar. A
// missing sidecar means no workers are running and is not an error.
func (s *Supervisor) Stop() (int, error) {
	records := s.readSidecar()
	if len(records) == 0 {
		slog.Info("Supervisor.Stop: no workers recorded")
		_ = os.Remove(s.SidecarPath())
		return 0, nil
	}

	var signalled []WorkerRecord
	for _, rec := range records {
		if !isProcessRunning(rec.PID) {
			slog.Debug("Supervisor.Stop: worker already exited", "pid", rec.PID, "workerID", rec.WorkerID)
			continue
		}
		proc, err := os.FindProcess(rec.PID)
		if err != nil {
			continue
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			slog.Warn("Supervisor.Stop: SIGTERM failed", "pid", rec.PID, "error", err)
			continue
		}
		slog.Info("Supervisor.Stop: sent SIGTERM", "pid", rec.PID, "workerID", rec.WorkerID)
		signalled = append(signalled, rec)
	}

	deadline := time.Now().Add(s.gracePeriod)
	for time.Now().Before(deadline) {
		if !anyRunning(signalled) {
			break
		}
		time.Sleep(livenessPollInterval)
	}

	stopped := len(signalled)
	for _, rec := range signalled {
		if !isProcessRunning(rec.PID) {
			continue
		}
		proc, err := os.FindProcess(rec.PID)
		if err != nil {
			continue
		}
		slog.Warn("Supervisor.Stop: grace period elapsed, killing worker", "pid", rec.PID, "workerID", rec.WorkerID)
		if err := proc.Kill(); err != nil {
			slog.Error("Supervisor.Stop: kill failed", "pid", rec.PID, "error", err)
		}
	}

	if err := os.Remove(s.SidecarPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return stopped, fmt.Errorf("fleet stop: remove sidecar: %w", err)
	}
	return stopped, nil
}

// Status reports the liveness of every recorded worker.
func (s *Supervisor) Status() ([]WorkerStatus, error) {
	records := s.readSidecar()
	statuses := make([]WorkerStatus, 0, len(records))
	for _, rec := range records {
		statuses = append(statuses, WorkerStatus{WorkerRecord: rec, Running: isProcessRunning(rec.PID)})
	}
	return statuses, nil
}

// workerCommand builds the `worker run` invocation for one worker. A nil
// worker environment inherits the supervisor's.
func (s *Supervisor) workerCommand(exe, workerID string) *exec.Cmd {
	cmd := exec.Command(exe, "worker", "run", "--worker-id", workerID)
	if len(s.workerEnv) > 0 {
		cmd.Env = s.workerEnv
	}
	return cmd
}

// spawnWorkerProcess re-executes the current binary as `worker run`,
// sending its output to a per-worker log file in the state directory.
func (s *Supervisor) spawnWorkerProcess(workerID string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve executable: %w", err)
	}

	logsDir := filepath.Join(s.stateDir, "logs")
	if err := os.MkdirAll(logsDir, logsDirPermissions); err != nil {
		return 0, fmt.Errorf("create logs directory: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(logsDir, workerID+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("open worker log: %w", err)
	}
	defer logFile.Close()

	cmd := s.workerCommand(exe, workerID)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start worker process: %w", err)
	}

	pid := cmd.Process.Pid
	// The supervisor process exits before the worker; releasing the handle
	// hands reaping over to init.
	if err := cmd.Process.Release(); err != nil {
		slog.Warn("Supervisor.spawnWorkerProcess: release failed", "pid", pid, "error", err)
	}
	return pid, nil
}

// readSidecar loads the fleet record. An absent file yields an empty set;
// a partially written or corrupt file is reported, treated as empty, and
// left for Stop to clear.
func (s *Supervisor) readSidecar() []WorkerRecord {
	data, err := os.ReadFile(s.SidecarPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		slog.Warn("Supervisor.readSidecar: unreadable sidecar, treating as empty", "path", s.SidecarPath(), "error", err)
		return nil
	}

	var records []WorkerRecord
	if err := json.Unmarshal(data, &records); err != nil {
		slog.Warn("Supervisor.readSidecar: corrupt sidecar, treating as empty", "path", s.SidecarPath(), "error", err)
		return nil
	}
	return records
}

// writeSidecar persists the fleet record atomically (write then rename).
func (s *Supervisor) writeSidecar(records []WorkerRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}

	tmp := s.SidecarPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	if err := os.Rename(tmp, s.SidecarPath()); err != nil {
		return fmt.Errorf("rename sidecar: %w", err)
	}
	return nil
}

// anyRunning reports whether any of the recorded processes is still alive.
func anyRunning(records []WorkerRecord) bool {
	for _, rec := range records {
		if isProcessRunning(rec.PID) {
			return true
		}
	}
	return false
}

// isProcessRunning checks if a process with the given PID is currently
// running. Signal 0 probes existence without delivering a signal.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
