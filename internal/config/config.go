// Package config loads TaskPipe process configuration from the
// environment. Runtime queue defaults (max retries, backoff base) live in
// the store's settings table so every worker process shares them; the
// TASKPIPE_MAX_RETRIES and TASKPIPE_BACKOFF_BASE variables override them
// per process.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for TaskPipe state data
	// (database file, fleet sidecar, worker logs).
	DefaultStateDir = "/var/lib/taskpipe"
	// DefaultDBFileName is the default SQLite database filename.
	DefaultDBFileName = "taskpipe.db"
	// DefaultDriver is the database driver used when none is configured.
	DefaultDriver = "sqlite3"

	// DefaultPollInterval is the worker wait between empty polls.
	DefaultPollInterval = time.Second
	// DefaultDrainTimeout is the hard deadline for a worker to finish its
	// in-flight job after a shutdown request.
	DefaultDrainTimeout = 30 * time.Second
	// DefaultFleetGrace is how long fleet stop waits before force-killing.
	DefaultFleetGrace = 10 * time.Second
	// DefaultExecTimeout bounds a single job command execution.
	DefaultExecTimeout = 5 * time.Minute
)

// Config holds environment-derived process configuration.
type Config struct {
	DBDriver     string
	DBDSN        string
	StateDir     string
	PollInterval time.Duration
	DrainTimeout time.Duration
	FleetGrace   time.Duration
	ExecTimeout  time.Duration
	MetricsAddr  string

	// MaxRetries and BackoffBase override the store-persisted settings
	// for this process when positive; zero defers to the settings table.
	MaxRetries  int
	BackoffBase int

	// StaleAfter overrides the worker's abandoned-job threshold when
	// positive. SweepEnabled false disables the sweep entirely.
	StaleAfter   time.Duration
	SweepEnabled bool
}

// Load reads configuration from a .env file (when present) and the
// environment, applying defaults for anything unset.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("config.Load: no .env file loaded", "error", err)
	} else {
		slog.Debug("config.Load: .env file loaded")
	}

	cfg := Config{
		DBDriver:     os.Getenv("TASKPIPE_DB_DRIVER"),
		DBDSN:        os.Getenv("TASKPIPE_DB_DSN"),
		StateDir:     os.Getenv("TASKPIPE_STATE_DIR"),
		PollInterval: util.ParseDurationEnv("TASKPIPE_POLL_INTERVAL", DefaultPollInterval),
		DrainTimeout: util.ParseDurationEnv("TASKPIPE_DRAIN_TIMEOUT", DefaultDrainTimeout),
		FleetGrace:   util.ParseDurationEnv("TASKPIPE_FLEET_GRACE", DefaultFleetGrace),
		ExecTimeout:  util.ParseDurationEnv("TASKPIPE_EXEC_TIMEOUT", DefaultExecTimeout),
		MetricsAddr:  os.Getenv("TASKPIPE_METRICS_ADDR"),
		MaxRetries:   util.ParseIntEnv("TASKPIPE_MAX_RETRIES", 0),
		BackoffBase:  util.ParseIntEnv("TASKPIPE_BACKOFF_BASE", 0),
		StaleAfter:   util.ParseDurationEnv("TASKPIPE_STALE_AFTER", 0),
		SweepEnabled: util.ParseBoolEnv("TASKPIPE_SWEEP_ENABLED", true),
	}

	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
		slog.Debug("config.Load: no TASKPIPE_STATE_DIR set, using default", "stateDir", cfg.StateDir)
	}
	if cfg.DBDriver == "" {
		cfg.DBDriver = DefaultDriver
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = filepath.Join(cfg.StateDir, DefaultDBFileName)
		slog.Debug("config.Load: no TASKPIPE_DB_DSN set, using state dir database", "dsn", cfg.DBDSN)
	}

	return cfg
}

// LogLevel returns the slog level configured via TASKPIPE_LOG_LEVEL
// (debug|info|warn|error), defaulting to info.
func LogLevel() slog.Level {
	switch os.Getenv("TASKPIPE_LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
