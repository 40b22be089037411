package config

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"TASKPIPE_DB_DRIVER", "TASKPIPE_DB_DSN", "TASKPIPE_STATE_DIR",
		"TASKPIPE_POLL_INTERVAL", "TASKPIPE_DRAIN_TIMEOUT",
		"TASKPIPE_FLEET_GRACE", "TASKPIPE_EXEC_TIMEOUT", "TASKPIPE_METRICS_ADDR",
		"TASKPIPE_MAX_RETRIES", "TASKPIPE_BACKOFF_BASE",
		"TASKPIPE_STALE_AFTER", "TASKPIPE_SWEEP_ENABLED",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.DBDriver != DefaultDriver {
		t.Errorf("expected driver %s, got %s", DefaultDriver, cfg.DBDriver)
	}
	if cfg.StateDir != DefaultStateDir {
		t.Errorf("expected state dir %s, got %s", DefaultStateDir, cfg.StateDir)
	}
	if cfg.DBDSN != filepath.Join(DefaultStateDir, DefaultDBFileName) {
		t.Errorf("dsn should default into the state dir, got %s", cfg.DBDSN)
	}
	if cfg.PollInterval != DefaultPollInterval || cfg.DrainTimeout != DefaultDrainTimeout {
		t.Errorf("timing defaults not applied: %+v", cfg)
	}
	if cfg.MetricsAddr != "" {
		t.Errorf("metrics should be off by default, got %s", cfg.MetricsAddr)
	}
	if cfg.MaxRetries != 0 || cfg.BackoffBase != 0 {
		t.Errorf("settings overrides should default to unset: %+v", cfg)
	}
	if cfg.StaleAfter != 0 || !cfg.SweepEnabled {
		t.Errorf("sweep defaults not applied: %+v", cfg)
	}
}

func TestSettingsAndSweepOverrides(t *testing.T) {
	t.Setenv("TASKPIPE_MAX_RETRIES", "7")
	t.Setenv("TASKPIPE_BACKOFF_BASE", "5")
	t.Setenv("TASKPIPE_STALE_AFTER", "10m")
	t.Setenv("TASKPIPE_SWEEP_ENABLED", "false")

	cfg := Load()
	if cfg.MaxRetries != 7 || cfg.BackoffBase != 5 {
		t.Errorf("settings overrides not read: %+v", cfg)
	}
	if cfg.StaleAfter != 10*time.Minute {
		t.Errorf("stale threshold not read: %s", cfg.StaleAfter)
	}
	if cfg.SweepEnabled {
		t.Error("sweep should be disabled")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("TASKPIPE_DB_DRIVER", "postgres")
	t.Setenv("TASKPIPE_DB_DSN", "postgres://localhost/taskpipe")
	t.Setenv("TASKPIPE_STATE_DIR", "/tmp/taskpipe-test")
	t.Setenv("TASKPIPE_POLL_INTERVAL", "250ms")
	t.Setenv("TASKPIPE_DRAIN_TIMEOUT", "1m")
	t.Setenv("TASKPIPE_METRICS_ADDR", ":9191")

	cfg := Load()
	if cfg.DBDriver != "postgres" || cfg.DBDSN != "postgres://localhost/taskpipe" {
		t.Errorf("database settings not read: %+v", cfg)
	}
	if cfg.StateDir != "/tmp/taskpipe-test" {
		t.Errorf("state dir not read: %s", cfg.StateDir)
	}
	if cfg.PollInterval != 250*time.Millisecond || cfg.DrainTimeout != time.Minute {
		t.Errorf("durations not read: %+v", cfg)
	}
	if cfg.MetricsAddr != ":9191" {
		t.Errorf("metrics addr not read: %s", cfg.MetricsAddr)
	}
}

func TestDSNFollowsStateDir(t *testing.T) {
	t.Setenv("TASKPIPE_DB_DSN", "")
	t.Setenv("TASKPIPE_STATE_DIR", "/srv/queue")

	cfg := Load()
	if cfg.DBDSN != "/srv/queue/"+DefaultDBFileName {
		t.Errorf("dsn should follow the configured state dir, got %s", cfg.DBDSN)
	}
}

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"unknown": slog.LevelInfo,
	}
	for value, want := range cases {
		t.Setenv("TASKPIPE_LOG_LEVEL", value)
		if got := LogLevel(); got != want {
			t.Errorf("LogLevel with %q = %v, want %v", value, got, want)
		}
	}
}
