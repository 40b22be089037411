package executor

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestExecuteSuccess(t *testing.T) {
	sh := NewShell(0)
	res := sh.Execute(context.Background(), "true")
	if !res.Succeeded {
		t.Fatalf("expected success: %+v", res)
	}
	if res.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", res.ExitCode)
	}
}

func TestExecuteCapturesOutput(t *testing.T) {
	sh := NewShell(0)
	res := sh.Execute(context.Background(), "echo out; echo err >&2")
	if !res.Succeeded {
		t.Fatalf("expected success: %+v", res)
	}
	if res.Stdout != "out\n" {
		t.Errorf("expected stdout %q, got %q", "out\n", res.Stdout)
	}
	if res.Stderr != "err\n" {
		t.Errorf("expected stderr %q, got %q", "err\n", res.Stderr)
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	sh := NewShell(0)
	res := sh.Execute(context.Background(), "exit 3")
	if res.Succeeded {
		t.Fatal("expected failure")
	}
	if res.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", res.ExitCode)
	}
}

func TestExecuteShellFeatures(t *testing.T) {
	sh := NewShell(0)
	res := sh.Execute(context.Background(), "printf 'a\nb\n' | wc -l")
	if !res.Succeeded {
		t.Fatalf("pipeline should run under sh -c: %+v", res)
	}
	if strings.TrimSpace(res.Stdout) != "2" {
		t.Errorf("expected 2, got %q", res.Stdout)
	}
}

func TestExecuteTimeout(t *testing.T) {
	sh := NewShell(100 * time.Millisecond)
	start := time.Now()
	res := sh.Execute(context.Background(), "sleep 5")
	if time.Since(start) > 2*time.Second {
		t.Fatal("timed-out command was not killed promptly")
	}
	if res.Succeeded {
		t.Fatal("expected failure on timeout")
	}
	if res.ExitCode != -1 {
		t.Errorf("expected exit code -1, got %d", res.ExitCode)
	}
	if !strings.Contains(res.Message, "timed out") {
		t.Errorf("expected timeout message, got %q", res.Message)
	}
}

func TestExecuteReportsDuration(t *testing.T) {
	sh := NewShell(0)
	res := sh.Execute(context.Background(), "sleep 0.05")
	if res.Duration < 50*time.Millisecond {
		t.Errorf("expected duration >= 50ms, got %s", res.Duration)
	}
}
