// Package executor runs job commands and normalizes their outcomes.
//
// Nothing escapes the Executor boundary as an error: spawn failures,
// non-zero exits and timeouts are all folded into a models.ExecutionResult
// that the lifecycle engine records verbatim.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

// DefaultTimeout bounds a single command execution when the caller does
// not override it.
const DefaultTimeout = 5 * time.Minute

// Executor runs a shell command and reports its normalized outcome.
type Executor interface {
	Execute(ctx context.Context, command string) models.ExecutionResult
}

// Shell executes commands through `sh -c` with a per-command timeout.
type Shell struct {
	// Timeout bounds each execution. Zero falls back to DefaultTimeout.
	Timeout time.Duration
}

// NewShell creates a shell executor with the given per-command timeout.
func NewShell(timeout time.Duration) *Shell {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Shell{Timeout: timeout}
}

// Execute runs command under `sh -c`, capturing stdout and stderr
// separately. The context deadline kills the process group; the timeout is
// reported as a failure result, never as a hang.
func (s *Shell) Execute(ctx context.Context, command string) models.ExecutionResult {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	result := models.ExecutionResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: elapsed,
	}

	switch {
	case err == nil:
		result.Succeeded = true
		slog.Debug("Shell.Execute: command succeeded", "command", command, "duration", elapsed)

	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.ExitCode = -1
		result.Message = fmt.Sprintf("command timed out after %s", timeout)
		slog.Warn("Shell.Execute: command timed out", "command", command, "timeout", timeout)

	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			result.Message = err.Error()
		} else {
			// Spawn failure: the shell never ran.
			result.ExitCode = -1
			result.Message = fmt.Sprintf("failed to start command: %v", err)
		}
		slog.Debug("Shell.Execute: command failed", "command", command, "exitCode", result.ExitCode, "error", err)
	}

	return result
}
