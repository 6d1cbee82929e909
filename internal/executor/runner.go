// Package executor carries out MDM commands on the local machine.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	// maxCapture bounds how much combined output is held in memory per process.
	maxCapture = 64 * 1024

	// waitDelay bounds how long Wait blocks on inherited pipes after the process is killed.
	waitDelay = 2 * time.Second

	maxLogLength = 200
)

// ErrTimeout is returned by ExecRunner when the context deadline kills the process.
var ErrTimeout = errors.New("command timed out")

// Runner starts a program and returns its combined stdout and stderr.
// A non-nil error means the program could not be started, exited non-zero,
// or was stopped by ctx.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs programs with os/exec.
type ExecRunner struct {
	Logger *slog.Logger
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = waitDelay

	out := &limitedBuffer{limit: maxCapture}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	duration := time.Since(start)
	output := out.String()

	if r.Logger != nil {
		r.Logger.Debug("command finished",
			"program", name,
			"duration", duration,
			"output_bytes", out.total,
			"output", preview(output),
			"error", err)
	}

	if err == nil {
		return output, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return output, fmt.Errorf("%w after %v", ErrTimeout, duration.Round(time.Millisecond))
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return output, fmt.Errorf("%s exited with status %d: %w", name, exitErr.ExitCode(), err)
	}
	return output, fmt.Errorf("failed to run %s: %w", name, err)
}

// limitedBuffer keeps the first limit bytes written to it and discards the rest.
// Stdout and stderr share one buffer, so writes are serialized.
type limitedBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
	total int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total += len(p)
	if room := b.limit - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLogLength {
		return s[:maxLogLength] + "..."
	}
	return s
}
