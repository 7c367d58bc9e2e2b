// Package runner executes the tools a worker drives (go, gofumpt,
// linters) inside the module, bounded in time and in captured output.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/deixis/testpool/internal/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultWaitDelay is how long a cancelled command gets to exit after the
// interrupt before it is killed.
const DefaultWaitDelay = 5 * time.Second

// Runner executes commands within a workspace boundary.
type Runner struct {
	Workspace string
	// Timeout bounds every command. Zero means only the caller's context
	// applies.
	Timeout   time.Duration
	MaxOutput int // bytes per stream; zero means unlimited
	// Env is appended to the inherited environment of every command.
	// Later entries win, so GOMEMLIMIT and friends can be overridden.
	Env []string
	// WaitDelay is the grace between interrupt and kill on cancellation.
	WaitDelay time.Duration
}

// Run executes argv in cwd. argv[0] is resolved via PATH. cwd is resolved
// relative to the workspace and must stay within it. A non-zero exit is
// reported in the Result; the error is reserved for commands that could
// not be started.
func (r *Runner) Run(ctx context.Context, argv []string, cwd string) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}

	dir, err := r.resolveDir(cwd)
	if err != nil {
		return nil, err
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	id := uuid.New().String()
	ctx, span := tracing.StartSpan(ctx, "runner.exec",
		attribute.String("run.id", id),
		attribute.String("cmd", strings.Join(argv, " ")),
		attribute.String("dir", dir),
	)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	cmd.Cancel = func() error { return interrupt(cmd) }
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	stdout := &capped{limit: r.MaxOutput}
	stderr := &capped{limit: r.MaxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			err := fmt.Errorf("executing %s: %w", argv[0], runErr)
			tracing.EndSpan(span, err)
			return nil, err
		}
		exitCode = exitErr.ExitCode()
	}

	res := &Result{
		RunID:     id,
		ExitCode:  exitCode,
		Stdout:    stdout.buf,
		Stderr:    stderr.buf,
		Truncated: stdout.dropped > 0 || stderr.dropped > 0,
		TimedOut:  errors.Is(ctx.Err(), context.DeadlineExceeded),
		Elapsed:   elapsed,
	}
	span.SetAttributes(
		attribute.Int("exit_code", res.ExitCode),
		attribute.Bool("truncated", res.Truncated),
		attribute.Bool("timed_out", res.TimedOut),
	)
	tracing.EndSpan(span, nil)
	return res, nil
}

// resolveDir resolves cwd against the workspace and rejects anything
// that escapes it.
func (r *Runner) resolveDir(cwd string) (string, error) {
	if cwd == "" {
		return r.Workspace, nil
	}

	dir := cwd
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(r.Workspace, dir)
	}
	dir = filepath.Clean(dir)

	rel, err := filepath.Rel(r.Workspace, dir)
	if err != nil {
		return "", fmt.Errorf("resolving cwd: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("cwd %q is outside workspace %q", cwd, r.Workspace)
	}
	return dir, nil
}

// capped keeps the first limit bytes written to it and counts the rest.
// It never reports a short write, so the command is not disturbed.
type capped struct {
	buf     []byte
	limit   int
	dropped int
}

func (c *capped) Write(p []byte) (int, error) {
	if c.limit <= 0 {
		c.buf = append(c.buf, p...)
		return len(p), nil
	}
	room := c.limit - len(c.buf)
	switch {
	case room <= 0:
		c.dropped += len(p)
	case len(p) > room:
		c.buf = append(c.buf, p[:room]...)
		c.dropped += len(p) - room
	default:
		c.buf = append(c.buf, p...)
	}
	return len(p), nil
}
