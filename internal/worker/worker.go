// Package worker is the child side of the pool: it reads tasks from the
// coordinator, runs them one at a time and answers each with exactly one
// outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"runtime/debug"
	"time"

	"github.com/deixis/testpool/internal/protocol"
)

// Executor runs a single task.
type Executor interface {
	Execute(ctx context.Context, task protocol.Task) protocol.Outcome
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task protocol.Task) protocol.Outcome

func (f ExecutorFunc) Execute(ctx context.Context, task protocol.Task) protocol.Outcome {
	return f(ctx, task)
}

// Serve reads tasks from r until EOF and writes one outcome per task to w.
// A panicking executor produces a fail outcome instead of killing the
// worker. Serve returns nil when r is exhausted.
func Serve(ctx context.Context, r io.Reader, w io.Writer, ex Executor) error {
	dec := protocol.NewDecoder(r)
	enc := protocol.NewEncoder(w)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var task protocol.Task
		if err := dec.Next(&task); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading task: %w", err)
		}
		if task.ID == "" {
			// Not a task; ignore it like any other stray line.
			continue
		}

		o := run(ctx, ex, task)
		if err := enc.Encode(o); err != nil {
			return fmt.Errorf("writing outcome for %s: %w", task.ID, err)
		}
	}
}

func run(ctx context.Context, ex Executor, task protocol.Task) (o protocol.Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("task %s panic: %v\n%s", task.ID, r, debug.Stack())
			o = protocol.Failed(task, "panic: %v", r)
		}
		o.Task = task.ID
		if o.Status == "" {
			o.Status = protocol.Fail
		}
		if o.Elapsed == 0 {
			o.Elapsed = time.Since(start)
		}
	}()
	return ex.Execute(ctx, task)
}

// ApplyHeapLimit sets the soft memory limit of this process to mb MiB.
// Zero or negative values leave the runtime default in place.
func ApplyHeapLimit(mb int) {
	if mb <= 0 {
		return
	}
	debug.SetMemoryLimit(int64(mb) << 20)
}

// GoMemLimitEnv returns the GOMEMLIMIT setting that hands the same ceiling
// to child go processes, or "" when mb is not positive.
func GoMemLimitEnv(mb int) string {
	if mb <= 0 {
		return ""
	}
	return fmt.Sprintf("GOMEMLIMIT=%dMiB", mb)
}
