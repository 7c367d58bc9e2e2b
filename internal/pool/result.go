package pool

import (
	"fmt"
	"sort"
	"time"

	"github.com/deixis/testpool/internal/protocol"
)

// TaskResult is the final record of one task.
type TaskResult struct {
	Index    int // position in the input task list
	Task     protocol.Task
	Outcome  protocol.Outcome
	Slot     int // 1-based slot that produced the outcome, 0 if skipped
	Attempts int // number of times the task was sent to a worker
	Crashed  bool
	Elapsed  time.Duration // from first dispatch to final outcome
}

// Skipped reports whether the task was never dispatched.
func (r TaskResult) Skipped() bool {
	return r.Outcome.Status == protocol.Skip
}

// RunResult collects task results in the order they were received.
type RunResult struct {
	Results []TaskResult
	Spawns  int // worker processes started over the run
	Elapsed time.Duration
}

// Failed returns the results whose outcome is a failure, crashes included.
func (r *RunResult) Failed() []TaskResult {
	var out []TaskResult
	for _, tr := range r.Results {
		if tr.Outcome.Status == protocol.Fail {
			out = append(out, tr)
		}
	}
	return out
}

// Skipped returns the results of tasks that were never dispatched.
func (r *RunResult) Skipped() []TaskResult {
	var out []TaskResult
	for _, tr := range r.Results {
		if tr.Skipped() {
			out = append(out, tr)
		}
	}
	return out
}

// OK reports whether every task passed.
func (r *RunResult) OK() bool {
	for _, tr := range r.Results {
		if !tr.Outcome.OK() {
			return false
		}
	}
	return true
}

// Sorted returns a copy of the results in input order.
func (r *RunResult) Sorted() []TaskResult {
	out := append([]TaskResult(nil), r.Results...)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// FatalError is an orchestrator-level failure that aborted the run, as
// opposed to a task failing or crashing.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("pool aborted: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func fatalf(format string, args ...any) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}
