package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/deixis/testpool/internal/config"
	"github.com/deixis/testpool/internal/pool"
	"github.com/deixis/testpool/internal/protocol"
	"github.com/deixis/testpool/internal/report"
	"github.com/deixis/testpool/internal/shard"
	"github.com/google/uuid"
)

// RunOptions selects what a pool run covers and who observes it.
type RunOptions struct {
	Patterns []string   // package patterns, default ./...
	Shard    shard.Spec // zero value runs every package
	Steps    []string   // per-package steps, default from config
	Args     []string   // extra go test flags

	OnStart   func(task protocol.Task, slot int)
	OnOutcome func(task report.TaskReport)
	OnCrash   pool.CrashFunc
}

// Tasks discovers the packages matching opts, keeps this shard's share
// and turns each into a task.
func (e *Engine) Tasks(ctx context.Context, opts RunOptions) ([]protocol.Task, error) {
	pkgs, err := e.Discover(ctx, opts.Patterns)
	if err != nil {
		return nil, err
	}
	pkgs = shard.Apply(opts.Shard, pkgs)
	tasks := make([]protocol.Task, len(pkgs))
	for i, p := range pkgs {
		tasks[i] = p.Task(opts.Steps, opts.Args)
	}
	return tasks, nil
}

// Run discovers packages and runs them on the worker pool. Task failures
// are part of the result. A non-nil error is either a discovery failure,
// with a nil result, or a *pool.FatalError, returned together with the
// partial result.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*report.RunResult, error) {
	tasks, err := e.Tasks(ctx, opts)
	if err != nil {
		return nil, err
	}
	return e.RunTasks(ctx, tasks, opts)
}

// RunTasks runs tasks on the worker pool in order.
func (e *Engine) RunTasks(ctx context.Context, tasks []protocol.Task, opts RunOptions) (*report.RunResult, error) {
	d, err := e.dispatcher(opts)
	if err != nil {
		return nil, err
	}
	size := e.Config.PoolSize()

	rr := &report.RunResult{
		ID:       uuid.New().String(),
		Pool:     size,
		Started:  time.Now(),
		Patterns: e.ResolvePackages(opts.Patterns),
	}
	if opts.Shard.Enabled() {
		rr.Shard = opts.Shard.String()
	}

	res, runErr := d.Run(ctx, tasks, size)
	if res != nil {
		rr.Spawns = res.Spawns
		rr.Elapsed = res.Elapsed
		for _, tr := range res.Sorted() {
			rr.Tasks = append(rr.Tasks, TaskReport(tr))
		}
	}
	if runErr != nil {
		rr.Fatal = runErr.Error()
	}
	return rr, runErr
}

func (e *Engine) dispatcher(opts RunOptions) (*pool.Dispatcher, error) {
	cmd, err := e.workerCommand()
	if err != nil {
		return nil, err
	}
	cfg := e.Config

	spawner := e.Spawner
	if spawner == nil {
		stderr := e.WorkerStderr
		if stderr == nil {
			stderr = io.Discard
		}
		spawner = &pool.ExecSpawner{
			Dir:       e.RepoRoot,
			Stderr:    stderr,
			KillGrace: cfg.KillGrace(),
		}
	}

	d := &pool.Dispatcher{
		Spawner:              spawner,
		Command:              cmd,
		ExecArgs:             cfg.Pool.ExecArgs,
		Env:                  cfg.Pool.Env,
		HeapFlag:             cfg.HeapFlag(),
		CrashRecovery:        cfg.CrashRecovery(),
		CrashRecoveryMaxHeap: cfg.CrashRecoveryMaxHeap(),
		OneTaskPerProcess:    cfg.Pool.OneTaskPerProcess,
		SoftTimeout:          cfg.SoftTimeout(),
		OnStart:              opts.OnStart,
		OnCrash:              opts.OnCrash,
	}
	if opts.OnOutcome != nil {
		d.OnOutcome = func(tr pool.TaskResult) { opts.OnOutcome(TaskReport(tr)) }
	}
	return d, nil
}

func (e *Engine) workerCommand() ([]string, error) {
	if len(e.Config.Pool.Worker) > 0 {
		return e.Config.Pool.Worker, nil
	}
	if len(e.WorkerCommand) > 0 {
		return e.WorkerCommand, nil
	}
	return nil, fmt.Errorf("no worker command: set pool.worker in %s", config.FileName)
}

// TaskReport converts a pool result into its report form. The outcome
// payload is decoded as a PackageReport when it is one.
func TaskReport(tr pool.TaskResult) report.TaskReport {
	t := report.TaskReport{
		Package:  tr.Task.Package,
		Status:   string(tr.Outcome.Status),
		Message:  tr.Outcome.Message,
		Slot:     tr.Slot,
		Attempts: tr.Attempts,
		Crashed:  tr.Crashed,
		Elapsed:  tr.Elapsed,
	}
	if len(tr.Outcome.Payload) > 0 {
		var pr report.PackageReport
		if err := json.Unmarshal(tr.Outcome.Payload, &pr); err == nil && pr.Package != "" {
			t.Detail = &pr
		}
	}
	return t
}

// IsFatal reports whether err aborted a pool run, as opposed to failing
// before it started.
func IsFatal(err error) bool {
	var fatal *pool.FatalError
	return errors.As(err, &fatal)
}

// FormatRun renders a run for the CLI: "ok" when every task passed,
// otherwise the failing packages with their failure text.
func FormatRun(rr *report.RunResult) string {
	failures := report.Failures(rr)
	if len(failures) == 0 && rr.Fatal == "" {
		return "ok"
	}
	var b strings.Builder
	if len(failures) > 0 {
		fmt.Fprintf(&b, "%d %s failed", len(failures), pluralize(len(failures), "task"))
		for _, f := range failures {
			fmt.Fprintf(&b, "\n\n--- %s\n%s", f.Package, strings.TrimRight(f.Message, "\n"))
		}
	}
	if rr.Fatal != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "fatal: %s", rr.Fatal)
	}
	return b.String()
}

func pluralize(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
