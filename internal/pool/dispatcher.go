// Package pool distributes tasks across a bounded pool of worker
// processes, retrying tasks whose worker crashes.
//
// A single coordination goroutine owns all run state: the task cursor,
// every slot and the result list. Worker processes report through one
// event channel, tagged with the slot and the generation of the process
// that produced them, so events from a replaced process are dropped
// without any locking.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deixis/testpool/internal/protocol"
	"github.com/deixis/testpool/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// ListenFlag is appended to every worker command line.
const ListenFlag = "--listen"

// Dispatcher runs tasks on a pool of worker processes.
//
// The callbacks run on the coordination goroutine, one at a time.
type Dispatcher struct {
	Spawner Spawner
	// Command is the worker executable followed by its fixed arguments.
	Command []string
	// ExecArgs are the startup flags of every worker, placed right after
	// the executable. They may carry the heap ceiling.
	ExecArgs []string
	// Env is appended to the environment of every worker.
	Env []string
	// HeapFlag names the heap ceiling flag; DefaultHeapFlag if empty.
	HeapFlag string

	// CrashRecovery enables retrying a task whose worker crashed.
	CrashRecovery bool
	// CrashRecoveryMaxHeap is the heap ceiling for the escalated retry.
	// 0 disables escalation.
	CrashRecoveryMaxHeap int

	// OneTaskPerProcess restarts a slot's worker after every outcome,
	// for workers that exit once they have answered a task.
	OneTaskPerProcess bool

	// SoftTimeout stops slots from claiming new tasks once the run has
	// lasted this long. Unclaimed tasks are recorded as skipped. 0 means
	// no limit.
	SoftTimeout time.Duration

	OnStart   func(task protocol.Task, slot int)
	OnOutcome func(result TaskResult)
	OnCrash   CrashFunc
}

type event struct {
	slot    int // index into run.slots
	gen     int
	outcome protocol.Outcome
	closed  bool
}

// slot is one pool member. Its process is replaced on every restart;
// gen identifies the current one.
type slot struct {
	index     int // 1-based, as reported to callbacks
	proc      Process
	gen       int
	task      *protocol.Task
	taskIndex int
	state     RecoveryState
	attempts  int
	started   time.Time
	span      *tracing.Span
	retired   bool
}

type run struct {
	d        *Dispatcher
	ctx      context.Context
	tasks    []protocol.Task
	cursor   int
	live     int
	slots    []*slot
	events   chan event
	done     chan struct{}
	policy   RecoveryPolicy
	baseArgs []string
	heapFlag string
	started  time.Time
	result   *RunResult
}

// Run processes tasks on up to slots concurrent workers and returns once
// every task has a result. The returned error is a *FatalError; task
// failures and crashes are reported in the result, never as errors. On a
// fatal error every live worker is killed and the partial result is
// returned alongside the error.
func (d *Dispatcher) Run(ctx context.Context, tasks []protocol.Task, slots int) (*RunResult, error) {
	if d.Spawner == nil {
		return nil, fatalf("no spawner configured")
	}
	if len(d.Command) == 0 {
		return nil, fatalf("no worker command configured")
	}
	if slots < 1 {
		return nil, fatalf("pool size must be positive, got %d", slots)
	}
	result := &RunResult{}
	if len(tasks) == 0 {
		return result, nil
	}
	if err := ctx.Err(); err != nil {
		return result, &FatalError{Err: err}
	}

	heapFlag := d.HeapFlag
	if heapFlag == "" {
		heapFlag = DefaultHeapFlag
	}
	currentHeap, _ := MaxHeap(d.ExecArgs, heapFlag)

	ctx, span := tracing.StartSpan(ctx, "pool.run",
		attribute.Int("tasks", len(tasks)),
		attribute.Int("slots", min(slots, len(tasks))),
	)

	r := &run{
		d:      d,
		ctx:    ctx,
		tasks:  tasks,
		events: make(chan event),
		done:   make(chan struct{}),
		policy: RecoveryPolicy{
			Enabled:        d.CrashRecovery,
			CurrentMaxHeap: currentHeap,
			MaxHeap:        d.CrashRecoveryMaxHeap,
		},
		baseArgs: d.ExecArgs,
		heapFlag: heapFlag,
		started:  time.Now(),
		result:   result,
	}
	defer close(r.done)

	err := r.loop(min(slots, len(tasks)))
	if err == nil {
		r.skipRemaining()
	}
	result.Elapsed = time.Since(r.started)
	tracing.EndSpan(span, err)
	return result, err
}

func (r *run) loop(n int) error {
	for i := 0; i < n; i++ {
		s := &slot{index: i + 1}
		r.slots = append(r.slots, s)
		r.live++
		if err := r.start(s, r.baseArgs); err != nil {
			r.abort()
			return err
		}
		r.nextTask(s)
	}

	for r.live > 0 {
		select {
		case <-r.ctx.Done():
			r.abort()
			return &FatalError{Err: r.ctx.Err()}
		case ev := <-r.events:
			s := r.slots[ev.slot]
			if s.retired || ev.gen != s.gen {
				continue
			}
			var err error
			if ev.closed {
				err = r.onClose(s)
			} else {
				err = r.onOutcome(s, ev.outcome)
			}
			if err != nil {
				r.abort()
				return err
			}
		}
	}
	return nil
}

// argv lays out a worker command line: executable, startup flags, fixed
// arguments, listen flag.
func (r *run) argv(execArgs []string) []string {
	cmd := r.d.Command
	argv := make([]string, 0, len(cmd)+len(execArgs)+1)
	argv = append(argv, cmd[0])
	argv = append(argv, execArgs...)
	argv = append(argv, cmd[1:]...)
	return append(argv, ListenFlag)
}

func (r *run) start(s *slot, execArgs []string) error {
	p, err := r.d.Spawner.Spawn(r.ctx, r.argv(execArgs), r.d.Env)
	if err != nil {
		return &FatalError{Err: fmt.Errorf("slot %d: %w", s.index, err)}
	}
	s.gen++
	s.proc = p
	r.result.Spawns++
	go r.forward(s.index-1, s.gen, p)
	return nil
}

// forward relays one process's messages to the coordinator. After the
// run ends it keeps draining so the process side never blocks.
func (r *run) forward(idx, gen int, p Process) {
	for o := range p.Outcomes() {
		select {
		case r.events <- event{slot: idx, gen: gen, outcome: o}:
		case <-r.done:
			for range p.Outcomes() {
			}
			return
		}
	}
	select {
	case r.events <- event{slot: idx, gen: gen, closed: true}:
	case <-r.done:
	}
}

func (r *run) restart(s *slot, execArgs []string) error {
	s.proc.Kill()
	return r.start(s, execArgs)
}

func (r *run) retire(s *slot) {
	if s.proc != nil {
		s.proc.Kill()
	}
	s.proc = nil
	s.retired = true
	r.live--
}

// abort kills every live worker. Nothing is spawned afterwards because
// the loop returns.
func (r *run) abort() {
	for _, s := range r.slots {
		if s.retired {
			continue
		}
		if s.proc != nil {
			s.proc.Kill()
		}
		s.proc = nil
		s.retired = true
		tracing.EndSpan(s.span, errors.New("run aborted"))
		s.span = nil
	}
	r.live = 0
}

// exhausted reports whether slots should stop claiming tasks.
func (r *run) exhausted() bool {
	if r.cursor >= len(r.tasks) {
		return true
	}
	return r.d.SoftTimeout > 0 && time.Since(r.started) > r.d.SoftTimeout
}

func (r *run) nextTask(s *slot) {
	idx := r.cursor
	r.cursor++
	t := r.tasks[idx]

	s.task = &t
	s.taskIndex = idx
	s.attempts = 0
	s.started = time.Now()
	_, s.span = tracing.StartSpan(r.ctx, "pool.task",
		attribute.String("task", t.ID),
		attribute.Int("slot", s.index),
	)
	if r.d.OnStart != nil {
		r.d.OnStart(t, s.index)
	}
	r.send(s)
}

func (r *run) send(s *slot) {
	s.attempts++
	// A worker that died before reading shows up as a close event.
	_ = s.proc.Send(*s.task)
}

func (r *run) record(s *slot, o protocol.Outcome, crashed bool) {
	tr := TaskResult{
		Index:    s.taskIndex,
		Task:     *s.task,
		Outcome:  o,
		Slot:     s.index,
		Attempts: s.attempts,
		Crashed:  crashed,
		Elapsed:  time.Since(s.started),
	}
	r.result.Results = append(r.result.Results, tr)

	var spanErr error
	if !o.OK() {
		spanErr = errors.New(o.Message)
	}
	s.span.SetAttributes(attribute.Int("attempts", s.attempts))
	tracing.EndSpan(s.span, spanErr)
	s.span = nil

	if r.d.OnOutcome != nil {
		r.d.OnOutcome(tr)
	}
}

func (r *run) onOutcome(s *slot, o protocol.Outcome) error {
	if o.Task == "" {
		// A JSON line from the worker that is not an outcome, such as a
		// structured log record.
		return nil
	}
	if s.task == nil {
		return fatalf("slot %d reported an outcome for %q with no task assigned", s.index, o.Task)
	}
	if o.Task != s.task.ID {
		return fatalf("slot %d reported an outcome for %q while running %q", s.index, o.Task, s.task.ID)
	}

	r.record(s, o, false)
	prev := s.state
	s.state = Normal
	s.task = nil

	if r.exhausted() {
		r.retire(s)
		return nil
	}
	if prev != Normal || r.d.OneTaskPerProcess {
		// The process was started with recovery flags, or is about to
		// exit; the next task gets a fresh one with the base profile.
		if err := r.restart(s, r.baseArgs); err != nil {
			return err
		}
	}
	r.nextTask(s)
	return nil
}

func (r *run) onClose(s *slot) error {
	if s.task == nil {
		return fatalf("slot %d worker closed with no task assigned", s.index)
	}

	next := r.policy.Next(s.state)
	s.state = next
	s.span.Event("crash", attribute.String("state", next.String()))
	if r.d.OnCrash != nil {
		r.d.OnCrash(*s.task, next, s.index)
	}

	switch next {
	case Retry:
		if err := r.restart(s, r.baseArgs); err != nil {
			return err
		}
		r.send(s)
	case RetryWithMoreMemory:
		if err := r.restart(s, WithMaxHeap(r.baseArgs, r.heapFlag, r.policy.MaxHeap)); err != nil {
			return err
		}
		r.send(s)
	case Crashed:
		r.record(s, protocol.Failed(*s.task, "worker crashed (%d %s)", s.attempts, plural(s.attempts, "attempt")), true)
		s.state = Normal
		s.task = nil
		if r.exhausted() {
			r.retire(s)
			return nil
		}
		if err := r.restart(s, r.baseArgs); err != nil {
			return err
		}
		r.nextTask(s)
	default:
		return fatalf("slot %d entered unexpected recovery state %s", s.index, next)
	}
	return nil
}

// skipRemaining records every task no slot claimed.
func (r *run) skipRemaining() {
	for idx := r.cursor; idx < len(r.tasks); idx++ {
		t := r.tasks[idx]
		tr := TaskResult{
			Index: idx,
			Task:  t,
			Outcome: protocol.Outcome{
				Task:    t.ID,
				Status:  protocol.Skip,
				Message: "not started: soft timeout elapsed",
			},
		}
		r.result.Results = append(r.result.Results, tr)
		if r.d.OnOutcome != nil {
			r.d.OnOutcome(tr)
		}
	}
	r.cursor = len(r.tasks)
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
