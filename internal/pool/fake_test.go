package pool

import (
	"context"
	"errors"
	"sync"

	"github.com/deixis/testpool/internal/protocol"
)

// action is what a fake worker does with a task.
type action int

const (
	reply action = iota // send a pass outcome
	fail                // send a fail outcome
	crash               // close the channel without a result
	hang                // never answer
	wrongID             // answer for a different task
	replyExit           // send a pass outcome, then exit
	logLine             // write a JSON log record, then reply
)

// fakeSpawner starts in-process workers whose behaviour is decided per
// task and attempt, so crashes can be simulated deterministically.
type fakeSpawner struct {
	mu sync.Mutex
	// behave decides the action for the attempt-th delivery of task
	// (1-based). Nil means always reply.
	behave func(task protocol.Task, attempt int) action
	// failSpawn makes the n-th Spawn call (1-based) return an error.
	failSpawn int

	spawns   [][]string       // argv of every spawned process
	attempts map[string]int   // deliveries per task
	procsFor map[string][]int // spawn numbers that received each task
	inFlight map[string]bool  // tasks currently held by a worker
	doubles  []string         // tasks dispatched while already in flight
	procs    []*fakeProcess
}

func newFakeSpawner(behave func(task protocol.Task, attempt int) action) *fakeSpawner {
	return &fakeSpawner{
		behave:   behave,
		attempts: make(map[string]int),
		procsFor: make(map[string][]int),
		inFlight: make(map[string]bool),
	}
}

func (f *fakeSpawner) Spawn(_ context.Context, argv []string, _ []string) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSpawn > 0 && len(f.spawns)+1 == f.failSpawn {
		return nil, errors.New("exec: worker binary not found")
	}
	f.spawns = append(f.spawns, append([]string(nil), argv...))
	p := &fakeProcess{
		id:       len(f.spawns),
		argv:     argv,
		sp:       f,
		inbox:    make(chan protocol.Task, 1),
		outcomes: make(chan protocol.Outcome),
		killed:   make(chan struct{}),
		exited:   make(chan struct{}),
	}
	f.procs = append(f.procs, p)
	go p.loop()
	return p, nil
}

func (f *fakeSpawner) decide(p *fakeProcess, t protocol.Task) action {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inFlight[t.ID] {
		f.doubles = append(f.doubles, t.ID)
	}
	f.inFlight[t.ID] = true
	f.attempts[t.ID]++
	f.procsFor[t.ID] = append(f.procsFor[t.ID], p.id)
	a := reply
	if f.behave != nil {
		a = f.behave(t, f.attempts[t.ID])
	}
	if a != hang {
		delete(f.inFlight, t.ID)
	}
	return a
}

func (f *fakeSpawner) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawns)
}

func (f *fakeSpawner) allKilled() bool {
	f.mu.Lock()
	procs := append([]*fakeProcess(nil), f.procs...)
	f.mu.Unlock()
	for _, p := range procs {
		select {
		case <-p.killed:
		case <-p.exited:
		default:
			return false
		}
	}
	return true
}

type fakeProcess struct {
	id       int
	argv     []string
	sp       *fakeSpawner
	inbox    chan protocol.Task
	outcomes chan protocol.Outcome
	killed   chan struct{}
	exited   chan struct{}
	killOnce sync.Once
}

func (p *fakeProcess) loop() {
	defer close(p.outcomes)
	defer close(p.exited)
	for {
		var t protocol.Task
		select {
		case <-p.killed:
			return
		case t = <-p.inbox:
		}

		var o protocol.Outcome
		exit := false
		switch p.sp.decide(p, t) {
		case crash:
			return
		case hang:
			<-p.killed
			return
		case fail:
			o = protocol.Failed(t, "FAIL %s", t.Package)
		case wrongID:
			o = protocol.Passed(protocol.Task{ID: "example.com/unassigned"}, nil)
		case replyExit:
			o = protocol.Passed(t, nil)
			exit = true
		case logLine:
			// What a decoded {"level":"info","msg":"starting"} looks like.
			select {
			case p.outcomes <- protocol.Outcome{}:
			case <-p.killed:
				return
			}
			o = protocol.Passed(t, nil)
		default:
			o = protocol.Passed(t, map[string]string{"package": t.Package})
		}
		select {
		case p.outcomes <- o:
		case <-p.killed:
			return
		}
		if exit {
			return
		}
	}
}

func (p *fakeProcess) Send(t protocol.Task) error {
	select {
	case p.inbox <- t:
		return nil
	case <-p.exited:
		return errors.New("broken pipe")
	}
}

func (p *fakeProcess) Outcomes() <-chan protocol.Outcome {
	return p.outcomes
}

func (p *fakeProcess) Kill() {
	p.killOnce.Do(func() { close(p.killed) })
}
