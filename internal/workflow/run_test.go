package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/deixis/testpool/internal/config"
	"github.com/deixis/testpool/internal/pool"
	"github.com/deixis/testpool/internal/protocol"
	"github.com/deixis/testpool/internal/report"
	"github.com/deixis/testpool/internal/runner"
	"github.com/deixis/testpool/internal/shard"
)

// inProcessSpawner starts workers that execute tasks with an Engine in
// this process. A task whose package ends in "/crash" kills its worker.
type inProcessSpawner struct {
	exec func(ctx context.Context, task protocol.Task) protocol.Outcome

	mu    sync.Mutex
	argvs [][]string
}

func (s *inProcessSpawner) Spawn(ctx context.Context, argv, _ []string) (pool.Process, error) {
	s.mu.Lock()
	s.argvs = append(s.argvs, argv)
	s.mu.Unlock()
	p := &inProcess{
		exec:  s.exec,
		inbox: make(chan protocol.Task, 1),
		out:   make(chan protocol.Outcome),
		done:  make(chan struct{}),
	}
	go p.loop(ctx)
	return p, nil
}

type inProcess struct {
	exec  func(ctx context.Context, task protocol.Task) protocol.Outcome
	inbox chan protocol.Task
	out   chan protocol.Outcome
	done  chan struct{}
	once  sync.Once
}

func (p *inProcess) loop(ctx context.Context) {
	defer close(p.out)
	for {
		var t protocol.Task
		select {
		case <-p.done:
			return
		case t = <-p.inbox:
		}
		if strings.HasSuffix(t.Package, "/crash") {
			return
		}
		select {
		case p.out <- p.exec(ctx, t):
		case <-p.done:
			return
		}
	}
}

func (p *inProcess) Send(t protocol.Task) error {
	select {
	case p.inbox <- t:
		return nil
	default:
		return errors.New("worker busy")
	}
}

func (p *inProcess) Outcomes() <-chan protocol.Outcome { return p.out }

func (p *inProcess) Kill() { p.once.Do(func() { close(p.done) }) }

func listJSON(pkgs ...string) []byte {
	var b strings.Builder
	for _, p := range pkgs {
		data, _ := json.Marshal(Package{ImportPath: p, Dir: "/project/" + p, Name: "x"})
		b.Write(data)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// poolRunner answers go list with pkgs and go test per package: packages
// ending in "/bad" fail, every other one passes.
func poolRunner(pkgs ...string) *fakeRunner {
	return &fakeRunner{Fn: func(argv []string) (*runner.Result, error) {
		switch fakeRunnerKey(argv) {
		case "go list":
			return &runner.Result{Stdout: listJSON(pkgs...)}, nil
		case "go test":
			pkg := argv[3]
			if strings.HasSuffix(pkg, "/bad") {
				return &runner.Result{ExitCode: 1, Stdout: failingTestJSON(pkg)}, nil
			}
			return &runner.Result{Stdout: passingTestJSON(pkg)}, nil
		}
		return &runner.Result{}, nil
	}}
}

func newPoolEngine(pkgs ...string) (*Engine, *inProcessSpawner) {
	noEscalation := 0
	cfg := &config.Config{Pool: config.PoolConfig{Size: 2, CrashRecoveryMaxHeap: &noEscalation}}
	e := newTestEngine(cfg, poolRunner(pkgs...))
	sp := &inProcessSpawner{exec: e.Execute}
	e.Spawner = sp
	e.WorkerCommand = []string{"testpool", "worker"}
	return e, sp
}

func TestRun_ReportsEveryPackageInOrder(t *testing.T) {
	e, sp := newPoolEngine("example.com/a", "example.com/bad", "example.com/c", "example.com/d")

	var streamed []string
	var mu sync.Mutex
	rr, err := e.Run(context.Background(), RunOptions{
		OnOutcome: func(tr report.TaskReport) {
			mu.Lock()
			streamed = append(streamed, tr.Package)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rr.ID == "" {
		t.Error("run ID is empty")
	}
	if rr.Pool != 2 {
		t.Errorf("Pool = %d, want 2", rr.Pool)
	}
	if len(sp.argvs) != 2 {
		t.Errorf("spawned %d workers, want 2", len(sp.argvs))
	}
	if got := strings.Join(sp.argvs[0], " "); got != "testpool worker --listen" {
		t.Errorf("worker argv = %q", got)
	}

	var got []string
	for _, tr := range rr.Tasks {
		got = append(got, tr.Package+"="+tr.Status)
	}
	want := "example.com/a=pass example.com/bad=fail example.com/c=pass example.com/d=pass"
	if strings.Join(got, " ") != want {
		t.Errorf("tasks = %v, want %s", got, want)
	}
	if len(streamed) != 4 {
		t.Errorf("streamed %d outcomes, want 4", len(streamed))
	}

	bad := rr.Task("example.com/bad")
	if bad.Detail == nil || len(bad.Detail.TestFailures) != 1 {
		t.Fatalf("bad.Detail = %+v, want one test failure", bad.Detail)
	}
	if diags := report.ByPackage(rr, "example.com/bad"); len(diags) != 1 || diags[0].Symbol != "TestAdd" {
		t.Errorf("ByPackage = %+v", diags)
	}

	out := FormatRun(rr)
	if !strings.HasPrefix(out, "1 task failed") || !strings.Contains(out, "--- example.com/bad") {
		t.Errorf("FormatRun = %q", out)
	}
}

func TestRun_Shard(t *testing.T) {
	e, _ := newPoolEngine("example.com/a", "example.com/b", "example.com/c", "example.com/d", "example.com/e")

	rr, err := e.Run(context.Background(), RunOptions{Shard: shard.Spec{ID: 2, Count: 2}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rr.Shard != "2/2" {
		t.Errorf("Shard = %q, want 2/2", rr.Shard)
	}
	var got []string
	for _, tr := range rr.Tasks {
		got = append(got, tr.Package)
	}
	if strings.Join(got, " ") != "example.com/b example.com/d" {
		t.Errorf("tasks = %v, want [example.com/b example.com/d]", got)
	}
	if FormatRun(rr) != "ok" {
		t.Errorf("FormatRun = %q, want ok", FormatRun(rr))
	}
}

func TestRun_CrashIsRecordedNotFatal(t *testing.T) {
	e, sp := newPoolEngine("example.com/a", "example.com/crash", "example.com/c")

	var states []pool.RecoveryState
	rr, err := e.Run(context.Background(), RunOptions{
		OnCrash: func(_ protocol.Task, s pool.RecoveryState, _ int) { states = append(states, s) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	crashed := rr.Task("example.com/crash")
	if crashed == nil || !crashed.Crashed || crashed.Status != report.StatusFail {
		t.Fatalf("crash task = %+v, want a crashed failure", crashed)
	}
	if crashed.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", crashed.Attempts)
	}
	if len(states) != 2 || states[0] != pool.Retry || states[1] != pool.Crashed {
		t.Errorf("states = %v, want [retry crashed]", states)
	}
	if rr.Spawns != len(sp.argvs) {
		t.Errorf("Spawns = %d, spawner saw %d", rr.Spawns, len(sp.argvs))
	}
	if !strings.Contains(FormatRun(rr), "worker crashed") {
		t.Errorf("FormatRun = %q", FormatRun(rr))
	}
}

func TestRun_NoWorkerCommand(t *testing.T) {
	e, _ := newPoolEngine("example.com/a")
	e.WorkerCommand = nil

	_, err := e.Run(context.Background(), RunOptions{})
	if err == nil || !strings.Contains(err.Error(), "pool.worker") {
		t.Fatalf("err = %v, want a missing worker error", err)
	}
}

func TestRun_DiscoveryFailure(t *testing.T) {
	e, _ := newPoolEngine()
	e.Runner = &fakeRunner{Results: map[string]*runner.Result{
		"go list": {ExitCode: 1, Stderr: []byte("pattern ./nope/...: directory not found\n")},
	}}

	_, err := e.Run(context.Background(), RunOptions{Patterns: []string{"./nope/..."}})
	if err == nil || !strings.Contains(err.Error(), "directory not found") {
		t.Fatalf("err = %v, want the go list error", err)
	}
	if IsFatal(err) {
		t.Error("discovery failure reported as fatal")
	}
}

func TestRun_CancelledIsFatal(t *testing.T) {
	e, _ := newPoolEngine("example.com/a", "example.com/b")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rr, err := e.RunTasks(ctx, []protocol.Task{
		protocol.NewTask("example.com/a", nil, nil),
	}, RunOptions{})
	if !IsFatal(err) {
		t.Fatalf("err = %v, want fatal", err)
	}
	if rr == nil || rr.Fatal == "" {
		t.Fatalf("result = %+v, want the fatal error recorded", rr)
	}
	if !strings.Contains(FormatRun(rr), "fatal: ") {
		t.Errorf("FormatRun = %q", FormatRun(rr))
	}
}

func TestDiscover_ScopedToWorkspace(t *testing.T) {
	fr := &fakeRunner{Results: map[string]*runner.Result{
		"go list": {Stdout: listJSON("example.com/sub/a")},
	}}
	e := newTestEngine(nil, fr)
	e.Workspace = "/project/sub"

	if _, err := e.Discover(context.Background(), nil); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(fr.Dirs) != 1 || filepath.ToSlash(fr.Dirs[0]) != "sub" {
		t.Errorf("go list ran in %q, want the workspace sub", fr.Dirs)
	}
	if call := fr.calls()[0]; call[len(call)-1] != "./..." {
		t.Errorf("go list argv = %v, want ./... last", call)
	}
}

func TestDiscover_ParsesAndDedupes(t *testing.T) {
	fr := &fakeRunner{Results: map[string]*runner.Result{
		"go list": {Stdout: listJSON("example.com/a", "example.com/b", "example.com/a")},
	}}
	e := newTestEngine(nil, fr)

	pkgs, err := e.Discover(context.Background(), []string{"/project/sub"})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(pkgs) != 2 || pkgs[0].ImportPath != "example.com/a" || pkgs[1].Dir != "/project/example.com/b" {
		t.Errorf("pkgs = %+v", pkgs)
	}
	call := fr.calls()[0]
	if call[len(call)-1] != "./sub/..." {
		t.Errorf("go list argv = %v, want resolved pattern last", call)
	}
	task := pkgs[1].Task([]string{"vet"}, nil)
	if task.ID != "example.com/b" || task.Dir != "/project/example.com/b" || task.Steps[0] != "vet" {
		t.Errorf("task = %+v", task)
	}
}
