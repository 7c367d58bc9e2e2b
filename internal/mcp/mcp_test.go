package mcp

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deixis/testpool/internal/config"
	"github.com/deixis/testpool/internal/pool"
	"github.com/deixis/testpool/internal/protocol"
	"github.com/deixis/testpool/internal/report"
	"github.com/deixis/testpool/internal/runner"
	"github.com/deixis/testpool/internal/workflow"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// fixtures maps a name to the files of a small module. Packages under
// crash/ kill their worker.
var fixtures = map[string]map[string]string{
	"passing": {
		"go.mod":          "module example.com/passing\n\ngo 1.22\n",
		"add/add.go":      "package add\n\nfunc Add(a, b int) int { return a + b }\n",
		"add/add_test.go": "package add\n\nimport \"testing\"\n\nfunc TestAdd(t *testing.T) {\n\tif Add(2, 2) != 4 {\n\t\tt.Fatal(\"bad sum\")\n\t}\n}\n",
		"sub/sub.go":      "package sub\n\nfunc Sub(a, b int) int { return a - b }\n",
		"sub/sub_test.go": "package sub\n\nimport \"testing\"\n\nfunc TestSub(t *testing.T) {\n\tif Sub(4, 2) != 2 {\n\t\tt.Fatal(\"bad difference\")\n\t}\n}\n",
	},
	"failing": {
		"go.mod":          "module example.com/failing\n\ngo 1.22\n",
		"add/add.go":      "package add\n\nfunc Add(a, b int) int { return a + b + 1 }\n",
		"add/add_test.go": "package add\n\nimport \"testing\"\n\nfunc TestAdd(t *testing.T) {\n\tif got := Add(2, 2); got != 4 {\n\t\tt.Fatalf(\"Add(2, 2) = %d, want 4\", got)\n\t}\n}\n",
		"crash/crash.go":  "package crash\n",
	},
}

// writeFixture materialises a fixture module in a temp dir.
func writeFixture(t *testing.T, name string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range fixtures[name] {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("writing %s: %v", path, err)
		}
	}
	return dir
}

// inProcessSpawner runs each worker as a goroutine executing tasks with
// exec. Tasks for a package under /crash close the worker without a result.
type inProcessSpawner struct {
	exec func(ctx context.Context, task protocol.Task) protocol.Outcome
}

func (s *inProcessSpawner) Spawn(ctx context.Context, _, _ []string) (pool.Process, error) {
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
	p.inbox <- t
	return nil
}

func (p *inProcess) Outcomes() <-chan protocol.Outcome { return p.out }

func (p *inProcess) Kill() { p.once.Do(func() { close(p.done) }) }

// setup creates a full testpool MCP server + client over in-memory transports.
func setup(t *testing.T, workspaceDir string, cfg *config.Config) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	if cfg == nil {
		cfg = &config.Config{}
	}
	noEscalation := 0
	cfg.Pool.CrashRecoveryMaxHeap = &noEscalation

	store := report.NewLRUStore(5, report.NewDiskStore(t.TempDir(), 0))
	r := &runner.Runner{
		Workspace: workspaceDir,
		Timeout:   60 * time.Second,
		MaxOutput: cfg.MaxOutputBytes(),
	}
	engine := &workflow.Engine{
		Config:    cfg,
		Runner:    r,
		Workspace: workspaceDir,
		RepoRoot:  workspaceDir,
	}
	worker := &workflow.Engine{
		Config:    cfg,
		Runner:    r,
		Workspace: workspaceDir,
		RepoRoot:  workspaceDir,
	}
	engine.Spawner = &inProcessSpawner{exec: worker.Execute}
	engine.WorkerCommand = []string{"testpool", "worker"}

	server := NewServer(engine, r, store)

	ct, st := mcp.NewInMemoryTransports()
	ss, err := server.Connect(ctx, st, nil)
	if err != nil {
		t.Fatalf("server.Connect: %v", err)
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatalf("client.Connect: %v", err)
	}

	t.Cleanup(func() {
		_ = cs.Close()
		_ = ss.Wait()
	})

	return cs
}

func callTool(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return res
}

func resultText(r *mcp.CallToolResult) string {
	var parts []string
	for _, c := range r.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

var runIDPattern = regexp.MustCompile(`Run: (\S+)`)

func runID(t *testing.T, text string) string {
	t.Helper()
	m := runIDPattern.FindStringSubmatch(text)
	if m == nil {
		t.Fatalf("no run ID in output:\n%s", text)
	}
	return m[1]
}

// --- pool_packages ---

func TestPoolPackages(t *testing.T) {
	dir := writeFixture(t, "passing")
	cs := setup(t, dir, nil)
	res := callTool(t, cs, "pool_packages", nil)
	text := resultText(res)
	if res.IsError {
		t.Fatalf("unexpected error: %s", text)
	}
	if !strings.Contains(text, "Module: example.com/passing") {
		t.Errorf("expected module line, got:\n%s", text)
	}
	if !strings.Contains(text, "Packages (2):") {
		t.Errorf("expected two packages, got:\n%s", text)
	}
}

func TestPoolPackages_Shard(t *testing.T) {
	dir := writeFixture(t, "passing")
	cs := setup(t, dir, nil)
	res := callTool(t, cs, "pool_packages", map[string]any{"shard_id": 2, "shard_count": 2})
	text := resultText(res)
	if res.IsError {
		t.Fatalf("unexpected error: %s", text)
	}
	if !strings.Contains(text, "Packages (1), shard 2/2:") || !strings.Contains(text, "example.com/passing/sub") {
		t.Errorf("expected the second package only, got:\n%s", text)
	}
	if strings.Contains(text, "example.com/passing/add") {
		t.Errorf("shard 2/2 should not include add, got:\n%s", text)
	}
}

func TestPoolPackages_InvalidShard(t *testing.T) {
	dir := writeFixture(t, "passing")
	cs := setup(t, dir, nil)
	res := callTool(t, cs, "pool_packages", map[string]any{"shard_id": 3, "shard_count": 2})
	if !res.IsError {
		t.Fatalf("expected error, got:\n%s", resultText(res))
	}
}

// --- pool_run ---

func TestPoolRun_Passing(t *testing.T) {
	dir := writeFixture(t, "passing")
	cs := setup(t, dir, nil)
	res := callTool(t, cs, "pool_run", map[string]any{"pool_size": 2})
	text := resultText(res)
	if res.IsError {
		t.Fatalf("unexpected error: %s", text)
	}
	if !strings.Contains(text, "Status: PASS") {
		t.Errorf("expected Status: PASS, got:\n%s", text)
	}
	if !strings.Contains(text, "2 tasks: 2 passed, 0 failed") {
		t.Errorf("expected summary, got:\n%s", text)
	}
	if !strings.Contains(text, "Pool: 2 workers") {
		t.Errorf("expected pool size, got:\n%s", text)
	}
}

func TestPoolRun_FailureAndCrash(t *testing.T) {
	dir := writeFixture(t, "failing")
	cs := setup(t, dir, nil)
	res := callTool(t, cs, "pool_run", nil)
	text := resultText(res)
	if res.IsError {
		t.Fatalf("task failures must not be tool errors: %s", text)
	}
	if !strings.Contains(text, "Status: FAIL") {
		t.Errorf("expected Status: FAIL, got:\n%s", text)
	}
	if !strings.Contains(text, "example.com/failing/add.TestAdd") {
		t.Errorf("expected the failing test symbol, got:\n%s", text)
	}
	if !strings.Contains(text, "example.com/failing/crash — worker crashed") {
		t.Errorf("expected the crashed package, got:\n%s", text)
	}
	if !strings.Contains(text, "pool_inspect") {
		t.Errorf("expected pool_inspect hint, got:\n%s", text)
	}
}

func TestPoolRun_UnknownStep(t *testing.T) {
	dir := writeFixture(t, "passing")
	cs := setup(t, dir, nil)
	res := callTool(t, cs, "pool_run", map[string]any{"steps": []string{"test", "bench"}})
	if !res.IsError {
		t.Fatalf("expected error, got:\n%s", resultText(res))
	}
	if !strings.Contains(resultText(res), `unknown step "bench"`) {
		t.Errorf("unexpected error text: %s", resultText(res))
	}
}

// --- pool_inspect ---

func TestPoolInspect_MissingRunID(t *testing.T) {
	dir := writeFixture(t, "passing")
	cs := setup(t, dir, nil)
	res := callTool(t, cs, "pool_inspect", map[string]any{"symbol": "example.com/passing/add"})
	if !res.IsError {
		t.Error("expected error for missing run_id")
	}
	if !strings.Contains(resultText(res), "run_id is required") {
		t.Errorf("unexpected error text: %s", resultText(res))
	}
}

func TestPoolInspect_MissingSymbol(t *testing.T) {
	dir := writeFixture(t, "passing")
	cs := setup(t, dir, nil)
	res := callTool(t, cs, "pool_inspect", map[string]any{"run_id": "some-id"})
	if !res.IsError {
		t.Error("expected error for missing symbol")
	}
}

func TestPoolInspect_InvalidRunID(t *testing.T) {
	dir := writeFixture(t, "passing")
	cs := setup(t, dir, nil)
	res := callTool(t, cs, "pool_inspect", map[string]any{"run_id": "nonexistent", "symbol": "example.com/foo"})
	if !res.IsError {
		t.Error("expected error for invalid run_id")
	}
}

func TestPoolInspect_AfterFailingRun(t *testing.T) {
	dir := writeFixture(t, "failing")
	cs := setup(t, dir, nil)
	id := runID(t, resultText(callTool(t, cs, "pool_run", nil)))

	res := callTool(t, cs, "pool_inspect", map[string]any{"run_id": id, "symbol": "example.com/failing/add.TestAdd"})
	text := resultText(res)
	if res.IsError {
		t.Fatalf("unexpected error: %s", text)
	}
	if !strings.Contains(text, "Add(2, 2) = 5, want 4") {
		t.Errorf("expected the test failure message, got:\n%s", text)
	}

	res = callTool(t, cs, "pool_inspect", map[string]any{"run_id": id, "symbol": "example.com/failing/crash"})
	text = resultText(res)
	if !strings.Contains(text, "example.com/failing/crash — FAIL") || !strings.Contains(text, "crashed") {
		t.Errorf("expected the crash report, got:\n%s", text)
	}
}
