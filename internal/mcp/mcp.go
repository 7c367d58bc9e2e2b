// Package mcp provides the testpool MCP server, registering the pool
// tools and publishing model instructions.
package mcp

import (
	"context"
	_ "embed"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/deixis/testpool"
	"github.com/deixis/testpool/internal/config"
	"github.com/deixis/testpool/internal/report"
	"github.com/deixis/testpool/internal/runner"
	"github.com/deixis/testpool/internal/workflow"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

//go:embed instructions.md
var Instructions string

// handler holds shared dependencies for all tool handlers.
type handler struct {
	mu     sync.Mutex // guards engine and runner against root updates
	engine *workflow.Engine
	runner *runner.Runner // nil when the engine runs commands some other way
	store  report.Store
}

// NewServer creates an MCP server with all testpool tools registered.
// The engine must have its worker command or spawner set; r, when not
// nil, is the runner behind the engine and follows workspace changes.
func NewServer(engine *workflow.Engine, r *runner.Runner, store report.Store) *mcp.Server {
	h := &handler{
		engine: engine,
		runner: r,
		store:  store,
	}

	mcpOpts := &mcp.ServerOptions{
		Instructions: Instructions,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{ListChanged: false},
		},
		InitializedHandler: func(ctx context.Context, req *mcp.InitializedRequest) {
			h.updateWorkspaceFromRoots(ctx, req.Session)
		},
	}
	s := mcp.NewServer(&mcp.Implementation{Name: "testpool", Version: testpool.Version}, mcpOpts)

	mcp.AddTool(s, &mcp.Tool{
		Name: "pool_packages",
		Description: `List the packages a pool run would cover, in dispatch order.

Applies the same discovery and shard selection as pool_run without running anything.`,
	}, h.packagesHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "pool_run",
		Description: `Run the configured steps (test by default) for every package on a pool of worker processes.

Each package is one task. A worker that crashes is restarted and the task retried, with a larger
heap ceiling if one is configured. Results are stored for drill-down via pool_inspect.`,
	}, h.runHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "pool_inspect",
		Description: `Drill into results from a pool_run.

Use the run_id and a Go-qualified symbol from the tool output.
Symbol can be an import path (e.g. example.com/foo) for the package's outcome and all its diagnostics,
or importpath.Symbol (e.g. example.com/foo.TestAdd) for a specific test.`,
	}, h.inspectHandler)

	return s
}

// currentEngine returns a copy of the engine so a handler can adjust
// per-call settings without racing other calls.
func (h *handler) currentEngine() workflow.Engine {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := *h.engine
	cfg := *e.Config
	e.Config = &cfg
	return e
}

// updateWorkspaceFromRoots points the pool at the client's first file
// root, if it has one and its config loads. It runs once per session,
// before any tool call.
func (h *handler) updateWorkspaceFromRoots(ctx context.Context, session *mcp.ServerSession) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	workspace, ok := firstFileRoot(ctx, session)
	if !ok {
		return
	}
	loaded, err := config.Load(workspace)
	if err != nil {
		log.Printf("ignoring root %s: %v", workspace, err)
		return
	}
	h.setWorkspace(workspace, loaded)
}

func firstFileRoot(ctx context.Context, session *mcp.ServerSession) (string, bool) {
	res, err := session.ListRoots(ctx, &mcp.ListRootsParams{})
	if err != nil || len(res.Roots) == 0 {
		return "", false
	}
	u, err := url.Parse(res.Roots[0].URI)
	if err != nil || u.Scheme != "file" || u.Path == "" {
		return "", false
	}
	return u.Path, true
}

func (h *handler) setWorkspace(workspace string, loaded *config.LoadResult) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.engine.Config = loaded.Config
	h.engine.Workspace = workspace
	h.engine.RepoRoot = loaded.RepoRoot
	if r := h.runner; r != nil {
		r.Workspace = workspace
		r.Timeout = loaded.Config.Timeout()
		r.MaxOutput = loaded.Config.MaxOutputBytes()
	}
}

func textResult(text string) (*mcp.CallToolResult, any, error) {
	return toolResult(text, false)
}

func errorResult(text string) (*mcp.CallToolResult, any, error) {
	return toolResult(text, true)
}

func toolResult(text string, isErr bool) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: isErr,
	}, nil, nil
}
