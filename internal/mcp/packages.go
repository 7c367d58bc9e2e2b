package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deixis/testpool/internal/shard"
	"github.com/deixis/testpool/internal/workflow"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

type packagesParams struct {
	Packages   []string `json:"packages,omitempty" jsonschema:"Go import paths or patterns (e.g. example.com/foo/...) or absolute directory paths. Defaults to all packages in the workspace."`
	ShardID    int      `json:"shard_id,omitempty" jsonschema:"1-based shard to list, used with shard_count."`
	ShardCount int      `json:"shard_count,omitempty" jsonschema:"Total number of shards. Packages are dealt round-robin in go list order."`
}

// shardSpec validates an optional shard selection. Zero for both means
// no sharding.
func shardSpec(id, count int) (shard.Spec, error) {
	if id == 0 && count == 0 {
		return shard.Spec{}, nil
	}
	if err := shard.Validate(id, count); err != nil {
		return shard.Spec{}, err
	}
	return shard.Spec{ID: id, Count: count}, nil
}

func (h *handler) packagesHandler(ctx context.Context, req *sdkmcp.CallToolRequest, params packagesParams) (*sdkmcp.CallToolResult, any, error) {
	spec, err := shardSpec(params.ShardID, params.ShardCount)
	if err != nil {
		return errorResult(err.Error())
	}
	e := h.currentEngine()

	var b strings.Builder

	// Module info via `go list -m -json`. Non-fatal: the package list is
	// what callers need.
	if mod, err := moduleInfoOf(ctx, &e); err == nil {
		fmt.Fprintf(&b, "Module: %s\n", mod.Path)
		if mod.GoVersion != "" {
			fmt.Fprintf(&b, "Go: %s\n", mod.GoVersion)
		}
		fmt.Fprintf(&b, "Directory: %s\n", mod.Dir)
		fmt.Fprintln(&b)
	}

	tasks, err := e.Tasks(ctx, workflow.RunOptions{Patterns: params.Packages, Shard: spec})
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to list packages: %v", err))
	}

	fmt.Fprintf(&b, "Packages (%d)", len(tasks))
	if spec.Enabled() {
		fmt.Fprintf(&b, ", shard %s", spec)
	}
	fmt.Fprintln(&b, ":")
	for _, t := range tasks {
		fmt.Fprintf(&b, "  %s\n", t.Package)
	}
	fmt.Fprintf(&b, "\nSteps: %s\n", strings.Join(e.Config.TaskSteps(), ", "))
	fmt.Fprintf(&b, "Pool size: %d\n", e.Config.PoolSize())

	return textResult(b.String())
}

// moduleInfo holds the relevant fields from `go list -m -json`.
type moduleInfo struct {
	Path      string `json:"Path"`
	Dir       string `json:"Dir"`
	GoVersion string `json:"GoVersion"`
}

func moduleInfoOf(ctx context.Context, e *workflow.Engine) (*moduleInfo, error) {
	res, err := e.Runner.Run(ctx, []string{"go", "list", "-m", "-json"}, "")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("go list -m -json failed: %s", workflow.FirstLine(string(res.Stderr)))
	}
	var mod moduleInfo
	if err := json.Unmarshal(res.Stdout, &mod); err != nil {
		return nil, fmt.Errorf("parsing module info: %w", err)
	}
	return &mod, nil
}
