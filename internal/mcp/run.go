package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/deixis/testpool/internal/config"
	"github.com/deixis/testpool/internal/report"
	"github.com/deixis/testpool/internal/workflow"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type runParams struct {
	Packages   []string `json:"packages,omitempty" jsonschema:"Go import paths or patterns (e.g. example.com/foo/...) or absolute directory paths. Defaults to all packages in the workspace."`
	ShardID    int      `json:"shard_id,omitempty" jsonschema:"1-based shard to run, used with shard_count."`
	ShardCount int      `json:"shard_count,omitempty" jsonschema:"Total number of shards. Packages are dealt round-robin in go list order."`
	Steps      []string `json:"steps,omitempty" jsonschema:"Per-package steps: fmt, vet, test, cover, lint, staticcheck. Defaults to the configured steps (test)."`
	Args       []string `json:"args,omitempty" jsonschema:"Extra go test flags, e.g. -race or -run=TestFoo."`
	PoolSize   int      `json:"pool_size,omitempty" jsonschema:"Number of worker processes. Defaults to the configured size or GOMAXPROCS."`
}

func (h *handler) runHandler(ctx context.Context, req *mcp.CallToolRequest, params runParams) (*mcp.CallToolResult, any, error) {
	spec, err := shardSpec(params.ShardID, params.ShardCount)
	if err != nil {
		return errorResult(err.Error())
	}
	for _, step := range params.Steps {
		if !config.KnownStep(step) {
			return errorResult(fmt.Sprintf("unknown step %q (known: %s)", step, strings.Join(config.KnownSteps, ", ")))
		}
	}
	if params.PoolSize < 0 {
		return errorResult("pool_size must not be negative")
	}

	e := h.currentEngine()
	if params.PoolSize > 0 {
		e.Config.Pool.Size = params.PoolSize
	}

	rr, err := e.Run(ctx, workflow.RunOptions{
		Patterns: params.Packages,
		Shard:    spec,
		Steps:    params.Steps,
		Args:     params.Args,
	})
	if rr == nil {
		return errorResult(fmt.Sprintf("run failed: %v", err))
	}

	// Save results for pool_inspect, aborted runs included.
	_ = h.store.Save(rr)

	if err != nil {
		return errorResult(formatRun(rr))
	}
	return textResult(formatRun(rr))
}

func formatRun(rr *report.RunResult) string {
	var b strings.Builder

	failures := report.Failures(rr)
	switch {
	case rr.Fatal != "":
		fmt.Fprintln(&b, "Status: ABORTED")
	case len(failures) > 0:
		fmt.Fprintln(&b, "Status: FAIL")
	default:
		fmt.Fprintln(&b, "Status: PASS")
	}
	fmt.Fprintf(&b, "Run: %s\n", rr.ID)
	if rr.Shard != "" {
		fmt.Fprintf(&b, "Shard: %s\n", rr.Shard)
	}
	fmt.Fprintf(&b, "Pool: %d workers, %d started\n", rr.Pool, rr.Spawns)
	fmt.Fprintln(&b)

	fmt.Fprintln(&b, report.Summarize(rr))
	fmt.Fprintln(&b)

	if rr.Fatal != "" {
		fmt.Fprintf(&b, "Fatal: %s\n", rr.Fatal)
		fmt.Fprintln(&b)
	}

	if len(failures) > 0 {
		fmt.Fprintln(&b, "Failures:")
		for _, f := range workflow.FormatFailureSymbols(rr) {
			fmt.Fprintf(&b, "  %s\n", f)
		}
		fmt.Fprintln(&b)

		var unavailable []string
		for _, f := range failures {
			if f.Detail == nil {
				continue
			}
			for _, s := range f.Detail.Steps {
				if s.Status == workflow.StepUnavailable {
					unavailable = append(unavailable, s.Name)
				}
			}
		}
		if len(unavailable) > 0 {
			fmt.Fprintf(&b, "Action: a tool required by step %s is not installed. Install it and re-run pool_run.\n", unavailable[0])
		} else {
			fmt.Fprintf(&b, "Inspect with pool_inspect(run_id=%q, symbol=\"<package or package.Symbol>\").\n", rr.ID)
		}
	} else if rr.Fatal == "" {
		fmt.Fprintln(&b, "All packages passed.")
	}

	return b.String()
}
