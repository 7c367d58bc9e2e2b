package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/deixis/testpool/internal/report"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type inspectParams struct {
	RunID  string `json:"run_id" jsonschema:"the run ID from a pool_run result"`
	Symbol string `json:"symbol" jsonschema:"Go-qualified symbol: import path for package scope (e.g. example.com/foo), or importpath.Symbol for a specific test (e.g. example.com/foo.TestAdd)"`
}

func (h *handler) inspectHandler(ctx context.Context, req *mcp.CallToolRequest, params inspectParams) (*mcp.CallToolResult, any, error) {
	if params.RunID == "" {
		return errorResult("run_id is required")
	}
	if params.Symbol == "" {
		return errorResult("symbol is required")
	}

	result, err := h.store.Load(params.RunID)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to load run %s: %v", params.RunID, err))
	}

	task := result.Task(params.Symbol)
	diagnostics := report.BySymbol(result, params.Symbol)
	if len(diagnostics) == 0 {
		if task != nil {
			return textResult(formatTask(params.RunID, task))
		}
		return textResult(fmt.Sprintf("No diagnostics found for %s in run %s.", params.Symbol, params.RunID))
	}

	var b strings.Builder
	if task != nil {
		b.WriteString(formatTask(params.RunID, task))
		fmt.Fprintln(&b)
	} else {
		fmt.Fprintf(&b, "Run: %s\n", params.RunID)
	}
	b.WriteString(formatInspectOutput(params.Symbol, diagnostics))
	return textResult(b.String())
}

// formatTask describes how a package task went.
func formatTask(runID string, t *report.TaskReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run: %s\n", runID)
	fmt.Fprintf(&b, "%s — %s", t.Package, strings.ToUpper(t.Status))
	if t.Slot > 0 {
		fmt.Fprintf(&b, " (worker %d, %d %s, %s)", t.Slot, t.Attempts, plural(t.Attempts, "attempt"), t.Elapsed.Round(time.Millisecond))
	}
	fmt.Fprintln(&b)
	if t.Crashed {
		fmt.Fprintln(&b, "The worker crashed on every attempt; no structured result was produced.")
	}
	if t.Detail != nil {
		for _, s := range t.Detail.Steps {
			fmt.Fprintf(&b, "  %s: %s\n", s.Name, s.Status)
		}
		if tc := t.Detail.Tests; tc.Total > 0 {
			fmt.Fprintf(&b, "Tests: %d passed, %d failed, %d skipped\n", tc.Passed, tc.Failed, tc.Skipped)
		}
		if t.Detail.Coverage > 0 {
			fmt.Fprintf(&b, "Coverage: %.1f%%\n", t.Detail.Coverage)
		}
	}
	if t.Message != "" && t.Status != report.StatusPass {
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, strings.TrimRight(t.Message, "\n"))
	}
	return b.String()
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

// formatInspectOutput lists the diagnostics of one symbol, grouped by
// file in the order files were first reported. Test output follows the
// list, indented.
func formatInspectOutput(symbol string, diagnostics []report.Diagnostic) string {
	var b strings.Builder
	if len(diagnostics) == 1 && diagnostics[0].Source == "test" {
		fmt.Fprintf(&b, "%s — FAIL\n\n", symbol)
	} else {
		fmt.Fprintf(&b, "%s — %s:\n\n", symbol, countSources(diagnostics))
	}

	var files []string
	byFile := make(map[string][]report.Diagnostic)
	for _, d := range diagnostics {
		if _, ok := byFile[d.File]; !ok {
			files = append(files, d.File)
		}
		byFile[d.File] = append(byFile[d.File], d)
	}
	for _, file := range files {
		for _, d := range byFile[file] {
			b.WriteString(position(d))
			tag := d.Source
			if d.Detail != "" {
				tag += "/" + d.Detail
			}
			fmt.Fprintf(&b, "[%s] %s\n", tag, d.Message)
		}
	}

	for _, d := range diagnostics {
		if d.Source != "test" || d.Output == "" {
			continue
		}
		b.WriteString("\nOutput:\n")
		for _, line := range strings.Split(strings.TrimRight(d.Output, "\n"), "\n") {
			fmt.Fprintf(&b, "    %s\n", line)
		}
	}
	return b.String()
}

// countSources summarises diagnostics as "2 vet, 1 lint", sources in the
// order they first appear.
func countSources(diagnostics []report.Diagnostic) string {
	var order []string
	counts := make(map[string]int)
	for _, d := range diagnostics {
		if counts[d.Source] == 0 {
			order = append(order, d.Source)
		}
		counts[d.Source]++
	}
	parts := make([]string, len(order))
	for i, src := range order {
		parts[i] = fmt.Sprintf("%d %s", counts[src], src)
	}
	return strings.Join(parts, ", ")
}

func position(d report.Diagnostic) string {
	switch {
	case d.File == "":
		return ""
	case d.Line == 0:
		return d.File + ": "
	case d.Col == 0:
		return fmt.Sprintf("%s:%d: ", d.File, d.Line)
	}
	return fmt.Sprintf("%s:%d:%d: ", d.File, d.Line, d.Col)
}
