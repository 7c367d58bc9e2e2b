package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/deixis/testpool/internal/protocol"
	"github.com/deixis/testpool/internal/report"
)

// runLint runs golangci-lint on the package directory. golangci-lint
// exits 1 when it found issues; any other failure without issues is an
// error.
func (e *Engine) runLint(ctx context.Context, task protocol.Task) ([]report.LintIssue, error) {
	argv, err := e.resolveTool(ctx, "golangci-lint")
	if err != nil {
		return nil, err
	}

	output := e.lintOutputFlags(ctx, argv)
	argv = append(argv, "run")
	argv = append(argv, output...)
	if e.Config.Lint.Config != "" {
		argv = append(argv, "--config", e.Config.Lint.Config)
	}
	argv = append(argv, e.Config.Lint.Args...)
	argv = append(argv, packageTarget(task))

	res, err := e.Runner.Run(ctx, argv, "")
	if err != nil {
		return nil, fmt.Errorf("executing golangci-lint: %w", err)
	}
	issues, parseErr := parseLintOutput(res.Stdout, task.Package)
	switch {
	case res.TimedOut:
		return nil, fmt.Errorf("golangci-lint timed out after %s", res.Elapsed.Round(time.Millisecond))
	case len(issues) > 0:
		return issues, nil
	case res.ExitCode > 1:
		return nil, fmt.Errorf("golangci-lint: %s", FirstLine(string(res.Stderr)))
	case parseErr != nil:
		return nil, parseErr
	}
	return nil, nil
}

// packageTarget names a single package for tools that take directories.
// golangci-lint walks directories, so the package directory is preferred
// over the import path.
func packageTarget(task protocol.Task) string {
	if task.Dir != "" {
		return task.Dir
	}
	return task.Package
}

var (
	lintMajors   sync.Map // module root and argv -> major version
	lintVersionR = regexp.MustCompile(`version v?(\d+)\.`)
)

// lintOutputFlags selects JSON output on stdout. golangci-lint v2
// replaced --out-format with per-format output paths.
func (e *Engine) lintOutputFlags(ctx context.Context, argv []string) []string {
	key := e.RepoRoot + "\x00" + strings.Join(argv, " ")
	if v, ok := lintMajors.Load(key); ok {
		return lintFlagsFor(v.(int))
	}
	major := 1
	version := append(append([]string(nil), argv...), "--version")
	if res, err := e.Runner.Run(ctx, version, ""); err == nil {
		out := append(append([]byte(nil), res.Stdout...), res.Stderr...)
		if m := lintVersionR.FindSubmatch(out); m != nil {
			major, _ = strconv.Atoi(string(m[1]))
		}
	}
	lintMajors.Store(key, major)
	return lintFlagsFor(major)
}

func lintFlagsFor(major int) []string {
	if major >= 2 {
		return []string{"--output.json.path=stdout", "--show-stats=false"}
	}
	return []string{"--out-format=json"}
}

// golangciLintOutput is the top-level JSON report of golangci-lint.
type golangciLintOutput struct {
	Issues []struct {
		FromLinter string `json:"FromLinter"`
		Text       string `json:"Text"`
		Pos        struct {
			Filename string `json:"Filename"`
			Line     int    `json:"Line"`
			Column   int    `json:"Column"`
		} `json:"Pos"`
	} `json:"Issues"`
}

// parseLintOutput decodes the JSON report at the start of data and
// attributes its issues to pkg. Anything after the report is ignored.
func parseLintOutput(data []byte, pkg string) ([]report.LintIssue, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	var out golangciLintOutput
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&out); err != nil {
		return nil, fmt.Errorf("parsing golangci-lint output: %w", err)
	}
	var issues []report.LintIssue
	for _, issue := range out.Issues {
		issues = append(issues, report.LintIssue{
			Package: pkg,
			File:    issue.Pos.Filename,
			Line:    issue.Pos.Line,
			Col:     issue.Pos.Column,
			Linter:  issue.FromLinter,
			Message: issue.Text,
		})
	}
	return issues, nil
}

func lintString(issues []report.LintIssue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d lint %s\n", len(issues), pluralize(len(issues), "issue"))
	for _, issue := range issues {
		fmt.Fprintf(&b, "%s:%d:%d (%s): %s\n", issue.File, issue.Line, issue.Col, issue.Linter, issue.Message)
	}
	return b.String()
}
