package workflow

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/deixis/testpool/internal/protocol"
	"github.com/deixis/testpool/internal/report"
)

// runStaticcheck runs staticcheck on the task's package. staticcheck
// reports compile errors as findings too, so a non-zero exit without
// findings means the tool itself failed.
func (e *Engine) runStaticcheck(ctx context.Context, task protocol.Task) ([]report.StaticIssue, error) {
	argv, err := e.resolveTool(ctx, "staticcheck")
	if err != nil {
		return nil, err
	}

	argv = append(argv, "-f", "json")
	if len(e.Config.Staticcheck.Checks) > 0 {
		argv = append(argv, "-checks", strings.Join(e.Config.Staticcheck.Checks, ","))
	}
	argv = append(argv, e.Config.Staticcheck.Args...)
	argv = append(argv, task.Package)

	res, err := e.Runner.Run(ctx, argv, "")
	if err != nil {
		return nil, fmt.Errorf("executing staticcheck: %w", err)
	}
	issues := parseStaticcheckOutput(res.Stdout, task.Package)
	switch {
	case res.TimedOut:
		return nil, fmt.Errorf("staticcheck timed out after %s", res.Elapsed.Round(time.Millisecond))
	case len(issues) == 0 && res.ExitCode != 0:
		return nil, fmt.Errorf("staticcheck: %s", FirstLine(string(res.Stderr)))
	}
	return issues, nil
}

// staticcheckEvent is one line of `staticcheck -f json`.
type staticcheckEvent struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Location struct {
		File   string `json:"file"`
		Line   int    `json:"line"`
		Column int    `json:"column"`
	} `json:"location"`
	End struct {
		Line   int `json:"line"`
		Column int `json:"column"`
	} `json:"end"`
}

// parseStaticcheckOutput reads staticcheck JSON lines. Issues are
// attributed to pkg, or to a package derived from the file path when pkg
// is empty. Lines that are not findings are skipped.
func parseStaticcheckOutput(data []byte, pkg string) []report.StaticIssue {
	var issues []report.StaticIssue
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var ev staticcheckEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil || ev.Code == "" {
			continue
		}
		issuePkg := pkg
		if issuePkg == "" {
			issuePkg = derivePackageFromFile(ev.Location.File)
		}
		issues = append(issues, report.StaticIssue{
			Package:  issuePkg,
			File:     ev.Location.File,
			Line:     ev.Location.Line,
			Col:      ev.Location.Column,
			EndLine:  ev.End.Line,
			EndCol:   ev.End.Column,
			Code:     ev.Code,
			Severity: ev.Severity,
			Message:  ev.Message,
		})
	}
	return issues
}

func staticString(issues []report.StaticIssue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d staticcheck %s\n", len(issues), pluralize(len(issues), "issue"))
	for _, issue := range issues {
		fmt.Fprintf(&b, "%s:%d:%d (%s): %s\n", issue.File, issue.Line, issue.Col, issue.Code, issue.Message)
	}
	return b.String()
}
