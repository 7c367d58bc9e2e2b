package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/deixis/testpool/internal/protocol"
	"github.com/deixis/testpool/internal/report"
)

// runFormat runs gofumpt -l over the package's own Go files and reports
// every unformatted file. Subpackages are left to their own tasks.
func (e *Engine) runFormat(ctx context.Context, task protocol.Task) ([]report.FormatIssue, error) {
	if task.Dir == "" {
		return nil, fmt.Errorf("no directory known for %s", task.Package)
	}
	argv, err := e.resolveTool(ctx, "gofumpt")
	if err != nil {
		return nil, err
	}
	files, err := filepath.Glob(filepath.Join(task.Dir, "*.go"))
	if err != nil {
		return nil, fmt.Errorf("listing files of %s: %w", task.Package, err)
	}
	if len(files) == 0 {
		return nil, nil
	}
	argv = append(argv, "-l")
	argv = append(argv, files...)

	res, err := e.Runner.Run(ctx, argv, "")
	if err != nil {
		return nil, fmt.Errorf("executing gofumpt: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("gofumpt: %s", FirstLine(string(res.Stderr)))
	}
	return parseFormatOutput(res.Stdout, task.Package), nil
}

func parseFormatOutput(data []byte, pkg string) []report.FormatIssue {
	var issues []report.FormatIssue
	for _, file := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		file = strings.TrimSpace(file)
		if file == "" {
			continue
		}
		issues = append(issues, report.FormatIssue{
			Package: pkg,
			File:    file,
			Message: fmt.Sprintf("file not formatted: %s", file),
		})
	}
	return issues
}

func formatString(issues []report.FormatIssue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d files not formatted\n", len(issues))
	for _, issue := range issues {
		fmt.Fprintf(&b, "  %s\n", issue.File)
	}
	return b.String()
}
