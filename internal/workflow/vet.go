package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/deixis/testpool/internal/protocol"
	"github.com/deixis/testpool/internal/report"
)

func (e *Engine) runVet(ctx context.Context, task protocol.Task) ([]report.VetIssue, error) {
	argv := []string{"go", "vet", "-json", task.Package}

	res, err := e.Runner.Run(ctx, argv, "")
	if err != nil {
		return nil, fmt.Errorf("executing go vet: %w", err)
	}
	issues, err := parseVetOutput(res.Stderr)
	if err != nil {
		return nil, err
	}
	if len(issues) == 0 && res.ExitCode != 0 {
		// Not a finding: go vet could not load the package.
		return nil, fmt.Errorf("go vet: %s", FirstLine(string(res.Stderr)))
	}
	return issues, nil
}

// vetDiagnostic is one entry of `go vet -json` output, which is keyed by
// package ID and then by analyzer name.
type vetDiagnostic struct {
	Posn    string `json:"posn"`
	Message string `json:"message"`
}

// parseVetOutput reads the JSON objects go vet -json writes to stderr,
// skipping the "# pkg" header lines between them.
func parseVetOutput(data []byte) ([]report.VetIssue, error) {
	var body bytes.Buffer
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "#") {
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}

	var issues []report.VetIssue
	dec := json.NewDecoder(&body)
	for {
		var out map[string]map[string][]vetDiagnostic
		if err := dec.Decode(&out); err != nil {
			if err == io.EOF {
				break
			}
			return issues, fmt.Errorf("parsing go vet output: %w", err)
		}
		for pkg, analyzers := range out {
			for analyzer, diags := range analyzers {
				for _, d := range diags {
					file, line, col := splitPosn(d.Posn)
					issues = append(issues, report.VetIssue{
						Package:  pkg,
						File:     file,
						Line:     line,
						Col:      col,
						Analyzer: analyzer,
						Message:  d.Message,
					})
				}
			}
		}
	}
	sort.Slice(issues, func(i, j int) bool {
		if issues[i].File != issues[j].File {
			return issues[i].File < issues[j].File
		}
		return issues[i].Line < issues[j].Line
	})
	return issues, nil
}

// splitPosn splits "file.go:12:3" into its parts. Missing numbers are 0.
func splitPosn(posn string) (string, int, int) {
	parts := strings.Split(posn, ":")
	if len(parts) < 3 {
		return posn, 0, 0
	}
	n := len(parts)
	line, err1 := strconv.Atoi(parts[n-2])
	col, err2 := strconv.Atoi(parts[n-1])
	if err1 != nil || err2 != nil {
		return posn, 0, 0
	}
	return strings.Join(parts[:n-2], ":"), line, col
}

func vetString(issues []report.VetIssue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Status: %d issues found\n", len(issues))
	fmt.Fprintln(&b)
	for _, issue := range issues {
		fmt.Fprintf(&b, "%s:%d:%d (%s): %s\n", issue.File, issue.Line, issue.Col, issue.Analyzer, issue.Message)
	}
	return b.String()
}
