package workflow

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/deixis/testpool/internal/protocol"
	"github.com/deixis/testpool/internal/report"
)

// maxUncovered bounds the uncovered functions listed in a summary.
const maxUncovered = 10

// runCover is the test step with a cover profile. The profile is read
// only when the tests passed; failures come back in the summary.
func (e *Engine) runCover(ctx context.Context, task protocol.Task) (*TestSummary, []report.CoverageEntry, error) {
	f, err := os.CreateTemp("", "testpool-cover-*.out")
	if err != nil {
		return nil, nil, fmt.Errorf("creating cover profile: %w", err)
	}
	profile := f.Name()
	_ = f.Close()
	defer func() { _ = os.Remove(profile) }()

	summary, err := e.runTest(ctx, task, "-coverprofile", profile)
	if err != nil || summary.Status == "FAIL" {
		return summary, nil, err
	}

	res, err := e.Runner.Run(ctx, []string{"go", "tool", "cover", "-func", profile}, "")
	if err != nil {
		return nil, nil, fmt.Errorf("executing go tool cover: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, nil, fmt.Errorf("go tool cover: %s", FirstLine(string(res.Stderr)))
	}
	return summary, parseCoverFunc(res.Stdout, task.Package), nil
}

// parseCoverFunc reads `go tool cover -func` output, one function per
// line as "path/file.go:12:<tabs>Name<tabs>75.0%". The total line is
// dropped.
func parseCoverFunc(data []byte, pkg string) []report.CoverageEntry {
	var entries []report.CoverageEntry
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 3 || fields[0] == "total:" {
			continue
		}
		pct, err := strconv.ParseFloat(strings.TrimSuffix(fields[2], "%"), 64)
		if err != nil {
			continue
		}
		file, line, ok := cutLine(fields[0])
		if !ok {
			continue
		}
		entryPkg := pkg
		if entryPkg == "" {
			entryPkg = derivePackageFromFile(file)
		}
		entries = append(entries, report.CoverageEntry{
			Package:  entryPkg,
			File:     file,
			Line:     line,
			Function: fields[1],
			Coverage: pct,
		})
	}
	return entries
}

// cutLine splits "file.go:12:" into its file and line.
func cutLine(pos string) (string, int, bool) {
	pos = strings.TrimSuffix(pos, ":")
	i := strings.LastIndexByte(pos, ':')
	if i < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(pos[i+1:])
	if err != nil {
		return "", 0, false
	}
	return pos[:i], n, true
}

// AverageCoverage is the mean function coverage, 0 for no functions.
func AverageCoverage(entries []report.CoverageEntry) float64 {
	if len(entries) == 0 {
		return 0
	}
	var sum float64
	for _, e := range entries {
		sum += e.Coverage
	}
	return sum / float64(len(entries))
}

// FormatCoverageSummary explains a coverage shortfall, listing the first
// functions without any coverage.
func FormatCoverageSummary(entries []report.CoverageEntry, floor float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Functions: %d\n", len(entries))
	fmt.Fprintf(&b, "Average function coverage: %.1f%% (minimum %.1f%%)\n", AverageCoverage(entries), floor)

	var zero []report.CoverageEntry
	for _, e := range entries {
		if e.Coverage == 0 {
			zero = append(zero, e)
		}
	}
	if len(zero) == 0 {
		return b.String()
	}
	fmt.Fprintf(&b, "Uncovered functions: %d\n", len(zero))
	for _, e := range zero[:min(len(zero), maxUncovered)] {
		fmt.Fprintf(&b, "  %s.%s (%s)\n", e.Package, e.Function, filepath.Base(e.File))
	}
	if extra := len(zero) - maxUncovered; extra > 0 {
		fmt.Fprintf(&b, "  ... and %d more\n", extra)
	}
	return b.String()
}
