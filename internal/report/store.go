// Package report provides structured persistence and retrieval of
// pool run results. Results are stored as typed structs and can be
// queried by package or symbol.
package report

import "time"

// Store persists and retrieves run results.
type Store interface {
	Save(result *RunResult) error
	Load(runID string) (*RunResult, error)
}

// RunResult holds the structured output of one pool run.
type RunResult struct {
	ID       string        `json:"id"`
	Shard    string        `json:"shard,omitempty"` // "i/n" when sharded
	Pool     int           `json:"pool"`            // slots requested
	Spawns   int           `json:"spawns"`          // worker processes started
	Started  time.Time     `json:"started"`
	Elapsed  time.Duration `json:"elapsed"`
	Tasks    []TaskReport  `json:"tasks"`
	Fatal    string        `json:"fatal,omitempty"` // orchestrator error that aborted the run
	Patterns []string      `json:"patterns,omitempty"`
}

// Task status values, mirroring the worker protocol.
const (
	StatusPass = "pass"
	StatusFail = "fail"
	StatusSkip = "skip"
)

// TaskReport is the record of one package task.
type TaskReport struct {
	Package  string         `json:"package"`
	Status   string         `json:"status"`
	Message  string         `json:"message,omitempty"` // failure text
	Slot     int            `json:"slot,omitempty"`
	Attempts int            `json:"attempts,omitempty"`
	Crashed  bool           `json:"crashed,omitempty"`
	Elapsed  time.Duration  `json:"elapsed"`
	Detail   *PackageReport `json:"detail,omitempty"` // what the worker observed
}

// PackageReport is what a worker produces for one package. It travels
// as the outcome payload and is kept verbatim in the run result.
type PackageReport struct {
	Package      string          `json:"package"`
	Steps        []StepReport    `json:"steps"`
	Tests        TestCounts      `json:"tests"`
	Coverage     float64         `json:"coverage,omitempty"` // mean function coverage, cover step only
	FormatIssues []FormatIssue   `json:"format_issues,omitempty"`
	VetIssues    []VetIssue      `json:"vet_issues,omitempty"`
	BuildErrors  []BuildError    `json:"build_errors,omitempty"`
	TestFailures []TestFailure   `json:"test_failures,omitempty"`
	LintIssues   []LintIssue     `json:"lint_issues,omitempty"`
	StaticIssues []StaticIssue   `json:"static_issues,omitempty"`
	Functions    []CoverageEntry `json:"functions,omitempty"`
}

// StepReport is the outcome of one step on one package.
type StepReport struct {
	Name    string        `json:"name"`
	Status  string        `json:"status"` // pass, fail, skipped, unavailable
	Detail  string        `json:"detail,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// TestCounts tallies go test -json events for a package.
type TestCounts struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// FormatIssue represents an unformatted file detected by gofumpt.
type FormatIssue struct {
	Package string `json:"package"`
	File    string `json:"file"`
	Message string `json:"message"`
}

// VetIssue represents a go vet finding.
type VetIssue struct {
	Package  string `json:"package"`
	File     string `json:"file"`
	Line     int    `json:"line"`
	Col      int    `json:"col"`
	Analyzer string `json:"analyzer,omitempty"`
	Message  string `json:"message"`
}

// BuildError represents a compilation error.
type BuildError struct {
	Package string `json:"package"`
	File    string `json:"file"`
	Line    int    `json:"line"`
	Col     int    `json:"col"`
	Message string `json:"message"`
}

// TestFailure represents a failed test.
type TestFailure struct {
	Package string `json:"package"`
	Test    string `json:"test"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
	Output  string `json:"output,omitempty"`
}

// LintIssue represents a linter finding.
type LintIssue struct {
	Package string `json:"package"`
	File    string `json:"file"`
	Line    int    `json:"line"`
	Col     int    `json:"col"`
	Linter  string `json:"linter"`
	Message string `json:"message"`
}

// StaticIssue represents a staticcheck finding.
type StaticIssue struct {
	Package  string `json:"package"`
	File     string `json:"file"`
	Line     int    `json:"line"`
	Col      int    `json:"col"`
	EndLine  int    `json:"end_line,omitempty"`
	EndCol   int    `json:"end_col,omitempty"`
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// CoverageEntry holds per-function test coverage data.
type CoverageEntry struct {
	Package  string  `json:"package"`
	File     string  `json:"file"`
	Line     int     `json:"line,omitempty"`
	Function string  `json:"function"`
	Coverage float64 `json:"coverage"` // 0.0–100.0
}
