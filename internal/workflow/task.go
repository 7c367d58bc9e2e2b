package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deixis/testpool/internal/protocol"
	"github.com/deixis/testpool/internal/report"
)

// Step statuses recorded in a report.StepReport.
const (
	StepPass        = "pass"
	StepFail        = "fail"
	StepSkipped     = "skipped"
	StepUnavailable = "unavailable"
)

// Execute runs the task's steps for its package in order, stopping on
// the first step that does not pass. Steps default to the configured
// ones. The outcome payload is a report.PackageReport in both the pass
// and the fail case; a failing outcome's message is "<step>: <summary>".
func (e *Engine) Execute(ctx context.Context, task protocol.Task) protocol.Outcome {
	start := time.Now()
	steps := task.Steps
	if len(steps) == 0 {
		steps = e.Config.TaskSteps()
	}

	pr := &report.PackageReport{Package: task.Package}
	for _, step := range steps {
		pr.Steps = append(pr.Steps, report.StepReport{Name: step, Status: StepSkipped})
	}

	for i, step := range steps {
		stepStart := time.Now()
		sr, summary := e.runStep(ctx, step, task, pr)
		sr.Name = step
		sr.Elapsed = time.Since(stepStart)
		pr.Steps[i] = sr

		if sr.Status != StepPass {
			o := protocol.Failed(task, "%s: %s", step, strings.TrimSpace(summary)).With(pr)
			o.Elapsed = time.Since(start)
			return o
		}
	}

	o := protocol.Passed(task, pr)
	o.Elapsed = time.Since(start)
	return o
}

// runStep runs one step and records its findings in pr. It returns the
// step report and, when the step did not pass, the text explaining why.
func (e *Engine) runStep(ctx context.Context, step string, task protocol.Task, pr *report.PackageReport) (report.StepReport, string) {
	switch step {
	case "fmt":
		issues, err := e.runFormat(ctx, task)
		if err != nil {
			return stepError(err)
		}
		if len(issues) > 0 {
			pr.FormatIssues = issues
			return report.StepReport{Status: StepFail}, formatString(issues)
		}

	case "vet":
		issues, err := e.runVet(ctx, task)
		if err != nil {
			return stepError(err)
		}
		if len(issues) > 0 {
			pr.VetIssues = issues
			return report.StepReport{Status: StepFail}, vetString(issues)
		}

	case "test":
		summary, err := e.runTest(ctx, task)
		if err != nil {
			return stepError(err)
		}
		if recordTests(pr, summary) {
			return report.StepReport{Status: StepFail}, summary.String()
		}

	case "cover":
		summary, funcs, err := e.runCover(ctx, task)
		if err != nil {
			return stepError(err)
		}
		if recordTests(pr, summary) {
			return report.StepReport{Status: StepFail}, summary.String()
		}
		pr.Functions = funcs
		pr.Coverage = AverageCoverage(funcs)
		if floor := e.Config.Cover.Min; floor > 0 && len(funcs) > 0 && pr.Coverage < floor {
			return report.StepReport{Status: StepFail}, FormatCoverageSummary(funcs, floor)
		}

	case "lint":
		issues, err := e.runLint(ctx, task)
		if err != nil {
			return stepError(err)
		}
		if len(issues) > 0 {
			pr.LintIssues = issues
			return report.StepReport{Status: StepFail}, lintString(issues)
		}

	case "staticcheck":
		issues, err := e.runStaticcheck(ctx, task)
		if err != nil {
			return stepError(err)
		}
		if len(issues) > 0 {
			pr.StaticIssues = issues
			return report.StepReport{Status: StepFail}, staticString(issues)
		}

	default:
		msg := fmt.Sprintf("unknown step: %s", step)
		return report.StepReport{Status: StepFail, Detail: msg}, msg
	}
	return report.StepReport{Status: StepPass}, ""
}

// recordTests copies a test summary into pr and reports whether the
// tests failed.
func recordTests(pr *report.PackageReport, summary *TestSummary) bool {
	pr.Tests = report.TestCounts{
		Total:   summary.Total,
		Passed:  summary.Passed,
		Failed:  summary.Failed,
		Skipped: summary.Skipped,
	}
	if summary.Status != "FAIL" {
		return false
	}
	for _, f := range summary.Errors {
		pr.TestFailures = append(pr.TestFailures, report.TestFailure{
			Package: f.Package,
			Test:    f.Test,
			File:    f.File,
			Line:    f.Line,
			Message: FirstLine(f.Output),
			Output:  f.Output,
		})
	}
	for _, be := range summary.BuildErrors {
		pr.BuildErrors = append(pr.BuildErrors, report.BuildError{
			Package: be.ImportPath,
			Message: be.Output,
		})
	}
	return true
}

func stepError(err error) (report.StepReport, string) {
	var unavail ErrToolUnavailable
	if errors.As(err, &unavail) {
		return report.StepReport{Status: StepUnavailable, Detail: err.Error()}, err.Error()
	}
	return report.StepReport{Status: StepFail, Detail: err.Error()}, err.Error()
}

// FirstLine returns the first non-empty line of s, trimmed,
// skipping test framework boilerplate lines.
func FirstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "=== RUN") && !strings.HasPrefix(line, "--- FAIL") {
			return line
		}
	}
	return ""
}

// FormatFailureSymbols builds Go-qualified symbol references for the
// failures recorded in a run.
func FormatFailureSymbols(rr *report.RunResult) []string {
	var out []string
	for _, t := range report.Failures(rr) {
		if t.Detail == nil || t.Crashed {
			out = append(out, fmt.Sprintf("%s — %s", t.Package, FirstLine(t.Message)))
			continue
		}
		d := t.Detail
		for _, f := range d.TestFailures {
			msg := f.Message
			if msg == "" {
				msg = "test failed"
			}
			if f.Test == "" {
				out = append(out, fmt.Sprintf("%s — %s", f.Package, msg))
				continue
			}
			out = append(out, fmt.Sprintf("%s.%s — %s", f.Package, f.Test, msg))
		}
		counts := []struct {
			n    int
			what string
		}{
			{len(d.BuildErrors), "build errors"},
			{len(d.FormatIssues), "unformatted files"},
			{len(d.VetIssues), "vet issues"},
			{len(d.LintIssues), "lint issues"},
			{len(d.StaticIssues), "staticcheck issues"},
		}
		for _, c := range counts {
			if c.n > 0 {
				out = append(out, fmt.Sprintf("%s — %d %s", t.Package, c.n, c.what))
			}
		}
	}
	return out
}
