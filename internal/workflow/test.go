package workflow

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/deixis/testpool/internal/protocol"
)

// TestSummary holds parsed go test -json results for one package run.
type TestSummary struct {
	Status      string // PASS or FAIL
	Total       int
	Passed      int
	Failed      int
	Skipped     int
	BuildErrors []BuildError
	Errors      []TestFailure // in the order tests failed
}

// BuildError holds a build failure from go test -json.
type BuildError struct {
	ImportPath string
	Output     string
}

// TestFailure holds one failed test. Test is empty when the package
// binary failed outside any test: a panic in init, a test timeout or an
// os.Exit from TestMain.
type TestFailure struct {
	Test    string
	Package string
	File    string // location of the first reported failure, if any
	Line    int
	Output  string
}

// maxFailureLines is the maximum number of output lines shown per failure.
const maxFailureLines = 20

func (s *TestSummary) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Status: %s\n\n", s.Status)

	if s.Status == "PASS" {
		fmt.Fprintf(&b, "All %d tests passed", s.Total)
		if s.Skipped > 0 {
			fmt.Fprintf(&b, " (%d skipped)", s.Skipped)
		}
		fmt.Fprintln(&b, ".")
		return b.String()
	}

	if len(s.BuildErrors) > 0 {
		fmt.Fprintln(&b, "Build errors:")
		for _, be := range s.BuildErrors {
			fmt.Fprintf(&b, "  %s:\n", be.ImportPath)
			writeIndented(&b, be.Output, "    ")
		}
		fmt.Fprintln(&b)
	}

	if s.Failed > 0 || len(s.BuildErrors) == 0 {
		fmt.Fprintf(&b, "Failed %d of %d tests.\n", s.Failed, s.Total)
	}
	for _, f := range s.Errors {
		name := f.Test
		if name == "" {
			name = "(package)"
		}
		fmt.Fprintf(&b, "  - %s\n", name)
		writeIndented(&b, f.Output, "      ")
	}
	return b.String()
}

func writeIndented(b *strings.Builder, output, indent string) {
	if strings.TrimSpace(output) == "" {
		return
	}
	for _, line := range strings.Split(truncateLines(output, maxFailureLines), "\n") {
		fmt.Fprintf(b, "%s%s\n", indent, line)
	}
}

// runTest runs go test -json on the task's package. flags go before the
// package; configured and per-task arguments after it.
func (e *Engine) runTest(ctx context.Context, task protocol.Task, flags ...string) (*TestSummary, error) {
	argv := append([]string{"go", "test", "-json"}, flags...)
	argv = append(argv, task.Package)
	argv = append(argv, e.Config.Test.Args...)
	argv = append(argv, task.Args...)

	result, err := e.Runner.Run(ctx, argv, "")
	if err != nil {
		return nil, fmt.Errorf("executing go test: %w", err)
	}
	if result.TimedOut {
		return nil, fmt.Errorf("go test %s timed out after %s", task.Package, e.Config.Timeout())
	}

	summary := parseTestOutput(result.Stdout)
	if summary.Status == "PASS" && result.ExitCode != 0 && summary.Total == 0 {
		// go test failed before emitting any event, e.g. a bad flag.
		summary.Status = "FAIL"
		summary.BuildErrors = append(summary.BuildErrors, BuildError{
			ImportPath: task.Package,
			Output:     strings.TrimSpace(string(result.Stderr)),
		})
	}
	return summary, nil
}

// test2jsonEvent represents a single event from `go test -json`.
type test2jsonEvent struct {
	Action      string  `json:"Action"`
	Package     string  `json:"Package"`
	Test        string  `json:"Test"`
	Output      string  `json:"Output"`
	Elapsed     float64 `json:"Elapsed"`
	ImportPath  string  `json:"ImportPath"`
	FailedBuild string  `json:"FailedBuild"`
}

type testKey struct{ pkg, test string }

// testCollector folds test2json events into a TestSummary.
// Package-level output is kept under an empty test name. Failures and
// broken builds keep the order they were reported in.
type testCollector struct {
	s        *TestSummary
	outputs  map[testKey]*strings.Builder
	failed   []testKey
	seen     map[testKey]bool
	builds   map[string]*strings.Builder
	broken   []string
	isBroken map[string]bool
	hasFail  map[string]bool // packages with a failing test
}

func parseTestOutput(data []byte) *TestSummary {
	c := &testCollector{
		s:        &TestSummary{Status: "PASS"},
		outputs:  make(map[testKey]*strings.Builder),
		seen:     make(map[testKey]bool),
		builds:   make(map[string]*strings.Builder),
		isBroken: make(map[string]bool),
		hasFail:  make(map[string]bool),
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		var ev test2jsonEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		c.add(ev)
	}
	return c.summary()
}

func (c *testCollector) add(ev test2jsonEvent) {
	key := testKey{ev.Package, ev.Test}
	switch ev.Action {
	case "output":
		b, ok := c.outputs[key]
		if !ok {
			b = &strings.Builder{}
			c.outputs[key] = b
		}
		b.WriteString(ev.Output)
	case "pass":
		if ev.Test != "" {
			c.s.Total++
			c.s.Passed++
		}
	case "skip":
		if ev.Test != "" {
			c.s.Total++
			c.s.Skipped++
		}
	case "fail":
		c.s.Status = "FAIL"
		if ev.Test != "" {
			c.s.Total++
			c.s.Failed++
			c.hasFail[ev.Package] = true
		} else if ev.FailedBuild != "" {
			return
		}
		if ev.Package != "" && !c.seen[key] {
			c.seen[key] = true
			c.failed = append(c.failed, key)
		}
	case "build-output":
		ip := firstNonEmpty(ev.ImportPath, ev.Package)
		if ip == "" {
			return
		}
		b, ok := c.builds[ip]
		if !ok {
			b = &strings.Builder{}
			c.builds[ip] = b
		}
		b.WriteString(ev.Output)
	case "build-fail":
		c.s.Status = "FAIL"
		if ip := firstNonEmpty(ev.ImportPath, ev.Package); ip != "" && !c.isBroken[ip] {
			c.isBroken[ip] = true
			c.broken = append(c.broken, ip)
		}
	}
}

func (c *testCollector) summary() *TestSummary {
	for _, key := range c.failed {
		if key.test == "" && c.hasFail[key.pkg] {
			// A failing test already explains the package failure.
			continue
		}
		var output string
		if b, ok := c.outputs[key]; ok {
			output = b.String()
		}
		f := TestFailure{Test: key.test, Package: key.pkg, Output: output}
		f.File, f.Line = failureLocation(output)
		c.s.Errors = append(c.s.Errors, f)
	}
	for _, ip := range c.broken {
		var output string
		if b, ok := c.builds[ip]; ok {
			output = strings.TrimRight(b.String(), "\n")
		}
		c.s.BuildErrors = append(c.s.BuildErrors, BuildError{ImportPath: ip, Output: output})
	}
	return c.s
}

// failureRE matches the file:line prefix testing puts on t.Error output.
var failureRE = regexp.MustCompile(`^\s+([\w./-]+\.go):(\d+): `)

// failureLocation returns the first file:line reported in test output.
func failureLocation(output string) (string, int) {
	for _, line := range strings.Split(output, "\n") {
		if m := failureRE.FindStringSubmatch(line); m != nil {
			n, _ := strconv.Atoi(m[2])
			return m[1], n
		}
	}
	return "", 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncateLines(s string, maxLines int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= maxLines {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[:maxLines], "\n") + fmt.Sprintf("\n... (%d more lines)", len(lines)-maxLines)
}
