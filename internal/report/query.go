package report

import "strings"

// Diagnostic is one finding of any step, flattened for lookup by
// package or symbol.
type Diagnostic struct {
	Source  string // format, vet, build, test, lint, staticcheck or pool
	Package string
	File    string
	Line    int
	Col     int
	Symbol  string // test name for test failures
	Detail  string // analyzer, linter or check code
	Message string
	Output  string // test output, test failures only
}

// Task returns the report for pkg, or nil if the run did not include it.
func (r *RunResult) Task(pkg string) *TaskReport {
	for i := range r.Tasks {
		if r.Tasks[i].Package == pkg {
			return &r.Tasks[i]
		}
	}
	return nil
}

// Failures returns the tasks that failed, crashes included, in run order.
func Failures(result *RunResult) []TaskReport {
	var out []TaskReport
	for _, t := range result.Tasks {
		if t.Status == StatusFail {
			out = append(out, t)
		}
	}
	return out
}

// ByPackage returns every diagnostic recorded for an import path.
func ByPackage(result *RunResult, pkg string) []Diagnostic {
	return filter(result, func(d Diagnostic) bool { return d.Package == pkg })
}

// BySymbol returns the diagnostics for a package import path or for one
// test in it, written importpath.TestName. A symbol naming a package of
// the run is always read as that package, so module paths with dots
// resolve as expected.
func BySymbol(result *RunResult, sym string) []Diagnostic {
	if result.Task(sym) != nil {
		return ByPackage(result, sym)
	}
	pkg, name := result.splitSymbol(sym)
	if name == "" {
		return ByPackage(result, pkg)
	}
	return filter(result, func(d Diagnostic) bool { return d.Package == pkg && d.Symbol == name })
}

// splitSymbol prefers the longest package of the run that prefixes sym.
func (r *RunResult) splitSymbol(sym string) (pkg, name string) {
	for _, t := range r.Tasks {
		if strings.HasPrefix(sym, t.Package+".") && len(t.Package) > len(pkg) {
			pkg = t.Package
		}
	}
	if pkg != "" {
		return pkg, sym[len(pkg)+1:]
	}
	return splitSymbol(sym)
}

// splitSymbol cuts sym at the first dot of its last path element:
// "example.com/foo.TestAdd" is ("example.com/foo", "TestAdd").
func splitSymbol(sym string) (pkg, name string) {
	base := strings.LastIndex(sym, "/") + 1
	dot := strings.IndexByte(sym[base:], '.')
	if dot < 0 {
		return sym, ""
	}
	return sym[:base+dot], sym[base+dot+1:]
}

func filter(result *RunResult, keep func(Diagnostic) bool) []Diagnostic {
	var out []Diagnostic
	for _, t := range result.Tasks {
		for _, d := range taskDiagnostics(t) {
			if keep(d) {
				out = append(out, d)
			}
		}
	}
	return out
}

// taskDiagnostics flattens one task. A failure with no structured detail,
// a crash for instance, becomes a single pool diagnostic carrying the
// failure text.
func taskDiagnostics(t TaskReport) []Diagnostic {
	var out []Diagnostic
	if t.Status == StatusFail && (t.Crashed || t.Detail == nil) {
		out = append(out, Diagnostic{Source: "pool", Package: t.Package, Message: t.Message})
	}
	p := t.Detail
	if p == nil {
		return out
	}
	for _, f := range p.FormatIssues {
		out = append(out, Diagnostic{Source: "format", Package: f.Package, File: f.File, Message: f.Message})
	}
	for _, v := range p.VetIssues {
		out = append(out, Diagnostic{Source: "vet", Package: v.Package, File: v.File, Line: v.Line, Col: v.Col, Detail: v.Analyzer, Message: v.Message})
	}
	for _, b := range p.BuildErrors {
		out = append(out, Diagnostic{Source: "build", Package: b.Package, File: b.File, Line: b.Line, Col: b.Col, Message: b.Message})
	}
	for _, f := range p.TestFailures {
		out = append(out, Diagnostic{Source: "test", Package: f.Package, File: f.File, Line: f.Line, Symbol: f.Test, Message: f.Message, Output: f.Output})
	}
	for _, l := range p.LintIssues {
		out = append(out, Diagnostic{Source: "lint", Package: l.Package, File: l.File, Line: l.Line, Col: l.Col, Detail: l.Linter, Message: l.Message})
	}
	for _, s := range p.StaticIssues {
		out = append(out, Diagnostic{Source: "staticcheck", Package: s.Package, File: s.File, Line: s.Line, Col: s.Col, Detail: s.Code, Message: s.Message})
	}
	return out
}
