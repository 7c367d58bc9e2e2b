package workflow

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// knownTools maps tool binary names to their install metadata.
var knownTools = map[string]toolInfo{
	"gofumpt":       {ImportPath: "mvdan.cc/gofumpt@latest"},
	"staticcheck":   {ImportPath: "honnef.co/go/tools/cmd/staticcheck@latest"},
	"golangci-lint": {AltInstall: "https://golangci-lint.run/welcome/install/", NoGoInstall: true},
}

// toolInfo holds install metadata for a known tool.
type toolInfo struct {
	ImportPath  string // module path for go get -tool / go install
	AltInstall  string // install URL when go install is not the way
	NoGoInstall bool
}

// toolKey identifies a resolution. A go.mod tool directive makes the
// answer depend on the module.
type toolKey struct {
	root string
	name string
}

// resolvedTools remembers resolutions for the life of the process, so a
// worker checks each tool once rather than once per package.
var resolvedTools sync.Map // toolKey -> []string, nil when unavailable

// resolveTool returns the argv prefix invoking name: "go tool <name>"
// when the module declares the tool, otherwise the binary found on PATH.
func (e *Engine) resolveTool(ctx context.Context, name string) ([]string, error) {
	key := toolKey{root: e.RepoRoot, name: name}
	if v, ok := resolvedTools.Load(key); ok {
		return toolArgv(name, v.([]string))
	}

	argv := e.lookupTool(ctx, name)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	resolvedTools.Store(key, argv)
	return toolArgv(name, argv)
}

func toolArgv(name string, argv []string) ([]string, error) {
	if argv == nil {
		return nil, NewErrToolUnavailable(name)
	}
	return append([]string(nil), argv...), nil
}

func (e *Engine) lookupTool(ctx context.Context, name string) []string {
	// go tool -n prints the tool's path without running it and fails
	// for tools the module does not declare.
	res, err := e.Runner.Run(ctx, []string{"go", "tool", "-n", name}, "")
	if err == nil && res.ExitCode == 0 {
		return []string{"go", "tool", name}
	}
	if path, err := exec.LookPath(name); err == nil {
		return []string{path}
	}
	return nil
}

// ErrToolUnavailable is returned when a step needs a tool that is not
// installed. Its message says how to install known tools.
type ErrToolUnavailable struct {
	Name string
	Info *toolInfo
}

// NewErrToolUnavailable builds the error for name, attaching install
// metadata when the tool is known.
func NewErrToolUnavailable(name string) ErrToolUnavailable {
	e := ErrToolUnavailable{Name: name}
	if info, ok := knownTools[name]; ok {
		e.Info = &info
	}
	return e
}

func (e ErrToolUnavailable) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s is required but not installed.", e.Name)

	switch {
	case e.Info == nil:
	case e.Info.NoGoInstall:
		if e.Info.AltInstall != "" {
			fmt.Fprintf(&b, "\n\nInstall: %s", e.Info.AltInstall)
			fmt.Fprintf(&b, "\nNote: go get -tool and go install are not recommended for %s.", e.Name)
		}
	case e.Info.ImportPath != "":
		importPath := strings.TrimSuffix(e.Info.ImportPath, "@latest")
		fmt.Fprintf(&b, "\n\nInstall:")
		fmt.Fprintf(&b, "\n  go get -tool %s   # adds a tool directive to go.mod", importPath)
		fmt.Fprintf(&b, "\n  go install %s     # installs on PATH", e.Info.ImportPath)
	}
	return b.String()
}
