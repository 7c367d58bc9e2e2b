// Package workflow provides the execution engine behind testpool. On the
// coordinator side it discovers packages and runs them on the worker
// pool; on the worker side it runs the configured steps for one package.
// Both the MCP server and the CLI commands drive it.
package workflow

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/deixis/testpool/internal/config"
	"github.com/deixis/testpool/internal/pool"
	"github.com/deixis/testpool/internal/runner"
)

// CommandRunner executes commands within a workspace.
// Implemented by runner.Runner.
type CommandRunner interface {
	Run(ctx context.Context, argv []string, cwd string) (*runner.Result, error)
}

// Engine holds the dependencies shared by coordinator and worker.
type Engine struct {
	Config    *config.Config
	Runner    CommandRunner
	Workspace string // cwd; discovery and ./... scope to here
	RepoRoot  string // module root; commands run relative to it

	// Coordinator side only.
	Spawner       pool.Spawner // nil means an ExecSpawner rooted at RepoRoot
	WorkerCommand []string     // used when the config names no worker
	WorkerStderr  io.Writer    // where worker diagnostics go; nil discards them
}

// ResolvePackages turns package arguments into go list patterns,
// relative to the discovery directory (see listDir).
//
// Import paths and relative patterns pass through. Absolute directories
// inside the module become "./dir/..." or "../dir/..."; those outside it
// are dropped. An empty result means "./...".
func (e *Engine) ResolvePackages(packages []string) []string {
	root := e.root()
	from := filepath.Join(root, e.listDir())

	var resolved []string
	for _, p := range packages {
		if !filepath.IsAbs(p) {
			resolved = append(resolved, p)
			continue
		}
		if !within(root, p) {
			continue
		}
		rel, err := filepath.Rel(from, p)
		if err != nil {
			continue
		}
		pattern := filepath.ToSlash(rel)
		if pattern == "." {
			resolved = append(resolved, "./...")
			continue
		}
		if !strings.HasPrefix(pattern, "..") {
			pattern = "./" + pattern
		}
		if !strings.HasSuffix(pattern, "...") {
			pattern += "/..."
		}
		resolved = append(resolved, pattern)
	}

	if len(resolved) == 0 {
		return []string{"./..."}
	}
	return resolved
}

func (e *Engine) root() string {
	if e.RepoRoot != "" {
		return e.RepoRoot
	}
	return e.Workspace
}

// listDir is the directory go list runs in, relative to the module
// root: the workspace when it lies inside the module, else the root.
func (e *Engine) listDir() string {
	root := e.root()
	if e.Workspace == "" || !within(root, e.Workspace) {
		return ""
	}
	rel, err := filepath.Rel(root, e.Workspace)
	if err != nil || rel == "." {
		return ""
	}
	return rel
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// derivePackageFromFile guesses a package path from a file path reported
// by a tool. Callers prefer the task's package when they have one.
func derivePackageFromFile(file string) string {
	if file == "" {
		return ""
	}
	return filepath.ToSlash(filepath.Dir(file))
}
