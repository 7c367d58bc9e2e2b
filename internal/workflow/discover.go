package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/deixis/testpool/internal/protocol"
)

// Package is a Go package found by Discover.
type Package struct {
	ImportPath string `json:"ImportPath"`
	Dir        string `json:"Dir"`
	Name       string `json:"Name"`
	// Incomplete packages fail to load; they are still listed so that the
	// test step reports why.
	Incomplete bool `json:"Incomplete,omitempty"`
}

// Task builds the pool task for p.
func (p Package) Task(steps, args []string) protocol.Task {
	t := protocol.NewTask(p.ImportPath, steps, args)
	t.Dir = p.Dir
	return t
}

// Discover lists the packages matching patterns in go list order. It
// runs in the workspace, so "./..." covers the workspace subtree only.
// Patterns are normalised with ResolvePackages first.
func (e *Engine) Discover(ctx context.Context, patterns []string) ([]Package, error) {
	argv := []string{"go", "list", "-e", "-json=ImportPath,Dir,Name,Incomplete"}
	argv = append(argv, e.ResolvePackages(patterns)...)

	res, err := e.Runner.Run(ctx, argv, e.listDir())
	if err != nil {
		return nil, fmt.Errorf("executing go list: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("go list failed: %s", FirstLine(string(res.Stderr)))
	}
	if res.Truncated {
		return nil, fmt.Errorf("go list output exceeded %d bytes; raise max_output", e.Config.MaxOutputBytes())
	}
	return parseListOutput(res.Stdout)
}

// parseListOutput decodes the stream of JSON objects go list -json
// writes, dropping duplicates.
func parseListOutput(data []byte) ([]Package, error) {
	var pkgs []Package
	seen := make(map[string]bool)
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var p Package
		if err := dec.Decode(&p); err != nil {
			if err == io.EOF {
				return pkgs, nil
			}
			return nil, fmt.Errorf("parsing go list output: %w", err)
		}
		if p.ImportPath == "" || seen[p.ImportPath] {
			continue
		}
		seen[p.ImportPath] = true
		pkgs = append(pkgs, p)
	}
}
