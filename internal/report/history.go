package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrNoRuns is returned by Latest when the history is empty.
var ErrNoRuns = errors.New("no recorded runs")

// DiskStore keeps run results as JSON files in a directory, so that runs
// started from the command line can be inspected from the MCP server and
// the other way round. Only the newest Keep runs are retained.
type DiskStore struct {
	Dir  string // created on first Save; empty means a private temp dir
	Keep int    // runs retained; zero or less keeps everything

	mu sync.Mutex
}

// NewDiskStore returns a store rooted at dir.
func NewDiskStore(dir string, keep int) *DiskStore {
	return &DiskStore{Dir: dir, Keep: keep}
}

// Save writes result atomically and prunes the oldest runs.
func (s *DiskStore) Save(result *RunResult) error {
	if err := validID(result.ID); err != nil {
		return err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshalling run %s: %w", result.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.dir()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".run-*")
	if err != nil {
		return fmt.Errorf("writing run %s: %w", result.ID, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing run %s: %w", result.ID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing run %s: %w", result.ID, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, result.ID+".json")); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing run %s: %w", result.ID, err)
	}
	return s.prune(dir)
}

// Load reads the run with the given ID.
func (s *DiskStore) Load(runID string) (*RunResult, error) {
	if err := validID(runID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	dir, err := s.dir()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return readRun(filepath.Join(dir, runID+".json"))
}

// Latest returns the most recently saved run, or ErrNoRuns.
func (s *DiskStore) Latest() (*RunResult, error) {
	s.mu.Lock()
	dir, err := s.dir()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	runs, err := listRuns(dir)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNoRuns
	}
	return readRun(runs[0].path)
}

// dir resolves the history directory, creating it if needed. Callers
// hold s.mu.
func (s *DiskStore) dir() (string, error) {
	if s.Dir == "" {
		dir, err := os.MkdirTemp("", "testpool-runs-*")
		if err != nil {
			return "", fmt.Errorf("creating run history: %w", err)
		}
		s.Dir = dir
		return dir, nil
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("creating run history: %w", err)
	}
	return s.Dir, nil
}

func (s *DiskStore) prune(dir string) error {
	if s.Keep <= 0 {
		return nil
	}
	runs, err := listRuns(dir)
	if err != nil {
		return err
	}
	for _, r := range runs[min(s.Keep, len(runs)):] {
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("pruning run history: %w", err)
		}
	}
	return nil
}

type storedRun struct {
	path string
	mod  int64
}

// listRuns returns the runs in dir, newest first.
func listRuns(dir string) ([]storedRun, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading run history: %w", err)
	}
	var runs []storedRun
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		runs = append(runs, storedRun{
			path: filepath.Join(dir, e.Name()),
			mod:  info.ModTime().UnixNano(),
		})
	}
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].mod != runs[j].mod {
			return runs[i].mod > runs[j].mod
		}
		return runs[i].path > runs[j].path
	})
	return runs, nil
}

func readRun(path string) (*RunResult, error) {
	id := strings.TrimSuffix(filepath.Base(path), ".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %s not found", id)
		}
		return nil, fmt.Errorf("reading run %s: %w", id, err)
	}
	var result RunResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decoding run %s: %w", id, err)
	}
	return &result, nil
}

// validID rejects IDs that could name a file outside the store.
func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid run ID %q", id)
	}
	return nil
}
