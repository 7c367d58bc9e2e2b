// Package config loads and validates the optional .testpool YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/deixis/testpool/internal/pool"
	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up at the module root.
const FileName = ".testpool"

// Default values for runner and pool configuration.
const (
	DefaultTimeout   = 10 * time.Minute
	DefaultMaxOutput = 1 << 20 // 1 MB
	DefaultHeapFlag  = pool.DefaultHeapFlag
	DefaultKillGrace = time.Second

	// DefaultHistoryKeep is how many run results are kept on disk.
	DefaultHistoryKeep = 50

	// DefaultCrashRecoveryMaxHeap is the heap ceiling in MiB used for the
	// escalated retry of a crashed task.
	DefaultCrashRecoveryMaxHeap = 4096
)

// Config holds the parsed .testpool configuration.
// All fields are optional; zero values represent defaults.
type Config struct {
	Version      int               `yaml:"version"`
	RawTimeout   string            `yaml:"timeout"`    // per tool invocation, e.g. "5m"
	RawMaxOutput int               `yaml:"max_output"` // bytes
	Steps        []string          `yaml:"steps"`      // per-package steps, default [test]
	Test         TestConfig        `yaml:"test"`
	Cover        CoverConfig       `yaml:"cover"`
	Lint         LintConfig        `yaml:"lint"`
	Staticcheck  StaticcheckConfig `yaml:"staticcheck"`
	Pool         PoolConfig        `yaml:"pool"`
	Trace        TraceConfig       `yaml:"trace"`
	History      HistoryConfig     `yaml:"history"`
}

// Timeout returns the configured timeout or the default.
func (c *Config) Timeout() time.Duration {
	if c.RawTimeout != "" {
		d, err := time.ParseDuration(c.RawTimeout)
		if err == nil && d > 0 {
			return d
		}
	}
	return DefaultTimeout
}

// MaxOutputBytes returns the configured max output size or the default.
func (c *Config) MaxOutputBytes() int {
	if c.RawMaxOutput > 0 {
		return c.RawMaxOutput
	}
	return DefaultMaxOutput
}

// TestConfig controls how the test step runs.
type TestConfig struct {
	Args []string `yaml:"args"` // extra flags appended to go test -json (e.g. -race, -count=1)
}

// CoverConfig controls the cover step.
type CoverConfig struct {
	Min float64 `yaml:"min"` // minimum mean function coverage per package, percent
}

// LintConfig controls how the lint step runs.
type LintConfig struct {
	Config string   `yaml:"config"` // path to golangci-lint config file
	Args   []string `yaml:"args"`   // extra flags (e.g. --timeout=5m)
}

// StaticcheckConfig controls how the staticcheck step runs.
type StaticcheckConfig struct {
	Checks []string `yaml:"checks"` // e.g. ["all", "-ST1000"]
	Args   []string `yaml:"args"`   // extra flags
}

// PoolConfig controls the worker pool.
type PoolConfig struct {
	Size     int      `yaml:"size"`      // worker processes, default GOMAXPROCS
	Worker   []string `yaml:"worker"`    // worker executable and fixed args, default: this binary's "worker" command
	ExecArgs []string `yaml:"exec_args"` // startup flags, e.g. ["--max-heap-mb=2048"]
	Env      []string `yaml:"env"`       // extra KEY=VALUE pairs for workers
	HeapFlag string   `yaml:"heap_flag"` // default --max-heap-mb; only custom workers may change it

	// OneTaskPerProcess starts a new worker for every task, for workers
	// that exit after answering one.
	OneTaskPerProcess bool `yaml:"one_task_per_process"`

	// CrashRecovery is a pointer so that an explicit false can be told
	// apart from an absent key; recovery defaults to on.
	CrashRecovery        *bool  `yaml:"crash_recovery"`
	CrashRecoveryMaxHeap *int   `yaml:"crash_recovery_max_heap"` // MiB; 0 disables escalation
	RawKillGrace         string `yaml:"kill_grace"`
	RawSoftTimeout       string `yaml:"soft_timeout"`
}

// TraceConfig controls OpenTelemetry span export.
type TraceConfig struct {
	File string `yaml:"file"` // write spans as JSON to this file; empty disables tracing
}

// HistoryConfig controls where run results are kept for inspection.
type HistoryConfig struct {
	Dir  string `yaml:"dir"`  // relative to the module root; default is the user cache dir
	Keep int    `yaml:"keep"` // newest runs retained, default 50
}

// DefaultSteps are used when no steps are configured.
var DefaultSteps = []string{"test"}

// TaskSteps returns the configured per-package steps, falling back to defaults.
func (c *Config) TaskSteps() []string {
	if len(c.Steps) > 0 {
		return c.Steps
	}
	return DefaultSteps
}

// PoolSize returns the configured pool size, falling back to GOMAXPROCS.
func (c *Config) PoolSize() int {
	if c.Pool.Size > 0 {
		return c.Pool.Size
	}
	return runtime.GOMAXPROCS(0)
}

// HeapFlag returns the worker heap ceiling flag.
func (c *Config) HeapFlag() string {
	if c.Pool.HeapFlag != "" {
		return c.Pool.HeapFlag
	}
	return DefaultHeapFlag
}

// CrashRecovery reports whether crashed tasks are retried.
func (c *Config) CrashRecovery() bool {
	if c.Pool.CrashRecovery != nil {
		return *c.Pool.CrashRecovery
	}
	return true
}

// CrashRecoveryMaxHeap returns the heap ceiling for escalated retries.
func (c *Config) CrashRecoveryMaxHeap() int {
	if c.Pool.CrashRecoveryMaxHeap != nil && *c.Pool.CrashRecoveryMaxHeap >= 0 {
		return *c.Pool.CrashRecoveryMaxHeap
	}
	return DefaultCrashRecoveryMaxHeap
}

// KillGrace returns how long a retiring worker may take to exit.
func (c *Config) KillGrace() time.Duration {
	if c.Pool.RawKillGrace != "" {
		d, err := time.ParseDuration(c.Pool.RawKillGrace)
		if err == nil && d >= 0 {
			return d
		}
	}
	return DefaultKillGrace
}

// SoftTimeout returns the run-wide soft deadline, 0 for none.
func (c *Config) SoftTimeout() time.Duration {
	if c.Pool.RawSoftTimeout != "" {
		d, err := time.ParseDuration(c.Pool.RawSoftTimeout)
		if err == nil && d > 0 {
			return d
		}
	}
	return 0
}

// HistoryDir returns the run history directory for the module at root.
// An empty result means no persistent location is available.
func (c *Config) HistoryDir(root string) string {
	if c.History.Dir != "" {
		if filepath.IsAbs(c.History.Dir) {
			return c.History.Dir
		}
		return filepath.Join(root, c.History.Dir)
	}
	cache, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(cache, "testpool", "runs")
}

// HistoryKeep returns how many runs the history retains.
func (c *Config) HistoryKeep() int {
	if c.History.Keep > 0 {
		return c.History.Keep
	}
	return DefaultHistoryKeep
}

// Validate rejects settings that cannot work.
func (c *Config) Validate() error {
	if c.Cover.Min < 0 || c.Cover.Min > 100 {
		return fmt.Errorf("cover.min must be within 0-100, got %v", c.Cover.Min)
	}
	if c.History.Keep < 0 {
		return fmt.Errorf("history.keep must not be negative, got %d", c.History.Keep)
	}
	if c.Pool.Size < 0 {
		return fmt.Errorf("pool.size must not be negative, got %d", c.Pool.Size)
	}
	for _, step := range c.Steps {
		if !KnownStep(step) {
			return fmt.Errorf("unknown step %q", step)
		}
	}
	if len(c.Pool.Worker) == 0 && c.HeapFlag() != DefaultHeapFlag {
		return fmt.Errorf("pool.heap_flag %q needs pool.worker: the bundled worker only reads %s", c.Pool.HeapFlag, DefaultHeapFlag)
	}
	for _, kv := range c.Pool.Env {
		if _, _, ok := cutEnv(kv); !ok {
			return fmt.Errorf("pool.env entry %q is not KEY=VALUE", kv)
		}
	}
	return nil
}

// KnownSteps lists the per-package steps a worker can run.
var KnownSteps = []string{"fmt", "vet", "test", "cover", "lint", "staticcheck"}

// KnownStep reports whether name is a step a worker can run.
func KnownStep(name string) bool {
	for _, s := range KnownSteps {
		if s == name {
			return true
		}
	}
	return false
}

func cutEnv(kv string) (string, string, bool) {
	for i := 1; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}

// LoadResult holds the parsed config and the discovered repository root.
type LoadResult struct {
	Config   *Config
	RepoRoot string // directory containing go.mod; falls back to workspace
}

// Load reads the .testpool file from the repository root.
// The repository root is discovered by walking upward from workspace
// looking for go.mod. If no .testpool file exists, a default Config is returned.
func Load(workspace string) (*LoadResult, error) {
	root, err := findRepoRoot(workspace)
	if err != nil {
		// No go.mod found; use workspace as root.
		root = workspace
	}

	path := filepath.Join(root, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &LoadResult{Config: &Config{}, RepoRoot: root}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", FileName, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", FileName, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", FileName, err)
	}
	return &LoadResult{Config: cfg, RepoRoot: root}, nil
}

// findRepoRoot walks upward from dir looking for a directory containing go.mod.
func findRepoRoot(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found")
		}
		dir = parent
	}
}
