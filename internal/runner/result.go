package runner

import "time"

// Result is what one command produced.
type Result struct {
	RunID     string // per-command ID, also the runner.exec span attribute
	ExitCode  int
	Stdout    []byte // first MaxOutput bytes
	Stderr    []byte // first MaxOutput bytes
	Truncated bool   // either stream lost bytes to the cap
	TimedOut  bool   // killed because Timeout elapsed
	Elapsed   time.Duration
}

