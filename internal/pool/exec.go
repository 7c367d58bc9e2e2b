package pool

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/deixis/testpool/internal/protocol"
)

// ExecSpawner starts workers as OS processes speaking the line protocol
// on stdin/stdout.
type ExecSpawner struct {
	// Dir is the working directory of every worker.
	Dir string
	// Stderr receives worker diagnostics. Nil discards them.
	Stderr io.Writer
	// KillGrace is how long a retiring worker gets to exit after its
	// stdin is closed before the process group is killed.
	KillGrace time.Duration
}

// Spawn implements Spawner.
func (s *ExecSpawner) Spawn(_ context.Context, argv []string, env []string) (Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty worker argv")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.Dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	if s.Stderr != nil {
		cmd.Stderr = s.Stderr
	}
	configureWorkerProcess(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker %s: %w", argv[0], err)
	}

	p := &execProcess{
		cmd:      cmd,
		stdin:    stdin,
		enc:      protocol.NewEncoder(stdin),
		outcomes: make(chan protocol.Outcome),
		exited:   make(chan struct{}),
		grace:    s.KillGrace,
	}
	go p.read(stdout)
	return p, nil
}

type execProcess struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	enc      *protocol.Encoder
	outcomes chan protocol.Outcome
	exited   chan struct{}
	grace    time.Duration
	killOnce sync.Once
}

func (p *execProcess) Send(task protocol.Task) error {
	return p.enc.Encode(task)
}

func (p *execProcess) Outcomes() <-chan protocol.Outcome {
	return p.outcomes
}

// read decodes outcomes until stdout reaches EOF, reaps the process and
// closes the outcome channel. Everything written before exit is
// delivered before the close.
func (p *execProcess) read(stdout io.Reader) {
	dec := protocol.NewDecoder(stdout)
	for {
		var o protocol.Outcome
		if err := dec.Next(&o); err != nil {
			break
		}
		p.outcomes <- o
	}
	_ = p.cmd.Wait()
	close(p.exited)
	close(p.outcomes)
}

func (p *execProcess) Kill() {
	p.killOnce.Do(func() {
		_ = p.stdin.Close()
		go func() {
			if p.grace > 0 {
				select {
				case <-p.exited:
					return
				case <-time.After(p.grace):
				}
			}
			select {
			case <-p.exited:
				return
			default:
			}
			terminateWorkerProcess(p.cmd, 0)
		}()
	})
}
