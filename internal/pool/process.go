package pool

import (
	"context"

	"github.com/deixis/testpool/internal/protocol"
)

// Process is a running worker with its own message channel.
type Process interface {
	// Send writes one task to the worker. A failed send is not fatal on
	// its own: a dead worker is observed through Outcomes closing.
	Send(task protocol.Task) error
	// Outcomes delivers every message the worker produces, then closes
	// when the channel closes for any reason (exit, disconnect, EOF).
	Outcomes() <-chan protocol.Outcome
	// Kill terminates the worker. It must not block the caller and is
	// safe to call more than once.
	Kill()
}

// Spawner starts worker processes.
type Spawner interface {
	// Spawn starts argv[0] with argv[1:] and env appended to the
	// coordinator's environment. An error means the worker could not be
	// started at all and is fatal to the run.
	Spawn(ctx context.Context, argv []string, env []string) (Process, error)
}
