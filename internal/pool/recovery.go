package pool

import "github.com/deixis/testpool/internal/protocol"

// RecoveryState tracks consecutive crashes of a slot's current task.
type RecoveryState int

const (
	// Normal is the state of a slot whose last attempt produced a result.
	Normal RecoveryState = iota
	// Retry restarts the worker with the same flags and resends the task.
	Retry
	// RetryWithMoreMemory restarts the worker with the recovery heap
	// ceiling and resends the task.
	RetryWithMoreMemory
	// Crashed gives up on the task and records it as failed.
	Crashed
)

func (s RecoveryState) String() string {
	switch s {
	case Normal:
		return "normal"
	case Retry:
		return "retry"
	case RetryWithMoreMemory:
		return "retry-with-more-memory"
	case Crashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// RecoveryPolicy decides what happens after a worker's channel closes
// without a result. A task gets at most one identical restart and one
// restart with a larger heap before it is declared crashed.
type RecoveryPolicy struct {
	// Enabled turns crash recovery on. When false every crash is final.
	Enabled bool
	// CurrentMaxHeap is the heap ceiling already in the worker's flags,
	// 0 if none.
	CurrentMaxHeap int
	// MaxHeap is the ceiling used for the escalated retry. 0 disables
	// escalation.
	MaxHeap int
}

// Next returns the state following a crash observed in state s.
func (p RecoveryPolicy) Next(s RecoveryState) RecoveryState {
	if !p.Enabled {
		return Crashed
	}
	switch s {
	case Normal:
		return Retry
	case Retry:
		if p.CurrentMaxHeap < p.MaxHeap {
			return RetryWithMoreMemory
		}
		return Crashed
	default:
		return Crashed
	}
}

// CrashFunc observes recovery transitions. slot is 1-based.
type CrashFunc func(task protocol.Task, state RecoveryState, slot int)
