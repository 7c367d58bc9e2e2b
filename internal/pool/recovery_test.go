package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecoveryPolicy_Escalates(t *testing.T) {
	p := RecoveryPolicy{Enabled: true, CurrentMaxHeap: 0, MaxHeap: 4096}
	s := p.Next(Normal)
	assert.Equal(t, Retry, s)
	s = p.Next(s)
	assert.Equal(t, RetryWithMoreMemory, s)
	s = p.Next(s)
	assert.Equal(t, Crashed, s)
}

func TestRecoveryPolicy_CeilingAlreadyReached(t *testing.T) {
	p := RecoveryPolicy{Enabled: true, CurrentMaxHeap: 4096, MaxHeap: 4096}
	assert.Equal(t, Retry, p.Next(Normal))
	assert.Equal(t, Crashed, p.Next(Retry))
}

func TestRecoveryPolicy_ZeroCeilingDisablesEscalation(t *testing.T) {
	p := RecoveryPolicy{Enabled: true}
	assert.Equal(t, Retry, p.Next(Normal))
	assert.Equal(t, Crashed, p.Next(Retry))
}

func TestRecoveryPolicy_Disabled(t *testing.T) {
	p := RecoveryPolicy{MaxHeap: 4096}
	for _, s := range []RecoveryState{Normal, Retry, RetryWithMoreMemory} {
		assert.Equal(t, Crashed, p.Next(s), "from %s", s)
	}
}

func TestRecoveryState_String(t *testing.T) {
	assert.Equal(t, "retry-with-more-memory", RetryWithMoreMemory.String())
	assert.Equal(t, "unknown", RecoveryState(42).String())
}
