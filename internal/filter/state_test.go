package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestState_CanTransition(t *testing.T) {
	// Test plan:
	// - Every listed edge is allowed
	// - Closed is reachable from everything but itself
	// - Terminal and resolved states cannot move back

	allowed := map[State][]State{
		Idle:                  {HeadersReceived},
		HeadersReceived:       {AwaitingAuthorization, Rejected, Failed},
		AwaitingAuthorization: {Resumed, Rejected, Failed},
		Failed:                {Resumed, Rejected},
	}

	all := []State{Idle, HeadersReceived, AwaitingAuthorization, Resumed, Rejected, Failed, Closed}
	for _, from := range all {
		for _, to := range all {
			want := to == Closed && from != Closed
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "awaiting_authorization", AwaitingAuthorization.String())
	assert.Equal(t, "state(42)", State(42).String())
	assert.True(t, Closed.Resolved())
	assert.False(t, Failed.Resolved())
}
