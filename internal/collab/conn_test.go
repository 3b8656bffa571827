package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnStateMachine(t *testing.T) {
	var m ConnStateMachine
	assert.Equal(t, StateConnecting, m.Current())

	assert.False(t, m.Transition(StateActive), "must join first")
	assert.True(t, m.Transition(StateJoined))
	assert.True(t, m.Transition(StateIdle))
	assert.True(t, m.Transition(StateActive))
	assert.True(t, m.Transition(StateActive), "same state is a no-op")
	assert.True(t, m.Transition(StateLeft))

	assert.True(t, m.Current().Terminal())
	assert.False(t, m.Transition(StateActive))
	assert.False(t, m.Transition(StateDisconnected))
	assert.Equal(t, "left", m.Current().String())
}

func TestConnStateConnectingCanDisconnect(t *testing.T) {
	var m ConnStateMachine
	assert.True(t, m.Transition(StateDisconnected))
	assert.Equal(t, StateDisconnected, m.Current())
}
