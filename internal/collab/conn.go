package collab

import (
	"sync/atomic"

	"go-collab/internal/models"
)

// Conn is the transport handle of one connected client. Send must not block:
// it either queues the message or fails with ErrTransportFailure. Close is
// idempotent and must not call back into the Hub synchronously.
type Conn interface {
	Send(msg *models.CollabMessage) error
	Close()
}

type ConnState int32

const (
	StateConnecting ConnState = iota
	StateJoined
	StateActive
	StateIdle
	StateLeft
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateLeft:
		return "left"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s ConnState) Terminal() bool {
	return s == StateLeft || s == StateDisconnected
}

// CanTransition validates Connecting -> Joined -> (Active <-> Idle) -> Left/Disconnected.
func (s ConnState) CanTransition(to ConnState) bool {
	switch s {
	case StateConnecting:
		return to == StateJoined || to == StateDisconnected
	case StateJoined, StateActive, StateIdle:
		switch to {
		case StateActive, StateIdle, StateLeft, StateDisconnected:
			return true
		}
	}
	return false
}

// ConnStateMachine tracks a connection's lifecycle and is safe for
// concurrent use by the read and write pumps.
type ConnStateMachine struct {
	v atomic.Int32
}

func (m *ConnStateMachine) Current() ConnState {
	return ConnState(m.v.Load())
}

// Transition moves to the given state and reports whether it was allowed.
// Moving to the current state is a successful no-op.
func (m *ConnStateMachine) Transition(to ConnState) bool {
	for {
		cur := ConnState(m.v.Load())
		if cur == to {
			return true
		}
		if !cur.CanTransition(to) {
			return false
		}
		if m.v.CompareAndSwap(int32(cur), int32(to)) {
			return true
		}
	}
}
