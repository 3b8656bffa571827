package collab

import "errors"

var (
	// ErrUnknownMember is returned for operations, cursors or chat from a
	// user that is not in the room. The message is dropped.
	ErrUnknownMember = errors.New("unknown member")

	// ErrStaleBase means the operation was based on history the room no
	// longer retains; the client must resync and resubmit.
	ErrStaleBase = errors.New("stale base")

	// ErrRoomNotFound is returned for messages addressed to a room that does
	// not exist. Transports treat it as a cue to rejoin.
	ErrRoomNotFound = errors.New("room not found")

	// ErrTransportFailure is returned by Conn.Send when a message could not be
	// queued for a client.
	ErrTransportFailure = errors.New("transport failure")

	ErrInvalidOperation = errors.New("invalid operation")

	// ErrRoomClosed is returned by a room that was evicted or disposed while
	// the caller held a reference to it.
	ErrRoomClosed = errors.New("room closed")
)
