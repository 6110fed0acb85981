package session

import "errors"

var (
	// ErrUnexpectedKind is a protocol violation: the kind is not valid for the
	// receiving state. The message is logged and dropped.
	ErrUnexpectedKind = errors.New("session: unexpected message kind for state")

	// ErrStateRegression guards the bulk→steady transition, which never reverts.
	ErrStateRegression = errors.New("session: steady state cannot return to bulk transfer")

	ErrClosed      = errors.New("session: connection closed")
	ErrNotAttached = errors.New("session: peer not attached")
)
