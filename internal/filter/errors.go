package filter

import "errors"

var (
	// ErrTimeout is recorded when no reply arrived within the call timeout.
	ErrTimeout = errors.New("authorization call timed out")

	// ErrTransport is recorded when the call failed below the wire schema.
	ErrTransport = errors.New("authorization call failed")

	// ErrDispatch is recorded when the host refused to issue the call.
	ErrDispatch = errors.New("authorization call not dispatched")

	// ErrStaleReply marks a reply with no waiting request. It is only logged.
	ErrStaleReply = errors.New("stale authorization reply")

	// ErrPanic is recorded when a callback panicked while handling a request.
	ErrPanic = errors.New("filter callback panicked")

	// ErrInvalidConfig is returned by Validate.
	ErrInvalidConfig = errors.New("invalid filter config")
)
