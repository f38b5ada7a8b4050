package filter

import "fmt"

// State is the lifecycle position of one request.
type State uint8

const (
	Idle State = iota
	HeadersReceived
	AwaitingAuthorization
	Resumed
	Rejected
	Failed
	Closed
)

var stateNames = [...]string{
	Idle:                  "idle",
	HeadersReceived:       "headers_received",
	AwaitingAuthorization: "awaiting_authorization",
	Resumed:               "resumed",
	Rejected:              "rejected",
	Failed:                "failed",
	Closed:                "closed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Resolved reports whether the host has been told what to do with the
// request.
func (s State) Resolved() bool {
	return s == Resumed || s == Rejected || s == Closed
}

// CanTransition reports whether s may move to next. Closed is reachable from
// everywhere because the host can tear a stream down at any time.
func (s State) CanTransition(next State) bool {
	if next == Closed {
		return s != Closed
	}
	switch s {
	case Idle:
		return next == HeadersReceived
	case HeadersReceived:
		return next == AwaitingAuthorization || next == Rejected || next == Failed
	case AwaitingAuthorization:
		return next == Resumed || next == Rejected || next == Failed
	case Failed:
		return next == Resumed || next == Rejected
	}
	return false
}
