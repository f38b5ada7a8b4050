package filter

import (
	"time"

	"github.com/okra-platform/authzfilter/internal/allocstats"
	"github.com/okra-platform/authzfilter/internal/hostapi"
)

// RequestContext is the filter's record of one inbound request. It is owned
// by the filter and must only be read from the worker running it.
type RequestContext struct {
	ContextID      hostapi.StreamID
	CreatedAt      time.Time
	DispatchSentAt time.Time

	// Dispatched is set once a dispatch call was attempted. It never resets.
	Dispatched bool

	state   State
	path    []State
	token   hostapi.Token
	pending bool
	failure error

	cfg   Config
	trace *allocstats.Trace

	body        []byte
	waitingBody bool
	inCallback  bool
}

func newRequestContext(id hostapi.StreamID, now time.Time, cfg Config) *RequestContext {
	return &RequestContext{
		ContextID: id,
		CreatedAt: now,
		cfg:       cfg,
		path:      []State{Idle},
	}
}

// State returns the current state.
func (rc *RequestContext) State() State { return rc.state }

// Path returns every state the request went through, in order.
func (rc *RequestContext) Path() []State {
	out := make([]State, len(rc.path))
	copy(out, rc.path)
	return out
}

// PendingCallID returns the correlation token. It is present exactly while
// the request awaits authorization.
func (rc *RequestContext) PendingCallID() (hostapi.Token, bool) {
	return rc.token, rc.pending
}

// Failure returns why the request failed, if it did.
func (rc *RequestContext) Failure() error { return rc.failure }

// Trace returns the allocation trace, nil when instrumentation is off.
func (rc *RequestContext) Trace() *allocstats.Trace { return rc.trace }
