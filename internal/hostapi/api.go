package hostapi

import (
	"time"

	"github.com/okra-platform/authzfilter/internal/wire"
)

// StreamID identifies one inbound request for its whole lifetime.
type StreamID uint32

// Token correlates a dispatch call with its asynchronous reply.
type Token uint32

// Header is a request header field.
type Header = wire.Header

// Attributes are the scalar request properties exposed by the host.
type Attributes = wire.Attributes

// Action tells the host whether the stream may proceed after a callback.
type Action int

const (
	// ActionContinue lets the request move on to the next filter or upstream.
	ActionContinue Action = iota
	// ActionPause holds the request until ResumeRequest or SendLocalResponse.
	ActionPause
)

func (a Action) String() string {
	if a == ActionPause {
		return "pause"
	}
	return "continue"
}

// CallStatus is how a dispatch call ended.
type CallStatus int

const (
	CallOK CallStatus = iota
	// CallTimeout is delivered when no reply arrived within the call timeout.
	CallTimeout
	// CallTransportError covers connection failures and non-success replies.
	CallTransportError
)

func (s CallStatus) String() string {
	switch s {
	case CallOK:
		return "ok"
	case CallTimeout:
		return "timeout"
	default:
		return "transport_error"
	}
}

// CallResult is delivered with the token of the call it answers.
type CallResult struct {
	Status CallStatus
	Body   []byte
	// Err carries transport detail when Status is not CallOK.
	Err error
}

// Host is the callback surface a filter instance consumes. All methods are
// called from the worker that runs the filter and must not block.
type Host interface {
	// RequestHeaders returns the request headers in proxy order.
	RequestHeaders(id StreamID) ([]Header, error)

	// RequestHeader returns a single request header.
	RequestHeader(id StreamID, name string) (string, bool)

	// RequestAttributes returns method, path, scheme, host and protocol.
	RequestAttributes(id StreamID) (Attributes, error)

	// SetRequestHeader sets or overwrites a request header.
	SetRequestHeader(id StreamID, name, value string) error

	// RemoveRequestHeader deletes a request header.
	RemoveRequestHeader(id StreamID, name string) error

	// SetResponseHeader sets a header on the response the client gets once
	// the request has been forwarded.
	SetResponseHeader(id StreamID, name, value string) error

	// DispatchCall issues an asynchronous call to a named upstream. The
	// payload is copied before DispatchCall returns.
	DispatchCall(upstream string, payload []byte, timeout time.Duration) (Token, error)

	// CancelCall abandons an in-flight call. Hosts that cannot cancel return
	// an error with code ErrorCodeCancelUnsupported.
	CancelCall(token Token) error

	// ResumeRequest lets a paused request continue.
	ResumeRequest(id StreamID) error

	// SendLocalResponse answers the client directly; the request is not
	// forwarded.
	SendLocalResponse(id StreamID, status int, headers []Header, body []byte) error

	// Now is the host clock.
	Now() time.Time
}
