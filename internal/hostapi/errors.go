package hostapi

import "errors"

// Resource limit constants
const (
	// DefaultMaxRequestHeaders is the default maximum number of request headers
	DefaultMaxRequestHeaders = 100

	// DefaultMaxHeaderBytes is the default maximum size of all request headers (60KB)
	DefaultMaxHeaderBytes = 60 * 1024

	// DefaultMaxPayloadSize is the default maximum dispatch payload (1MB)
	DefaultMaxPayloadSize = 1024 * 1024

	// ErrorCodeUnknownStream indicates the stream was closed or never existed
	ErrorCodeUnknownStream = "UNKNOWN_STREAM"

	// ErrorCodeUnknownUpstream indicates no upstream is registered under the name
	ErrorCodeUnknownUpstream = "UNKNOWN_UPSTREAM"

	// ErrorCodeHeaderLimitExceeded indicates a header mutation would break host limits
	ErrorCodeHeaderLimitExceeded = "HEADER_LIMIT_EXCEEDED"

	// ErrorCodePayloadTooLarge indicates the dispatch payload exceeded size limits
	ErrorCodePayloadTooLarge = "PAYLOAD_TOO_LARGE"

	// ErrorCodeCancelUnsupported indicates the host cannot cancel the call
	ErrorCodeCancelUnsupported = "CANCEL_UNSUPPORTED"

	// ErrorCodeStreamResolved indicates the stream already resumed or got a local response
	ErrorCodeStreamResolved = "STREAM_RESOLVED"
)

// HostAPIError provides structured error information
type HostAPIError struct {
	Code    string `json:"code"`              // e.g., "UNKNOWN_STREAM"
	Message string `json:"message"`           // Human-readable error message
	Details string `json:"details,omitempty"` // Additional error context
}

// Error implements the error interface
func (e *HostAPIError) Error() string {
	if e.Details != "" {
		return e.Code + ": " + e.Message + " - " + e.Details
	}
	return e.Code + ": " + e.Message
}

// Is matches host errors by code so callers can use errors.Is with a
// template error.
func (e *HostAPIError) Is(target error) bool {
	t, ok := target.(*HostAPIError)
	return ok && t.Code == e.Code
}

// IsCode reports whether err is a *HostAPIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *HostAPIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
