package filter

import (
	"fmt"
	"net/http"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/okra-platform/authzfilter/internal/decision"
	"github.com/okra-platform/authzfilter/internal/wire"
)

const (
	DefaultTimeout       = 5 * time.Second
	DefaultFailureStatus = http.StatusUnauthorized
	DefaultMaxBodyBytes  = 8 << 10
)

// FailurePolicy decides what happens to a request when no valid decision
// could be obtained.
type FailurePolicy int

const (
	// FailClosed rejects the request. It is the zero value.
	FailClosed FailurePolicy = iota
	// FailOpen forwards the request without touching its headers.
	FailOpen
)

func (p FailurePolicy) String() string {
	if p == FailOpen {
		return "fail-open"
	}
	return "fail-closed"
}

// ParseFailurePolicy accepts "fail-closed", "fail-open" and "" (fail-closed).
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "", "fail-closed":
		return FailClosed, nil
	case "fail-open":
		return FailOpen, nil
	}
	return FailClosed, fmt.Errorf("%w: unknown failure policy %q", ErrInvalidConfig, s)
}

// Config is the per-filter configuration. A request keeps the configuration
// that was current when its headers arrived.
type Config struct {
	// Upstream names the authorization service known to the host.
	Upstream string

	// Timeout bounds the dispatch call.
	Timeout time.Duration

	FailurePolicy FailurePolicy

	// FailureStatus and FailureMessage shape the rejection sent for failed
	// calls under fail-closed.
	FailureStatus  int
	FailureMessage string

	// IdentityHeader receives FilterResponse.User.
	IdentityHeader string

	// MessageHeader, when set, echoes FilterResponse.Message of an allowed
	// request back to the client as a response header.
	MessageHeader string

	// ForwardBody buffers up to MaxBodyBytes of the body before dispatching.
	ForwardBody  bool
	MaxBodyBytes int

	Codec           wire.Codec
	MaxPayloadBytes int
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.FailureStatus == 0 {
		c.FailureStatus = DefaultFailureStatus
	}
	if c.IdentityHeader == "" {
		c.IdentityHeader = decision.DefaultIdentityHeader
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.MaxPayloadBytes == 0 {
		c.MaxPayloadBytes = wire.DefaultMaxPayloadBytes
	}
	if c.Codec == nil {
		c.Codec = wire.NewProtoCodec(c.MaxPayloadBytes)
	}
	return c
}

// Validate checks a config after defaults were applied.
func (c Config) Validate() error {
	if c.Upstream == "" {
		return fmt.Errorf("%w: upstream is required", ErrInvalidConfig)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive, got %s", ErrInvalidConfig, c.Timeout)
	}
	if c.FailurePolicy != FailClosed && c.FailurePolicy != FailOpen {
		return fmt.Errorf("%w: unknown failure policy %d", ErrInvalidConfig, c.FailurePolicy)
	}
	if c.FailureStatus < 400 || c.FailureStatus > 599 {
		return fmt.Errorf("%w: failure status %d is not an error status", ErrInvalidConfig, c.FailureStatus)
	}
	if c.MessageHeader != "" && !httpguts.ValidHeaderFieldName(c.MessageHeader) {
		return fmt.Errorf("%w: invalid message header %q", ErrInvalidConfig, c.MessageHeader)
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("%w: max body bytes must not be negative", ErrInvalidConfig)
	}
	if c.MaxPayloadBytes < 0 {
		return fmt.Errorf("%w: max payload bytes must not be negative", ErrInvalidConfig)
	}
	return nil
}
