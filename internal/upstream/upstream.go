// Package upstream issues the authorization call over the transport an
// upstream is configured with.
package upstream

import (
	"context"
	"errors"
	"fmt"

	"connectrpc.com/connect"
)

// DefaultMaxResponseBytes bounds reply bodies when nothing is configured.
const DefaultMaxResponseBytes = 1 << 20

// Kind selects the transport of an upstream.
type Kind string

const (
	KindHTTP    Kind = "http"
	KindConnect Kind = "connect"
	KindWASM    Kind = "wasm"
)

// Connect wire protocols.
const (
	ProtocolConnect = "connect"
	ProtocolGRPC    = "grpc"
	ProtocolGRPCWeb = "grpcweb"
)

var (
	// ErrResponseTooLarge is returned when a reply exceeds MaxResponseBytes.
	ErrResponseTooLarge = errors.New("authorization response too large")

	// ErrUnknownUpstream is returned by Registry lookups.
	ErrUnknownUpstream = errors.New("unknown upstream")
)

// Caller performs one authorization call. Implementations are safe for
// concurrent use.
type Caller interface {
	Call(ctx context.Context, payload []byte) ([]byte, error)
	Close(ctx context.Context) error
}

// Spec describes one upstream.
type Spec struct {
	Name string `json:"name" yaml:"name"`
	Kind Kind   `json:"kind" yaml:"kind"`

	// URL is the base URL for http and connect upstreams.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Service, Method and Protocol address a connect upstream.
	Service  string `json:"service,omitempty" yaml:"service,omitempty"`
	Method   string `json:"method,omitempty" yaml:"method,omitempty"`
	Protocol string `json:"protocol,omitempty" yaml:"protocol,omitempty"`

	// Module and the worker bounds configure a wasm upstream.
	Module     string `json:"module,omitempty" yaml:"module,omitempty"`
	MinWorkers int    `json:"min_workers,omitempty" yaml:"min_workers,omitempty"`
	MaxWorkers int    `json:"max_workers,omitempty" yaml:"max_workers,omitempty"`

	MaxResponseBytes int `json:"max_response_bytes,omitempty" yaml:"max_response_bytes,omitempty"`
}

// WithDefaults fills unset fields.
func (s Spec) WithDefaults() Spec {
	if s.Kind == "" {
		s.Kind = KindHTTP
	}
	if s.Kind == KindConnect && s.Protocol == "" {
		s.Protocol = ProtocolConnect
	}
	if s.Kind == KindWASM {
		if s.MaxWorkers == 0 {
			s.MaxWorkers = 4
		}
		if s.MinWorkers == 0 {
			s.MinWorkers = 1
		}
	}
	if s.MaxResponseBytes == 0 {
		s.MaxResponseBytes = DefaultMaxResponseBytes
	}
	return s
}

// Validate checks a spec after defaults were applied.
func (s Spec) Validate() error {
	if s.Name == "" {
		return errors.New("upstream name is required")
	}
	switch s.Kind {
	case KindHTTP:
		if s.URL == "" {
			return fmt.Errorf("upstream %q: url is required", s.Name)
		}
	case KindConnect:
		if s.URL == "" || s.Service == "" || s.Method == "" {
			return fmt.Errorf("upstream %q: url, service and method are required", s.Name)
		}
		switch s.Protocol {
		case ProtocolConnect, ProtocolGRPC, ProtocolGRPCWeb:
		default:
			return fmt.Errorf("upstream %q: unknown protocol %q", s.Name, s.Protocol)
		}
	case KindWASM:
		if s.Module == "" {
			return fmt.Errorf("upstream %q: module is required", s.Name)
		}
		if s.MinWorkers < 0 || s.MaxWorkers < 1 || s.MinWorkers > s.MaxWorkers {
			return fmt.Errorf("upstream %q: invalid worker bounds %d..%d", s.Name, s.MinWorkers, s.MaxWorkers)
		}
	default:
		return fmt.Errorf("upstream %q: unknown kind %q", s.Name, s.Kind)
	}
	if s.MaxResponseBytes < 0 {
		return fmt.Errorf("upstream %q: max response bytes must not be negative", s.Name)
	}
	return nil
}

// IsTimeout reports whether err means the call ran out of time.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || connect.CodeOf(err) == connect.CodeDeadlineExceeded
}
