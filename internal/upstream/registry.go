package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/okra-platform/authzfilter/internal/wasm"
	"github.com/okra-platform/authzfilter/internal/wire"
)

// Registry maps upstream names to callers.
type Registry struct {
	mu      sync.RWMutex
	callers map[string]Caller
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{callers: make(map[string]Caller)}
}

// Register adds a caller under name.
func (r *Registry) Register(name string, c Caller) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.callers[name]; exists {
		return fmt.Errorf("upstream %q already registered", name)
	}
	r.callers[name] = c
	return nil
}

// Get returns the caller registered under name.
func (r *Registry) Get(name string) (Caller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.callers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownUpstream, name)
	}
	return c, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.callers))
	for name := range r.callers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// PoolStats returns worker pool stats of every wasm upstream.
func (r *Registry) PoolStats() map[string]wasm.PoolStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]wasm.PoolStats)
	for name, c := range r.callers {
		if t, ok := c.(interface{ Unwrap() Caller }); ok {
			c = t.Unwrap()
		}
		if w, ok := c.(*WASMCaller); ok {
			out[name] = w.Stats()
		}
	}
	return out
}

// Close closes every caller.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, c := range r.callers {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	clear(r.callers)
	return errors.Join(errs...)
}

// BuildOptions carry what callers need beyond their Spec.
type BuildOptions struct {
	// Codec names the connect codec and gives HTTP its content type.
	Codec wire.Codec

	// Client is used by http and connect upstreams. Nil uses a default.
	Client *http.Client

	Logger zerolog.Logger
}

// Build creates a registry with one traced caller per spec. Callers already
// created are closed if a later one fails.
func Build(ctx context.Context, specs []Spec, opts BuildOptions) (*Registry, error) {
	if opts.Codec == nil {
		opts.Codec = wire.NewProtoCodec(0)
	}

	reg := NewRegistry()
	for _, spec := range specs {
		spec = spec.WithDefaults()
		if err := spec.Validate(); err != nil {
			reg.Close(ctx)
			return nil, err
		}

		c, err := newCaller(ctx, spec, opts)
		if err != nil {
			reg.Close(ctx)
			return nil, fmt.Errorf("upstream %q: %w", spec.Name, err)
		}
		if err := reg.Register(spec.Name, traced(spec, c)); err != nil {
			c.Close(ctx)
			reg.Close(ctx)
			return nil, err
		}

		opts.Logger.Debug().
			Str("upstream", spec.Name).
			Str("kind", string(spec.Kind)).
			Msg("upstream registered")
	}
	return reg, nil
}

func newCaller(ctx context.Context, spec Spec, opts BuildOptions) (Caller, error) {
	switch spec.Kind {
	case KindHTTP:
		return NewHTTPCaller(spec, opts.Codec.ContentType(), opts.Client), nil
	case KindConnect:
		return NewConnectCaller(spec, opts.Codec.Name(), opts.Client)
	case KindWASM:
		return NewWASMCaller(ctx, spec, opts.Logger)
	}
	return nil, fmt.Errorf("unknown kind %q", spec.Kind)
}
