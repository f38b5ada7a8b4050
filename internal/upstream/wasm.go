package upstream

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/okra-platform/authzfilter/internal/wasm"
)

// WASMCaller runs an in-process authorizer module.
type WASMCaller struct {
	module      wasm.Module
	pool        wasm.Pool
	maxResponse int
}

// NewWASMCaller compiles spec.Module and pre-warms its worker pool.
func NewWASMCaller(ctx context.Context, spec Spec, logger zerolog.Logger) (*WASMCaller, error) {
	wasmBytes, err := os.ReadFile(spec.Module)
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}

	module, err := wasm.NewModule(ctx, wasmBytes, wasm.WithGuestLogger(logger.With().Str("upstream", spec.Name).Logger()))
	if err != nil {
		return nil, err
	}

	pool, err := wasm.NewPool(ctx, wasm.PoolConfig{
		MinWorkers: spec.MinWorkers,
		MaxWorkers: spec.MaxWorkers,
		Module:     module,
	})
	if err != nil {
		module.Close(ctx)
		return nil, err
	}

	return newWASMCaller(module, pool, spec.MaxResponseBytes), nil
}

func newWASMCaller(module wasm.Module, pool wasm.Pool, maxResponse int) *WASMCaller {
	if maxResponse <= 0 {
		maxResponse = DefaultMaxResponseBytes
	}
	return &WASMCaller{module: module, pool: pool, maxResponse: maxResponse}
}

func (c *WASMCaller) Call(ctx context.Context, payload []byte) ([]byte, error) {
	out, err := c.pool.Authorize(ctx, payload)
	if err != nil {
		return nil, err
	}
	if len(out) > c.maxResponse {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrResponseTooLarge, len(out), c.maxResponse)
	}
	return out, nil
}

// Stats reports the worker pool.
func (c *WASMCaller) Stats() wasm.PoolStats {
	return c.pool.Stats()
}

func (c *WASMCaller) Close(ctx context.Context) error {
	err := c.pool.Shutdown(ctx)
	if c.module != nil {
		err = errors.Join(err, c.module.Close(ctx))
	}
	return err
}
