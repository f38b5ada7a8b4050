package wasm

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// ErrNullResult is returned when authorize returns 0, which guests use to
// signal an internal failure.
var ErrNullResult = errors.New("authorize returned null")

// Worker is one module instance. It is not safe for concurrent use.
type Worker interface {
	// Authorize passes an encoded FilterRequest to the guest and returns the
	// encoded FilterResponse it produced.
	Authorize(ctx context.Context, payload []byte) ([]byte, error)
	Close(ctx context.Context) error
}

type worker struct {
	module     api.Module
	authorize  api.Function
	allocate   api.Function
	deallocate api.Function
}

func (w *worker) Authorize(ctx context.Context, payload []byte) ([]byte, error) {
	inputPtr, err := w.allocate.Call(ctx, uint64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("failed to allocate memory for input: %w", err)
	}
	defer func() { _, _ = w.deallocate.Call(ctx, inputPtr[0]) }()

	if !w.module.Memory().Write(uint32(inputPtr[0]), payload) {
		return nil, errors.New("failed to write input to memory")
	}

	result, err := w.authorize.Call(ctx, inputPtr[0], uint64(len(payload)))
	if err != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("%s interrupted: %w", exportAuthorize, ctx.Err())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", exportAuthorize, err)
	}

	// ptr << 32 | len
	packed := result[0]
	if packed == 0 {
		return nil, ErrNullResult
	}
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed)

	output, ok := w.module.Memory().Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("output [%d, %d) is outside guest memory", outputPtr, uint64(outputPtr)+uint64(outputLen))
	}

	// The view aliases guest memory, which is reused after deallocate.
	out := make([]byte, len(output))
	copy(out, output)
	_, _ = w.deallocate.Call(ctx, uint64(outputPtr))

	return out, nil
}

func (w *worker) Close(ctx context.Context) error {
	return w.module.Close(ctx)
}
