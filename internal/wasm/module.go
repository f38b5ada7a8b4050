package wasm

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Guest exports every authorizer module must provide.
const (
	exportAuthorize  = "authorize"
	exportAllocate   = "allocate"
	exportDeallocate = "deallocate"
	exportInitialize = "_initialize"
)

// Module is a compiled authorizer that can stamp out isolated workers.
type Module interface {
	// Instantiate creates a worker backed by a fresh module instance.
	Instantiate(ctx context.Context) (Worker, error)

	// Close releases the runtime and every instance created from it.
	Close(ctx context.Context) error
}

// ModuleOption configures NewModule.
type ModuleOption func(*moduleOptions)

type moduleOptions struct {
	logger        zerolog.Logger
	memoryLimitMB uint32
}

// WithGuestLogger routes the guest's authz.log calls to logger.
func WithGuestLogger(logger zerolog.Logger) ModuleOption {
	return func(o *moduleOptions) { o.logger = logger }
}

// WithMemoryLimit caps each instance's linear memory.
func WithMemoryLimit(mb uint32) ModuleOption {
	return func(o *moduleOptions) { o.memoryLimitMB = mb }
}

// NewModule compiles wasmBytes. The guest may import WASI and the authz host
// module.
func NewModule(ctx context.Context, wasmBytes []byte, opts ...ModuleOption) (Module, error) {
	if len(wasmBytes) == 0 {
		return nil, errors.New("wasm bytes cannot be empty")
	}

	o := moduleOptions{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	// A guest call must not outlive its context: wazero closes the
	// instance and returns once the context is done.
	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if o.memoryLimitMB > 0 {
		// 16 pages per MiB
		rc = rc.WithMemoryLimitPages(o.memoryLimitMB * 16)
	}
	runtime := wazero.NewRuntimeWithConfig(ctx, rc)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	if err := registerHostFunctions(ctx, runtime, o.logger); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to register host functions: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile module: %w", err)
	}

	return &compiledModule{
		runtime:  runtime,
		compiled: compiled,
	}, nil
}

type compiledModule struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

func (m *compiledModule) Instantiate(ctx context.Context) (Worker, error) {
	// Reactor module: _start is never run. Names stay empty so any number
	// of instances can coexist in one runtime.
	config := wazero.NewModuleConfig().
		WithStdout(nil).
		WithStderr(nil).
		WithName("").
		WithStartFunctions()

	module, err := m.runtime.InstantiateModule(ctx, m.compiled, config)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate module: %w", err)
	}

	if initialize := module.ExportedFunction(exportInitialize); initialize != nil {
		if _, err := initialize.Call(ctx); err != nil {
			module.Close(ctx)
			return nil, fmt.Errorf("failed to call %s: %w", exportInitialize, err)
		}
	}

	w := &worker{module: module}
	for name, fn := range map[string]*api.Function{
		exportAuthorize:  &w.authorize,
		exportAllocate:   &w.allocate,
		exportDeallocate: &w.deallocate,
	} {
		*fn = module.ExportedFunction(name)
		if *fn == nil {
			module.Close(ctx)
			return nil, fmt.Errorf("%s function not found", name)
		}
	}
	if module.Memory() == nil {
		module.Close(ctx)
		return nil, errors.New("module does not export memory")
	}

	return w, nil
}

func (m *compiledModule) Close(ctx context.Context) error {
	return m.runtime.Close(ctx)
}
