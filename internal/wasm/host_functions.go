package wasm

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// hostModuleName is the import namespace offered to guests.
const hostModuleName = "authz"

// maxGuestLogBytes bounds a single guest log line.
const maxGuestLogBytes = 4096

// Guest log levels accepted by authz.log.
const (
	guestLevelDebug uint32 = iota
	guestLevelInfo
	guestLevelWarn
	guestLevelError
)

func guestLevel(level uint32) zerolog.Level {
	switch level {
	case guestLevelDebug:
		return zerolog.DebugLevel
	case guestLevelInfo:
		return zerolog.InfoLevel
	case guestLevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

// registerHostFunctions instantiates the authz host module:
//
//	authz.log(level, ptr, len i32)
func registerHostFunctions(ctx context.Context, runtime wazero.Runtime, logger zerolog.Logger) error {
	logger = logger.With().Str("component", "wasm-guest").Logger()

	_, err := runtime.NewHostModuleBuilder(hostModuleName).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, module api.Module, stack []uint64) {
			level := uint32(stack[0])
			ptr := uint32(stack[1])
			length := min(uint32(stack[2]), maxGuestLogBytes)

			msg, ok := module.Memory().Read(ptr, length)
			if !ok {
				logger.Warn().Uint32("ptr", ptr).Uint32("len", length).Msg("guest log outside memory")
				return
			}
			logger.WithLevel(guestLevel(level)).Msg(string(msg))
		}), []api.ValueType{
			api.ValueTypeI32, // level
			api.ValueTypeI32, // ptr
			api.ValueTypeI32, // len
		}, []api.ValueType{}).
		Export("log").
		Instantiate(ctx)
	return err
}
