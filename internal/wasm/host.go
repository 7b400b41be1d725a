package wasm

import (
	"context"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	abi "github.com/woxQAQ/sigbridge/api/wasm"
)

var _ abi.HostFunctions = (*HostFunctionsImpl)(nil)

// HostFunctionsImpl implements host functions for Wasm modules.
type HostFunctionsImpl struct {
	logger *zap.Logger
	debug  bool

	// now is replaced in tests.
	now func() time.Time
}

// NewHostFunctions creates a new host functions implementation.
// With debug set, env.trace output is logged.
func NewHostFunctions(logger *zap.Logger, debug bool) *HostFunctionsImpl {
	return &HostFunctionsImpl{
		logger: logger.With(zap.String("component", "wasm-host")),
		debug:  debug,
		now:    time.Now,
	}
}

// Abort is called by the guest when it cannot continue.
// Signature: abort(msg_ptr, file_ptr, line, column)
//
// It never returns: the panic unwinds the guest call and wazero hands the
// *TrapError back to the caller wrapped in the call error.
func (h *HostFunctionsImpl) Abort(ctx context.Context, mod api.Module, msgPtr, filePtr, line, column uint32) {
	mem := &Memory{mem: mod.Memory()}

	msg, ok := mem.ReadASString(msgPtr)
	if !ok {
		msg = "abort"
	}
	file, _ := mem.ReadASString(filePtr)

	h.logger.Warn("Guest aborted",
		zap.String("module", mod.Name()),
		zap.String("message", msg),
		zap.String("file", file),
		zap.Uint32("line", line),
		zap.Uint32("column", column),
	)

	panic(&TrapError{
		Message: msg,
		File:    file,
		Line:    line,
		Column:  column,
	})
}

// Trace is called by the guest for diagnostic output.
// Signature: trace(msg_ptr, n, a0, a1, a2, a3, a4)
// n says how many of the numeric arguments are meaningful.
func (h *HostFunctionsImpl) Trace(ctx context.Context, mod api.Module, msgPtr, n uint32, a0, a1, a2, a3, a4 float64) {
	if !h.debug {
		return
	}

	msg, _ := (&Memory{mem: mod.Memory()}).ReadASString(msgPtr)
	args := []float64{a0, a1, a2, a3, a4}
	if n < uint32(len(args)) {
		args = args[:n]
	}

	h.logger.Debug("Guest trace",
		zap.String("module", mod.Name()),
		zap.String("message", msg),
		zap.Float64s("args", args),
	)
}

// Seed returns the wall clock in milliseconds truncated to 32 bits.
func (h *HostFunctionsImpl) Seed(ctx context.Context) float64 {
	return float64(uint32(h.now().UnixMilli()))
}

// exportHostFunctions registers Go functions for import by Wasm modules.
func (h *HostFunctionsImpl) exportHostFunctions(builder wazero.HostModuleBuilder) wazero.HostModuleBuilder {
	builder.NewFunctionBuilder().
		WithFunc(h.Abort).
		WithParameterNames("msg_ptr", "file_ptr", "line", "column").
		Export(abi.ImportAbort)

	builder.NewFunctionBuilder().
		WithFunc(h.Trace).
		WithParameterNames("msg_ptr", "n", "a0", "a1", "a2", "a3", "a4").
		Export(abi.ImportTrace)

	builder.NewFunctionBuilder().
		WithFunc(h.Seed).
		Export(abi.ImportSeed)

	return builder
}
