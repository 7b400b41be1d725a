// Package signer hosts the sandboxed signer: it loads the binary, keeps
// one lazily created instance and marshals sign requests across the
// memory boundary.
package signer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	abi "github.com/woxQAQ/sigbridge/api/wasm"
	"github.com/woxQAQ/sigbridge/internal/config"
	"github.com/woxQAQ/sigbridge/internal/metrics"
	"github.com/woxQAQ/sigbridge/internal/signature"
	"github.com/woxQAQ/sigbridge/internal/wasm"
	"github.com/woxQAQ/sigbridge/pkg/protocol"
)

// maxSignatureLen bounds the zero-terminated scan of a legacy result.
const maxSignatureLen = 256

// Outcome is the tagged result of one sign call.
type Outcome struct {
	Signature string
	Err       error
	Kind      protocol.ErrorKind
}

// OK reports whether the call produced a signature.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Adapter owns the sandbox instance used for signing.
type Adapter struct {
	runtime     *wasm.Runtime
	loader      *wasm.ModuleLoader
	instanceMgr *wasm.InstanceManager
	source      wasm.ModuleSource
	resetOnTrap bool
	metrics     *metrics.Metrics
	logger      *zap.Logger

	// calls serializes guest calls; an instance is single-threaded.
	calls sync.Mutex

	mu       sync.Mutex
	instance *wasm.Instance
	compiled *wasm.CompiledModule

	// stale is set when the binary changed; the next call re-instantiates.
	stale atomic.Bool
}

// NewAdapter creates an adapter for source. Nothing is compiled or
// instantiated until the first call.
func NewAdapter(
	ctx context.Context,
	cfg config.WasmConfig,
	source wasm.ModuleSource,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*Adapter, error) {
	runtime, err := wasm.NewRuntime(ctx, logger, &wasm.RuntimeConfig{
		MemoryPages:      cfg.MemoryPages,
		DebugEnabled:     cfg.Debug,
		CacheDir:         cfg.CacheDir,
		ExecutionTimeout: cfg.ExecutionTimeout,
	})
	if err != nil {
		return nil, err
	}

	return &Adapter{
		runtime:     runtime,
		loader:      wasm.NewModuleLoader(runtime, logger),
		instanceMgr: wasm.NewInstanceManager(runtime, wasm.NewHostFunctions(logger, cfg.Debug), logger),
		source:      source,
		resetOnTrap: cfg.ResetOnTrap,
		metrics:     m,
		logger:      logger.With(zap.String("component", "signer")),
	}, nil
}

// EnsureReady returns the cached instance, creating it on first use.
// A failed attempt leaves nothing cached, so the next call retries and
// re-reads the binary.
func (a *Adapter) EnsureReady(ctx context.Context) (*wasm.Instance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.runtime.IsClosed() {
		return nil, errors.New("signer is closed")
	}

	if a.stale.Swap(false) && a.instance != nil {
		a.logger.Info("Signer binary changed, dropping instance",
			zap.String("instance_id", a.instance.ID),
		)
		a.dropLocked(ctx)
	}

	if a.instance != nil {
		return a.instance, nil
	}

	compiled, err := a.loader.LoadModule(ctx, a.source)
	if err != nil {
		return nil, err
	}
	if a.compiled != nil && a.compiled.Digest != compiled.Digest {
		a.runtime.EvictCompiledModule(ctx, a.compiled.Digest)
	}
	a.compiled = compiled

	instance, err := a.instanceMgr.Instantiate(ctx, &wasm.InstanceConfig{Digest: compiled.Digest})
	if err != nil {
		return nil, err
	}

	for _, name := range []string{abi.ExportAlloc, abi.ExportSignRaw} {
		if !instance.HasFunction(name) {
			instance.Close(ctx)
			return nil, &wasm.InstantiationError{
				ModuleName: compiled.Name,
				InstanceID: instance.ID,
				Err:        &wasm.FunctionNotFoundError{ModuleName: compiled.Name, FunctionName: name},
			}
		}
	}

	a.instance = instance
	a.metrics.SandboxInstantiated()

	a.logger.Info("Signer ready",
		zap.String("module", compiled.Name),
		zap.String("instance_id", instance.ID),
		zap.Strings("exports", instance.ExportNames()),
	)

	return instance, nil
}

// InvokeSign signs req inside the sandbox. It never panics; failures are
// reported through the Outcome.
func (a *Adapter) InvokeSign(ctx context.Context, req protocol.SignRequest) Outcome {
	a.calls.Lock()
	defer a.calls.Unlock()

	instance, err := a.EnsureReady(ctx)
	if err != nil {
		a.metrics.SandboxFailed(string(protocol.ErrorKindInstantiation))
		return Outcome{Err: err, Kind: protocol.ErrorKindInstantiation}
	}

	callCtx := ctx
	if timeout := instance.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	sig, err := a.sign(callCtx, instance, req)
	if err != nil {
		kind := KindOf(err)
		a.metrics.SandboxFailed(string(kind))

		// Timed-out and canceled instances have been closed by the runtime.
		if kind == protocol.ErrorKindTimeout || errors.Is(err, context.Canceled) ||
			(kind == protocol.ErrorKindTrap && a.resetOnTrap) {
			a.invalidate(ctx, instance)
		}

		a.logger.Warn("Sign call failed",
			zap.String("instance_id", instance.ID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return Outcome{Err: err, Kind: kind}
	}

	return Outcome{Signature: sig}
}

// sign marshals the four fields in, calls the signer and reads the result.
func (a *Adapter) sign(ctx context.Context, instance *wasm.Instance, req protocol.SignRequest) (string, error) {
	mem := instance.Memory()

	params := make([]uint64, 0, 8)
	for _, field := range []string{req.Method, req.Path, req.Timestamp, req.Nonce} {
		ptr, n, err := mem.WriteBytes(ctx, signature.EncodeField(field))
		if err != nil {
			return "", err
		}
		params = append(params, uint64(ptr), uint64(n))
	}

	var sig string
	if instance.HasFunction(abi.ExportSign) {
		results, err := instance.Call(ctx, abi.ExportSign, params...)
		if err != nil {
			return "", err
		}
		ptr, n := uint32(results[0]), uint32(results[1])
		data, ok := mem.ReadBytes(ptr, n)
		if !ok {
			return "", &wasm.MemoryAccessError{Operation: "read", Address: ptr, Length: n}
		}
		sig = string(data)
	} else {
		results, err := instance.Call(ctx, abi.ExportSignRaw, params...)
		if err != nil {
			return "", err
		}
		ptr := uint32(results[0])
		s, ok := mem.ReadString(ptr, maxSignatureLen)
		if !ok {
			return "", &wasm.MemoryAccessError{Operation: "read", Address: ptr, Length: maxSignatureLen}
		}
		sig = s
	}

	if instance.HasFunction(abi.ExportReset) {
		if _, err := instance.Call(ctx, abi.ExportReset); err != nil {
			return "", fmt.Errorf("failed to reset guest heap: %w", err)
		}
	}

	return sig, nil
}

// invalidate drops instance if it is still the cached one.
func (a *Adapter) invalidate(ctx context.Context, instance *wasm.Instance) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.instance == instance {
		a.dropLocked(ctx)
	}
}

func (a *Adapter) dropLocked(ctx context.Context) {
	if err := a.instance.Close(ctx); err != nil {
		a.logger.Debug("Failed to close instance", zap.Error(err))
	}
	a.instance = nil
}

// MarkStale makes the next call reload the binary and re-instantiate.
func (a *Adapter) MarkStale() {
	a.stale.Store(true)
}

// Stale reports whether a reload is pending.
func (a *Adapter) Stale() bool {
	return a.stale.Load()
}

// Close releases the instance and the runtime.
func (a *Adapter) Close(ctx context.Context) error {
	a.calls.Lock()
	defer a.calls.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()

	a.instance = nil
	return a.runtime.Close(ctx)
}

// KindOf classifies a sandbox error.
func KindOf(err error) protocol.ErrorKind {
	var (
		timeout     *wasm.TimeoutError
		trap        *wasm.TrapError
		inst        *wasm.InstantiationError
		compile     *wasm.CompilationError
		notExported *wasm.FunctionNotFoundError
	)
	switch {
	case err == nil:
		return protocol.ErrorKindNone
	case errors.As(err, &timeout):
		return protocol.ErrorKindTimeout
	case errors.Is(err, context.Canceled):
		return protocol.ErrorKindChannel
	case errors.As(err, &trap):
		return protocol.ErrorKindTrap
	case errors.As(err, &inst), errors.As(err, &compile), errors.As(err, &notExported):
		return protocol.ErrorKindInstantiation
	default:
		return protocol.ErrorKindTrap
	}
}
