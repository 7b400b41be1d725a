package wasm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	abi "github.com/woxQAQ/sigbridge/api/wasm"
)

// InstanceManager creates and manages module instances.
// A runtime must have at most one InstanceManager: it owns the host
// module registered under abi.HostModule.
type InstanceManager struct {
	runtime   *Runtime
	logger    *zap.Logger
	hostFuncs *HostFunctionsImpl

	mu   sync.Mutex
	host api.Module
}

// NewInstanceManager creates a new instance manager.
func NewInstanceManager(runtime *Runtime, hostFuncs *HostFunctionsImpl, logger *zap.Logger) *InstanceManager {
	return &InstanceManager{
		runtime:   runtime,
		hostFuncs: hostFuncs,
		logger:    logger.With(zap.String("component", "wasm-instance")),
	}
}

// InstanceConfig holds configuration for creating instances.
type InstanceConfig struct {
	// Digest of the compiled module to instantiate.
	Digest string

	// Instance ID (if empty, generates UUID).
	InstanceID string
}

// Instance represents an instantiated Wasm module.
type Instance struct {
	// wazero module instance.
	module  api.Module
	runtime *Runtime

	// Instance metadata.
	ID        string
	Name      string
	Digest    string
	CreatedAt int64

	// Exported functions (cached for performance).
	exports map[string]api.Function

	timeout time.Duration
}

// Instantiate creates a new instance from a compiled module.
// Host functions are exported to the Wasm module.
func (m *InstanceManager) Instantiate(ctx context.Context, config *InstanceConfig) (*Instance, error) {
	// Get compiled module from cache.
	compiled, ok := m.runtime.GetCompiledModule(config.Digest)
	if !ok {
		return nil, &ModuleNotFoundError{ModuleName: config.Digest}
	}

	// Generate instance ID if not provided.
	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	m.logger.Info("Instantiating Wasm module",
		zap.String("module", compiled.Name),
		zap.String("instance_id", instanceID),
	)

	if err := m.ensureHostModule(ctx); err != nil {
		return nil, &InstantiationError{
			ModuleName: compiled.Name,
			InstanceID: instanceID,
			Err:        err,
		}
	}

	// The guest's start function runs here and may already call env.seed.
	moduleConfig := wazero.NewModuleConfig().
		WithName(instanceID).
		WithStartFunctions() // no WASI _start

	module, err := m.runtime.runtime.InstantiateModule(ctx, compiled.Module, moduleConfig)
	if err != nil {
		return nil, &InstantiationError{
			ModuleName: compiled.Name,
			InstanceID: instanceID,
			Err:        err,
		}
	}

	if module.Memory() == nil {
		module.Close(ctx)
		return nil, &InstantiationError{
			ModuleName: compiled.Name,
			InstanceID: instanceID,
			Err:        errors.New("module does not export memory"),
		}
	}

	// Cache exported functions.
	exports := cacheExportedFunctions(module)

	// Create instance wrapper.
	instance := &Instance{
		module:    module,
		runtime:   m.runtime,
		ID:        instanceID,
		Name:      compiled.Name,
		Digest:    compiled.Digest,
		CreatedAt: time.Now().Unix(),
		exports:   exports,
		timeout:   m.runtime.config.ExecutionTimeout,
	}

	// Track active instance.
	m.runtime.StoreInstance(instance)

	m.logger.Info("Module instantiated successfully",
		zap.String("instance_id", instanceID),
		zap.Strings("exports", instance.ExportNames()),
	)

	return instance, nil
}

// ensureHostModule instantiates the env host module on first use.
func (m *InstanceManager) ensureHostModule(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.host != nil {
		return nil
	}

	builder := m.hostFuncs.exportHostFunctions(m.runtime.runtime.NewHostModuleBuilder(abi.HostModule))
	host, err := builder.Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("failed to instantiate host module: %w", err)
	}
	m.host = host
	return nil
}

// Close closes the instance and releases resources.
func (i *Instance) Close(ctx context.Context) error {
	i.runtime.DeleteInstance(i.ID)
	return i.module.Close(ctx)
}

// Timeout is the configured bound for one guest call sequence.
func (i *Instance) Timeout() time.Duration {
	return i.timeout
}

// HasFunction reports whether the guest exports name.
func (i *Instance) HasFunction(name string) bool {
	_, ok := i.exports[name]
	return ok
}

// Function returns an exported function.
func (i *Instance) Function(name string) (api.Function, error) {
	fn, ok := i.exports[name]
	if !ok {
		return nil, &FunctionNotFoundError{
			ModuleName:   i.Name,
			FunctionName: name,
		}
	}
	return fn, nil
}

// ExportNames lists the cached function exports in sorted order.
func (i *Instance) ExportNames() []string {
	names := make([]string, 0, len(i.exports))
	for name := range i.exports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Memory returns a helper over the instance's linear memory whose writes
// go through the guest allocator.
func (i *Instance) Memory() *Memory {
	return &Memory{
		mem:     i.module.Memory(),
		alloc:   i.exports[abi.ExportAlloc],
		timeout: i.timeout,
	}
}

// Call invokes an exported function. Failures come back as *TrapError,
// *TimeoutError or *FunctionNotFoundError.
func (i *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn, err := i.Function(name)
	if err != nil {
		return nil, err
	}

	results, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, classifyCallError(err, i.timeout)
	}
	return results, nil
}

// classifyCallError maps a wazero call error to the package's error types.
func classifyCallError(err error, timeout time.Duration) error {
	var trap *TrapError
	if errors.As(err, &trap) {
		return trap
	}

	var exit *sys.ExitError
	if errors.As(err, &exit) {
		switch exit.ExitCode() {
		case sys.ExitCodeDeadlineExceeded:
			return &TimeoutError{Duration: timeout}
		case sys.ExitCodeContextCanceled:
			return fmt.Errorf("guest call canceled: %w", context.Canceled)
		}
		return &TrapError{
			Message: fmt.Sprintf("guest exited with code %d", exit.ExitCode()),
			Err:     err,
		}
	}

	return &TrapError{Err: err}
}

// cacheExportedFunctions caches references to exported functions.
func cacheExportedFunctions(module api.Module) map[string]api.Function {
	exports := make(map[string]api.Function)

	for _, name := range abi.Functions {
		if fn := module.ExportedFunction(name); fn != nil {
			exports[name] = fn
		}
	}

	return exports
}
