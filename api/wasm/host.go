package wasm

import (
	"context"

	"github.com/tetratelabs/wazero/api"
)

// HostFunctions defines the functions the host exports to the guest under
// HostModule.
type HostFunctions interface {
	// Abort stops the current guest call with a trap.
	Abort(ctx context.Context, mod api.Module, msgPtr, filePtr, line, column uint32)

	// Trace receives diagnostic output from the guest.
	Trace(ctx context.Context, mod api.Module, msgPtr, n uint32, a0, a1, a2, a3, a4 float64)

	// Seed returns entropy for the guest's start function.
	Seed(ctx context.Context) float64
}
