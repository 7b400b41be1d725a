// Package guest carries the sandboxed signer binary built from signer.wat.
package guest

import _ "embed"

//go:generate wat2wasm signer.wat -o signer.wasm

//go:embed signer.wasm
var binary []byte

// Name identifies the embedded binary in logs.
const Name = "embedded:signer.wasm"

// Binary returns the embedded module. Callers must not modify it.
func Binary() []byte {
	return binary
}
