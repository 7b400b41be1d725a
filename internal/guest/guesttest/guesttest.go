// Package guesttest provides broken and legacy signer binaries for tests.
package guesttest

import _ "embed"

//go:generate wat2wasm testdata/trap.wat -o testdata/trap.wasm
//go:generate wat2wasm testdata/missing_import.wat -o testdata/missing_import.wasm
//go:generate wat2wasm testdata/legacy.wat -o testdata/legacy.wasm
//go:generate wat2wasm testdata/spin.wat -o testdata/spin.wasm

var (
	//go:embed testdata/trap.wasm
	trap []byte

	//go:embed testdata/missing_import.wasm
	missingImport []byte

	//go:embed testdata/legacy.wasm
	legacy []byte

	//go:embed testdata/spin.wasm
	spin []byte
)

// TrapMessage and friends describe the abort raised by Trap.
const (
	TrapMessage = "forced trap"
	TrapFile    = "signer.wat"
	TrapLine    = 7
	TrapColumn  = 5
)

// Trap aborts from every signing call.
func Trap() []byte { return trap }

// MissingImport imports env.clock, which the host never provides.
func MissingImport() []byte { return missingImport }

// Legacy only exports the zero-terminated get_signature_raw and no reset.
func Legacy() []byte { return legacy }

// Spin never returns from a signing call.
func Spin() []byte { return spin }
