package wasm

// Names shared between the host and the sandboxed signer.
//
// Pointers and lengths are uint32 because the guest uses a 32-bit linear
// memory. Strings cross the boundary as UTF-8 byte ranges reserved with
// alloc, so every (ptr, len) pair the host writes was returned by
// alloc(len) for exactly that len.

// HostModule is the import module name the guest links against.
const HostModule = "env"

// Host imports.
const (
	// abort(msg_ptr, file_ptr, line, column i32). Strings use the
	// length-prefixed UTF-16LE layout: u32 byte length at ptr-4.
	ImportAbort = "abort"

	// trace(msg_ptr, n i32, a0, a1, a2, a3, a4 f64)
	ImportTrace = "trace"

	// seed() f64
	ImportSeed = "seed"
)

// Guest exports.
const (
	ExportMemory = "memory"

	// alloc(len i32) -> ptr i32
	ExportAlloc = "alloc"

	// get_signature_raw(method_ptr, method_len, path_ptr, path_len,
	// ts_ptr, ts_len, nonce_ptr, nonce_len i32) -> ptr i32
	//
	// The result is zero-terminated.
	ExportSignRaw = "get_signature_raw"

	// get_signature(...same parameters...) -> (ptr, len i32)
	//
	// Optional. Preferred over ExportSignRaw when present.
	ExportSign = "get_signature"

	// reset() rewinds the guest heap. Optional.
	ExportReset = "reset"
)

// Functions lists the guest function exports the host looks up.
var Functions = []string{ExportAlloc, ExportSignRaw, ExportSign, ExportReset}
