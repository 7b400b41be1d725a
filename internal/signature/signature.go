// Package signature is a pure Go model of the demo request signature
// computed inside the sandbox. It is used to cross-check sandbox
// binaries and never replaces them on the signing path.
package signature

import (
	"bytes"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/woxQAQ/sigbridge/pkg/protocol"
)

const (
	// DemoSecret is the key baked into the sandbox binary. It is not a secret.
	DemoSecret = "demo_secret_not_in_app_js"

	// Prefix starts every signature.
	Prefix = "WASM_SIG_"
)

// EncodeField returns the bytes the host writes into sandbox memory for
// one field. Invalid UTF-8 is replaced with U+FFFD.
func EncodeField(s string) []byte {
	return []byte(strings.ToValidUTF8(s, "\uFFFD"))
}

// field returns the bytes the sandbox actually hashes for s: the encoded
// field cut at its first zero byte.
func field(s string) []byte {
	b := EncodeField(s)
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return b[:i]
	}
	return b
}

// Canonicalize joins the four fields with '\n' in fixed order. Fields are
// not escaped, so a newline inside a field can shift a boundary.
func Canonicalize(req protocol.SignRequest) []byte {
	return bytes.Join([][]byte{
		field(req.Method),
		field(req.Path),
		field(req.Timestamp),
		field(req.Nonce),
	}, []byte{'\n'})
}

// Sum is FNV-1a 32 over secret followed by msg.
func Sum(secret, msg []byte) uint32 {
	h := fnv.New32a()
	h.Write(secret)
	h.Write(msg)
	return h.Sum32()
}

// Format renders a hash as WASM_SIG_<decimal>.
func Format(sum uint32) string {
	return Prefix + strconv.FormatUint(uint64(sum), 10)
}

// Compute returns the signature the sandbox produces for req.
func Compute(req protocol.SignRequest) string {
	return Format(Sum([]byte(DemoSecret), Canonicalize(req)))
}
