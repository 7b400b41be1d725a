package wasm

import (
	"context"
	"time"

	"github.com/tetratelabs/wazero/api"
	"golang.org/x/text/encoding/unicode"

	abi "github.com/woxQAQ/sigbridge/api/wasm"
)

// Memory provides bounds-checked access to a guest's linear memory.
//
// Reads copy out of the guest. Writes go through the guest's alloc export,
// so the host only ever writes into ranges the guest reserved for exactly
// that length.
type Memory struct {
	mem     api.Memory
	alloc   api.Function
	timeout time.Duration
}

// ReadString reads a null-terminated string from Wasm memory, scanning at
// most maxLen bytes or up to the end of memory.
func (m *Memory) ReadString(ptr uint32, maxLen uint32) (string, bool) {
	size := m.mem.Size()
	if ptr >= size {
		return "", false
	}
	if avail := size - ptr; maxLen > avail {
		maxLen = avail
	}

	buf, ok := m.mem.Read(ptr, maxLen)
	if !ok {
		return "", false
	}

	// Find null terminator.
	end := len(buf)
	for i, b := range buf {
		if b == 0 {
			end = i
			break
		}
	}

	return string(buf[:end]), true
}

// ReadBytes copies raw bytes out of Wasm memory.
func (m *Memory) ReadBytes(ptr uint32, length uint32) ([]byte, bool) {
	buf, ok := m.mem.Read(ptr, length)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, true
}

// utf16 decodes guest-side string objects.
var utf16 = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// ReadASString reads a length-prefixed UTF-16LE string object: the byte
// length is a u32 stored immediately before ptr.
func (m *Memory) ReadASString(ptr uint32) (string, bool) {
	if ptr < 4 {
		return "", false
	}
	length, ok := m.mem.ReadUint32Le(ptr - 4)
	if !ok {
		return "", false
	}
	buf, ok := m.mem.Read(ptr, length)
	if !ok {
		return "", false
	}
	out, err := utf16.NewDecoder().Bytes(buf)
	if err != nil {
		return "", false
	}
	return string(out), true
}

// WriteString copies s into a fresh guest allocation.
// Returns pointer and length.
func (m *Memory) WriteString(ctx context.Context, s string) (uint32, uint32, error) {
	return m.WriteBytes(ctx, []byte(s))
}

// WriteBytes copies data into a fresh guest allocation.
// Returns pointer and length.
func (m *Memory) WriteBytes(ctx context.Context, data []byte) (uint32, uint32, error) {
	length := uint32(len(data))
	if m.alloc == nil {
		return 0, 0, &FunctionNotFoundError{FunctionName: abi.ExportAlloc}
	}

	results, err := m.alloc.Call(ctx, uint64(length))
	if err != nil {
		return 0, 0, classifyCallError(err, m.timeout)
	}
	ptr := api.DecodeU32(results[0])

	if !m.mem.Write(ptr, data) {
		return 0, 0, &MemoryAccessError{
			Operation: "write",
			Address:   ptr,
			Length:    length,
		}
	}

	return ptr, length, nil
}
