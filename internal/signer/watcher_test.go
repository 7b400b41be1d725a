package signer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/sigbridge/internal/config"
	"github.com/woxQAQ/sigbridge/internal/guest"
	"github.com/woxQAQ/sigbridge/internal/guest/guesttest"
	"github.com/woxQAQ/sigbridge/internal/wasm"
)

func TestWatchMarksAdapterStale(t *testing.T) {
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "signer.wasm")
	require.NoError(t, os.WriteFile(path, guest.Binary(), 0o644))

	adapter, err := NewAdapter(context.Background(), config.Default().Wasm, &wasm.FileModuleSource{Path: path}, nil, logger)
	require.NoError(t, err)
	defer adapter.Close(context.Background())

	require.True(t, adapter.InvokeSign(context.Background(), example).OK())

	w, err := Watch(path, adapter, logger)
	require.NoError(t, err)
	defer w.Close()

	// Unrelated files in the same directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	time.Sleep(50 * time.Millisecond)
	require.False(t, adapter.Stale())

	require.NoError(t, os.WriteFile(path, guesttest.Legacy(), 0o644))
	require.Eventually(t, adapter.Stale, 2*time.Second, 10*time.Millisecond)

	out := adapter.InvokeSign(context.Background(), example)
	require.NoError(t, out.Err)
	require.Equal(t, "WASM_SIG_2932688002", out.Signature)
}
