package signer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/woxQAQ/sigbridge/internal/config"
	"github.com/woxQAQ/sigbridge/internal/guest"
	"github.com/woxQAQ/sigbridge/internal/wasm"
)

// writeBundle lays out a manifest directory holding signer.wasm.
func writeBundle(t *testing.T, manifest string) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "signer.wasm"), guest.Binary(), 0o644))
	if manifest != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o644))
	}
	return dir
}

func TestParseManifest_Valid(t *testing.T) {
	dir := writeBundle(t, `
name: demo-signer
version: 1.0.0
description: request signer
wasm:
  file: signer.wasm
`)

	manifest, err := ParseManifest(dir)
	if err != nil {
		t.Fatalf("ParseManifest() failed: %v", err)
	}

	if manifest.Name != "demo-signer" {
		t.Errorf("expected Name 'demo-signer', got '%s'", manifest.Name)
	}

	if manifest.Version != "1.0.0" {
		t.Errorf("expected Version '1.0.0', got '%s'", manifest.Version)
	}

	if manifest.WasmPath() != filepath.Join(dir, "signer.wasm") {
		t.Errorf("unexpected WasmPath '%s'", manifest.WasmPath())
	}
}

func TestParseManifest_NotFound(t *testing.T) {
	_, err := ParseManifest(filepath.Join(t.TempDir(), "nonexistent"))
	if err == nil {
		t.Fatal("ParseManifest() should fail for nonexistent directory")
	}

	if _, ok := err.(*ManifestNotFoundError); !ok {
		t.Errorf("expected ManifestNotFoundError, got %T", err)
	}
}

func TestParseManifest_InvalidYAML(t *testing.T) {
	dir := writeBundle(t, "name: [unterminated\n")

	_, err := ParseManifest(dir)
	if _, ok := err.(*ManifestParseError); !ok {
		t.Errorf("expected ManifestParseError, got %T", err)
	}
}

func TestParseManifest_Validation(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		field    string
	}{
		{"missing name", "version: 1.0.0\nwasm:\n  file: signer.wasm\n", "name"},
		{"missing version", "name: s\nwasm:\n  file: signer.wasm\n", "version"},
		{"missing file", "name: s\nversion: 1.0.0\n", "wasm.file"},
		{"bad digest", "name: s\nversion: 1.0.0\nwasm:\n  file: signer.wasm\n  digest: xyz\n", "wasm.digest"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest(writeBundle(t, tt.manifest))

			valErr, ok := err.(*ManifestValidationError)
			if !ok {
				t.Fatalf("expected ManifestValidationError, got %T: %v", err, err)
			}
			if valErr.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, valErr.Field)
			}
		})
	}
}

func TestParseManifest_WasmNotFound(t *testing.T) {
	dir := writeBundle(t, "name: s\nversion: 1.0.0\nwasm:\n  file: missing.wasm\n")

	_, err := ParseManifest(dir)
	if _, ok := err.(*WasmNotFoundError); !ok {
		t.Errorf("expected WasmNotFoundError, got %T", err)
	}
}

func TestResolveSource(t *testing.T) {
	t.Run("embedded", func(t *testing.T) {
		src, path, err := ResolveSource(config.WasmConfig{})
		require.NoError(t, err)
		assert.Empty(t, path)
		assert.Equal(t, guest.Name, src.Name())
	})

	t.Run("binary", func(t *testing.T) {
		src, path, err := ResolveSource(config.WasmConfig{Binary: "/opt/signer.wasm"})
		require.NoError(t, err)
		assert.Equal(t, "/opt/signer.wasm", path)
		assert.IsType(t, &wasm.FileModuleSource{}, src)
	})

	t.Run("manifest with matching digest", func(t *testing.T) {
		dir := writeBundle(t, "name: demo-signer\nversion: 2.0.0\nwasm:\n  file: signer.wasm\n  digest: "+wasm.Digest(guest.Binary())+"\n")

		src, path, err := ResolveSource(config.WasmConfig{Manifest: dir, Binary: "ignored.wasm"})
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "signer.wasm"), path)
		assert.Equal(t, "demo-signer@2.0.0", src.Name())

		data, err := src.Bytes()
		require.NoError(t, err)
		assert.Equal(t, guest.Binary(), data)
	})

	t.Run("manifest with stale digest", func(t *testing.T) {
		dir := writeBundle(t, "name: demo-signer\nversion: 2.0.0\nwasm:\n  file: signer.wasm\n  digest: "+wasm.Digest([]byte("other"))+"\n")

		src, _, err := ResolveSource(config.WasmConfig{Manifest: dir})
		require.NoError(t, err)

		_, err = src.Bytes()
		var mismatch *DigestMismatchError
		assert.ErrorAs(t, err, &mismatch)

		// The mismatch surfaces from the adapter as a failed sign.
		adapter, aerr := NewAdapter(context.Background(), config.Default().Wasm, src, nil, zap.NewNop())
		require.NoError(t, aerr)
		defer adapter.Close(context.Background())
		assert.ErrorAs(t, adapter.InvokeSign(context.Background(), example).Err, &mismatch)
	})
}
