package signer

import (
	"github.com/woxQAQ/sigbridge/internal/config"
	"github.com/woxQAQ/sigbridge/internal/guest"
	"github.com/woxQAQ/sigbridge/internal/wasm"
)

// manifestSource reads the binary named by a manifest and checks it
// against the pinned digest on every read.
type manifestSource struct {
	manifest *Manifest
	file     wasm.FileModuleSource
}

func (s *manifestSource) Bytes() ([]byte, error) {
	data, err := s.file.Bytes()
	if err != nil {
		return nil, err
	}
	if want := s.manifest.Wasm.Digest; want != "" {
		if got := wasm.Digest(data); got != want {
			return nil, &DigestMismatchError{WasmFile: s.file.Path, Want: want, Got: got}
		}
	}
	return data, nil
}

func (s *manifestSource) Name() string {
	return s.manifest.Name + "@" + s.manifest.Version
}

// ResolveSource picks the signer binary named by cfg: a manifest
// directory, then a file, then the embedded binary. path is the file on
// disk backing the source, empty for the embedded one.
func ResolveSource(cfg config.WasmConfig) (source wasm.ModuleSource, path string, err error) {
	switch {
	case cfg.Manifest != "":
		m, err := ParseManifest(cfg.Manifest)
		if err != nil {
			return nil, "", err
		}
		return &manifestSource{manifest: m, file: wasm.FileModuleSource{Path: m.WasmPath()}}, m.WasmPath(), nil

	case cfg.Binary != "":
		return &wasm.FileModuleSource{Path: cfg.Binary}, cfg.Binary, nil

	default:
		return &wasm.MemoryModuleSource{ModuleName: guest.Name, Data: guest.Binary()}, "", nil
	}
}
