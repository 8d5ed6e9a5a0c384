package asrwhisper

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/antoniostano/voxbridge/internal/translate"
)

// Config selects and configures a whisper.cpp-backed ASRProvider. New
// prefers the native CGO bindings, falls back to whisper-server over HTTP,
// and finally to per-call whisper-cli subprocesses, mirroring how a
// deployment without a compiled bindings toolchain still gets to run.
type Config struct {
	ModelPath string
	Language  string
	Threads   int
	BeamSize  int
	BestOf    int

	// PreferNative skips the native-bindings attempt when false, useful on
	// hosts that have whisper.cpp binaries but no CGO toolchain wired up.
	PreferNative bool
	CLIPath      string
}

// provider is satisfied by NativeProvider, ServerProvider and CLIProvider; it
// lets New return a value that the caller can optionally Close.
type provider interface {
	translate.ASRProvider
}

// closer is implemented by providers holding a subprocess or model handle.
type closer interface {
	Close() error
}

// New resolves modelPath and builds the best available whisper.cpp
// ASRProvider for this host. The returned close function (a no-op for the
// CLI provider, which holds no external resources) must be called on
// shutdown.
func New(cfg Config) (translate.ASRProvider, func() error, error) {
	modelPath := strings.TrimSpace(cfg.ModelPath)
	if modelPath == "" {
		return nil, nil, errors.New("asrwhisper: model path is required")
	}
	if !filepath.IsAbs(modelPath) {
		if wd, err := os.Getwd(); err == nil {
			modelPath = filepath.Join(wd, modelPath)
		}
	}
	if _, err := os.Stat(modelPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("asrwhisper: model not found: %s", modelPath)
		}
		return nil, nil, err
	}

	if cfg.PreferNative {
		if p, err := NewNative(modelPath); err == nil {
			return p, p.Close, nil
		}
	}

	if srv, err := NewServer(ServerConfig{
		ModelPath: modelPath,
		Language:  cfg.Language,
		Threads:   cfg.Threads,
		BeamSize:  cfg.BeamSize,
		BestOf:    cfg.BestOf,
	}); err == nil {
		return srv, srv.Close, nil
	}

	cli, err := NewCLI(CLIConfig{
		CLIPath:   cfg.CLIPath,
		ModelPath: modelPath,
		Language:  cfg.Language,
		Threads:   cfg.Threads,
		BeamSize:  cfg.BeamSize,
		BestOf:    cfg.BestOf,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("asrwhisper: no usable whisper.cpp backend: %w", err)
	}
	return cli, func() error { return nil }, nil
}

var (
	_ provider = (*NativeProvider)(nil)
	_ provider = (*ServerProvider)(nil)
	_ provider = (*CLIProvider)(nil)
	_ closer   = (*NativeProvider)(nil)
	_ closer   = (*ServerProvider)(nil)
)
