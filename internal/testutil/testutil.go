// Package testutil provides shared skip helpers and fixtures for tests.
//
// Skip helpers call t.Skip with a readable reason when a prerequisite is
// absent, so integration tests stay runnable in partial environments.
//
//	func TestONNXPipeline(t *testing.T) {
//	    testutil.RequireONNXRuntime(t)
//	    ...
//	}
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/example/voicegen/internal/config"
	"github.com/example/voicegen/internal/model"
	"github.com/example/voicegen/internal/native"
	"github.com/example/voicegen/internal/onnx"
)

// RequireONNXRuntime skips the test if no ONNX Runtime shared library can be
// located through ORT_LIBRARY_PATH, VOICEGEN_ORT_LIB or the usual install
// locations.
func RequireONNXRuntime(tb testing.TB) {
	tb.Helper()

	for _, env := range []string{"ORT_LIBRARY_PATH", "VOICEGEN_ORT_LIB"} {
		if p := os.Getenv(env); p != "" {
			if _, err := os.Stat(p); err == nil {
				return
			}
			tb.Skipf("ONNX Runtime library not found at %s=%q", env, p)
		}
	}

	if _, err := onnx.DetectRuntime(config.RuntimeConfig{}); err != nil {
		tb.Skip("ONNX Runtime shared library not found; set ORT_LIBRARY_PATH or VOICEGEN_ORT_LIB")
	}
}

// RequireFile skips the test when path does not exist.
func RequireFile(tb testing.TB, path string) {
	tb.Helper()

	if _, err := os.Stat(path); err != nil {
		tb.Skipf("fixture %q not available: %v", path, err)
	}
}

// SmallDims is a reference model shape small enough for unit tests.
var SmallDims = native.Dims{
	Vocab:       len([]rune(model.DefaultSymbols)),
	EmbedDim:    8,
	SemanticDim: 4,
	CoarseVocab: 16,
	FineVocab:   16,
	FineDim:     8,
	StyleDim:    4,
}

// ReferenceConfig writes a SmallDims reference bundle under a temp dir and
// returns a configuration that loads it with the safetensors backend.
func ReferenceConfig(tb testing.TB) config.Config {
	tb.Helper()

	dir := tb.TempDir()

	b, err := model.InitReference(model.InitOptions{Dir: filepath.Join(dir, "model"), Dims: SmallDims, Seed: 1})
	if err != nil {
		tb.Fatalf("init reference model: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Synthesis.Backend = config.BackendNativeSafetensors
	cfg.Synthesis.EmbedDim = SmallDims.EmbedDim
	cfg.Synthesis.SemanticDim = SmallDims.SemanticDim
	cfg.Synthesis.CoarseVocab = SmallDims.CoarseVocab
	cfg.Synthesis.FineVocab = SmallDims.FineVocab
	cfg.Paths.ModelPath = b.ModelPath
	cfg.Paths.TokensPath = b.TokensPath
	cfg.Paths.VoicesPath = b.VoicesPath
	cfg.Paths.DataDir = b.Dir
	cfg.Paths.OutputDir = filepath.Join(dir, "tmp")
	cfg.Server.ListenAddr = "127.0.0.1:0"

	return cfg
}
