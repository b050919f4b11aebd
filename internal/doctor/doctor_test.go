package doctor_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/voicegen/internal/config"
	"github.com/example/voicegen/internal/doctor"
	"github.com/example/voicegen/internal/model"
	"github.com/example/voicegen/internal/native"
	"github.com/example/voicegen/internal/onnx"
)

var errLibraryNotFound = errors.New("library not found")

// referenceSettings returns a configuration pointing at a freshly
// generated reference bundle.
func referenceSettings(t *testing.T) config.Config {
	t.Helper()

	dir := t.TempDir()
	b, err := model.InitReference(model.InitOptions{
		Dir: dir,
		Dims: native.Dims{
			Vocab: len([]rune(model.DefaultSymbols)), EmbedDim: 4, SemanticDim: 2,
			CoarseVocab: 8, FineVocab: 8, FineDim: 4, StyleDim: 3,
		},
	})
	if err != nil {
		t.Fatalf("InitReference: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Synthesis.Backend = config.BackendNativeSafetensors
	cfg.Paths.ModelPath = b.ModelPath
	cfg.Paths.TokensPath = b.TokensPath
	cfg.Paths.VoicesPath = b.VoicesPath
	cfg.Paths.OutputDir = filepath.Join(dir, "tmp")
	cfg.Synthesis.EmbedDim = 4
	cfg.Synthesis.SemanticDim = 2
	cfg.Synthesis.CoarseVocab = 8
	cfg.Synthesis.FineVocab = 8

	return cfg
}

func hasFailureContaining(failures []string, substr string) bool {
	for _, f := range failures {
		if strings.Contains(f, substr) {
			return true
		}
	}
	return false
}

func TestRun_AllChecksPass(t *testing.T) {
	cfg := referenceSettings(t)

	var out strings.Builder
	result := doctor.Run(doctor.Config{Settings: cfg}, &out)

	if result.Failed() {
		t.Fatalf("expected all checks to pass; failures: %v\n%s", result.Failures(), out.String())
	}

	for _, want := range []string{"config", "model dims", "onnx runtime: skipped", "tokens", "voices", "output dir"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
	if strings.Contains(out.String(), doctor.FailMark) {
		t.Errorf("output contains a failure mark:\n%s", out.String())
	}

	if _, err := os.Stat(cfg.Paths.OutputDir); err != nil {
		t.Errorf("output dir not created: %v", err)
	}
}

func TestRun_ONNXBackendUsesDetector(t *testing.T) {
	cfg := referenceSettings(t)
	cfg.Synthesis.Backend = config.BackendNativeONNX

	called := false
	detect := func(config.RuntimeConfig) (onnx.RuntimeInfo, error) {
		called = true
		return onnx.RuntimeInfo{LibraryPath: "/opt/ort/libonnxruntime.so.1.20.0", Version: "1.20.0"}, nil
	}

	var out strings.Builder
	result := doctor.Run(doctor.Config{Settings: cfg, DetectRuntime: detect}, &out)

	if !called {
		t.Fatal("runtime detector not consulted for onnx backend")
	}
	if result.Failed() {
		t.Fatalf("unexpected failures: %v", result.Failures())
	}
	if !strings.Contains(out.String(), "1.20.0") {
		t.Errorf("output should report the runtime version:\n%s", out.String())
	}
}

func TestRun_ONNXRuntimeMissingFails(t *testing.T) {
	cfg := referenceSettings(t)
	cfg.Synthesis.Backend = config.BackendNativeONNX

	detect := func(config.RuntimeConfig) (onnx.RuntimeInfo, error) {
		return onnx.RuntimeInfo{}, errLibraryNotFound
	}

	result := doctor.Run(doctor.Config{Settings: cfg, DetectRuntime: detect}, &strings.Builder{})

	if !hasFailureContaining(result.Failures(), "onnx runtime") {
		t.Fatalf("expected onnx runtime failure, got %v", result.Failures())
	}
}

func TestRun_Failures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		failure string
	}{
		{
			name:    "invalid config",
			mutate:  func(c *config.Config) { c.Synthesis.SampleRate = 0 },
			failure: "config",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *config.Config) { c.Synthesis.Backend = "tensorflow" },
			failure: "backend",
		},
		{
			name:    "missing model",
			mutate:  func(c *config.Config) { c.Paths.ModelPath = filepath.Join(filepath.Dir(c.Paths.ModelPath), "gone.safetensors") },
			failure: "model",
		},
		{
			name:    "model is a directory",
			mutate:  func(c *config.Config) { c.Paths.ModelPath = filepath.Dir(c.Paths.ModelPath) },
			failure: "model",
		},
		{
			name:    "dims disagree",
			mutate:  func(c *config.Config) { c.Synthesis.CoarseVocab = 9 },
			failure: "model dims",
		},
		{
			name:    "missing tokens",
			mutate:  func(c *config.Config) { c.Paths.TokensPath = filepath.Join(filepath.Dir(c.Paths.TokensPath), "gone.txt") },
			failure: "tokens",
		},
		{
			name:    "bad voices",
			mutate:  func(c *config.Config) { c.Paths.VoicesPath = c.Paths.TokensPath },
			failure: "voices",
		},
		{
			name: "output dir blocked by file",
			mutate: func(c *config.Config) {
				c.Paths.OutputDir = filepath.Join(c.Paths.TokensPath, "tmp")
			},
			failure: "output dir",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := referenceSettings(t)
			tt.mutate(&cfg)

			var out strings.Builder
			result := doctor.Run(doctor.Config{Settings: cfg}, &out)

			if !result.Failed() {
				t.Fatalf("expected failure; output:\n%s", out.String())
			}
			if !hasFailureContaining(result.Failures(), tt.failure) {
				t.Errorf("expected failure mentioning %q, got %v", tt.failure, result.Failures())
			}
			if !strings.Contains(out.String(), doctor.FailMark) {
				t.Errorf("output should contain %s:\n%s", doctor.FailMark, out.String())
			}
		})
	}
}

func TestRun_NoVoicesConfigured(t *testing.T) {
	cfg := referenceSettings(t)
	cfg.Paths.VoicesPath = ""

	var out strings.Builder
	result := doctor.Run(doctor.Config{Settings: cfg}, &out)

	if result.Failed() {
		t.Fatalf("unexpected failures: %v", result.Failures())
	}
	if !strings.Contains(out.String(), "voices: none configured") {
		t.Errorf("output:\n%s", out.String())
	}
}

func TestResult_AddFailure(t *testing.T) {
	var r doctor.Result
	if r.Failed() {
		t.Fatal("zero Result should not be failed")
	}

	r.AddFailure("model verify: boom")

	if !r.Failed() || len(r.Failures()) != 1 {
		t.Fatalf("unexpected result %v", r.Failures())
	}

	got := r.Failures()
	got[0] = "mutated"
	if r.Failures()[0] != "model verify: boom" {
		t.Fatal("Failures must return a copy")
	}
}
