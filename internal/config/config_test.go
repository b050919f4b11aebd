package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

// fakeBinder wraps a pflag.FlagSet to satisfy the flagBinder interface.
type fakeBinder struct {
	fs *pflag.FlagSet
}

func (f *fakeBinder) Flags() *pflag.FlagSet { return f.fs }

func newFlagBinder(defaults Config, args ...string) (*fakeBinder, error) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return &fakeBinder{fs: fs}, nil
}

// --- DefaultConfig ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Paths.ModelPath != "kokoro-en-v0_19/manifest.json" {
		t.Errorf("ModelPath = %q; want %q", cfg.Paths.ModelPath, "kokoro-en-v0_19/manifest.json")
	}

	if cfg.Paths.TokensPath != "kokoro-en-v0_19/tokens.txt" {
		t.Errorf("TokensPath = %q; want %q", cfg.Paths.TokensPath, "kokoro-en-v0_19/tokens.txt")
	}

	if cfg.Paths.OutputDir != "tmp" {
		t.Errorf("OutputDir = %q; want %q", cfg.Paths.OutputDir, "tmp")
	}

	if cfg.Synthesis.LengthScale != 1.0 {
		t.Errorf("LengthScale = %v; want 1.0", cfg.Synthesis.LengthScale)
	}

	if cfg.Synthesis.SampleRate != 24000 {
		t.Errorf("SampleRate = %d; want 24000", cfg.Synthesis.SampleRate)
	}

	if cfg.Synthesis.EmbedDim != 512 || cfg.Synthesis.SemanticDim != 256 {
		t.Errorf("dims = (%d, %d); want (512, 256)", cfg.Synthesis.EmbedDim, cfg.Synthesis.SemanticDim)
	}

	if cfg.Synthesis.CoarseVocab != 1024 || cfg.Synthesis.FineVocab != 1024 {
		t.Errorf("vocabs = (%d, %d); want (1024, 1024)", cfg.Synthesis.CoarseVocab, cfg.Synthesis.FineVocab)
	}

	if cfg.Server.ListenAddr != "0.0.0.0:8001" {
		t.Errorf("Server.ListenAddr = %q; want %q", cfg.Server.ListenAddr, "0.0.0.0:8001")
	}

	if cfg.Server.Workers != 2 {
		t.Errorf("Server.Workers = %d; want 2", cfg.Server.Workers)
	}

	if cfg.Synthesis.Backend != BackendNativeONNX {
		t.Errorf("Synthesis.Backend = %q; want %q", cfg.Synthesis.Backend, BackendNativeONNX)
	}

	if cfg.Bus.URL != "" || cfg.Bus.Embedded {
		t.Errorf("Bus enabled by default: %+v", cfg.Bus)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "info")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v; want nil", err)
	}
}

// --- NormalizeBackend ---

func TestNormalizeBackend(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"onnx canonical", "native-onnx", BackendNativeONNX, false},
		{"onnx short", "ONNX", BackendNativeONNX, false},
		{"safetensors canonical", "native-safetensors", BackendNativeSafetensors, false},
		{"native alias with spaces", "  native  ", BackendNativeSafetensors, false},
		{"empty defaults to onnx", "", BackendNativeONNX, false},
		{"invalid value", "cli", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeBackend(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("NormalizeBackend(%q) = %q, nil; want error", tt.input, got)
				}

				return
			}

			if err != nil {
				t.Fatalf("NormalizeBackend(%q) unexpected error: %v", tt.input, err)
			}

			if got != tt.want {
				t.Errorf("NormalizeBackend(%q) = %q; want %q", tt.input, got, tt.want)
			}
		})
	}
}

// --- Validate ---

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero sample rate", func(c *Config) { c.Synthesis.SampleRate = 0 }, "sample_rate"},
		{"zero embed dim", func(c *Config) { c.Synthesis.EmbedDim = 0 }, "embed_dim"},
		{"negative semantic dim", func(c *Config) { c.Synthesis.SemanticDim = -1 }, "semantic_dim"},
		{"zero coarse vocab", func(c *Config) { c.Synthesis.CoarseVocab = 0 }, "coarse_vocab"},
		{"zero fine vocab", func(c *Config) { c.Synthesis.FineVocab = 0 }, "fine_vocab"},
		{"zero hop", func(c *Config) { c.Synthesis.HopLength = 0 }, "hop_length"},
		{"zero length scale", func(c *Config) { c.Synthesis.LengthScale = 0 }, "length_scale"},
		{"bad backend", func(c *Config) { c.Synthesis.Backend = "cli" }, "backend"},
		{"empty output dir", func(c *Config) { c.Paths.OutputDir = " " }, "output_dir"},
		{"bad traces", func(c *Config) { c.Telemetry.Traces = "jaeger" }, "telemetry.traces"},
		{"zero workers", func(c *Config) { c.Server.Workers = 0 }, "server.workers"},
		{"zero max text", func(c *Config) { c.Server.MaxTextBytes = 0 }, "server.max_text_bytes"},
		{"zero request timeout", func(c *Config) { c.Server.RequestTimeout = 0 }, "server.request_timeout"},
		{"negative shutdown timeout", func(c *Config) { c.Server.ShutdownTimeout = -1 }, "server.shutdown_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil; want error")
			}

			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %q; want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidate_SemanticDimZeroAllowed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Synthesis.SemanticDim = 0

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v; want nil", err)
	}
}

// --- RegisterFlags ---

func TestRegisterFlags(t *testing.T) {
	defaults := DefaultConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)

	checks := []struct {
		flag string
		want string
	}{
		{"paths-model-path", "kokoro-en-v0_19/manifest.json"},
		{"paths-tokens-path", "kokoro-en-v0_19/tokens.txt"},
		{"server-listen-addr", "0.0.0.0:8001"},
		{"synthesis-backend", "native-onnx"},
		{"synthesis-length-scale", "1"},
		{"bus-subject", "voicegen.generate"},
		{"log-level", "info"},
	}

	for _, c := range checks {
		f := fs.Lookup(c.flag)
		if f == nil {
			t.Errorf("flag %q not registered", c.flag)
			continue
		}

		if f.DefValue != c.want {
			t.Errorf("flag %q default = %q; want %q", c.flag, f.DefValue, c.want)
		}
	}
}

func TestFlagKeys_CoverRegisteredFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, DefaultConfig())

	fs.VisitAll(func(f *pflag.Flag) {
		if _, ok := flagKeys[f.Name]; !ok {
			t.Errorf("flag %q has no config key binding", f.Name)
		}
	})
}

// --- Load ---

func TestLoad_Defaults(t *testing.T) {
	defaults := DefaultConfig()

	binder, err := newFlagBinder(defaults)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cfg, err := Load(LoadOptions{Cmd: binder, Defaults: defaults})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Paths.ModelPath != defaults.Paths.ModelPath {
		t.Errorf("ModelPath = %q; want %q", cfg.Paths.ModelPath, defaults.Paths.ModelPath)
	}

	if cfg.Synthesis.CoarseVocab != defaults.Synthesis.CoarseVocab {
		t.Errorf("CoarseVocab = %d; want %d", cfg.Synthesis.CoarseVocab, defaults.Synthesis.CoarseVocab)
	}

	if cfg.Runtime.ORTAPIVersion != 23 {
		t.Errorf("ORTAPIVersion = %d; want 23", cfg.Runtime.ORTAPIVersion)
	}
}

func TestLoad_FlagOverride(t *testing.T) {
	defaults := DefaultConfig()

	binder, err := newFlagBinder(defaults,
		"--synthesis-backend=native-safetensors",
		"--server-workers=8",
		"--synthesis-length-scale=1.5",
		"--log-level=debug",
	)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cfg, err := Load(LoadOptions{Cmd: binder, Defaults: defaults})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Synthesis.Backend != BackendNativeSafetensors {
		t.Errorf("Synthesis.Backend = %q; want %q", cfg.Synthesis.Backend, BackendNativeSafetensors)
	}

	if cfg.Server.Workers != 8 {
		t.Errorf("Server.Workers = %d; want 8", cfg.Server.Workers)
	}

	if cfg.Synthesis.LengthScale != 1.5 {
		t.Errorf("LengthScale = %v; want 1.5", cfg.Synthesis.LengthScale)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "debug")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("VOICEGEN_LOG_LEVEL", "warn")
	t.Setenv("VOICEGEN_SERVER_LISTEN_ADDR", ":9999")
	t.Setenv("VOICEGEN_BUS_URL", "nats://127.0.0.1:4222")

	cfg, err := Load(LoadOptions{Defaults: DefaultConfig()})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "warn")
	}

	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("Server.ListenAddr = %q; want %q", cfg.Server.ListenAddr, ":9999")
	}

	if cfg.Bus.URL != "nats://127.0.0.1:4222" {
		t.Errorf("Bus.URL = %q; want nats url", cfg.Bus.URL)
	}
}

func TestLoad_ORTLibraryEnvAliases(t *testing.T) {
	t.Setenv("ORT_LIBRARY_PATH", "/opt/ort/libonnxruntime.so")

	cfg, err := Load(LoadOptions{Defaults: DefaultConfig()})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Runtime.ORTLibraryPath != "/opt/ort/libonnxruntime.so" {
		t.Errorf("ORTLibraryPath = %q; want env value", cfg.Runtime.ORTLibraryPath)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "voicegen.yaml")

	content := `
log_level: error
server:
  workers: 16
  listen_addr: ":7777"
synthesis:
  backend: native-safetensors
  max_tokens: 64
`

	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	defaults := DefaultConfig()

	binder, err := newFlagBinder(defaults)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cfg, err := Load(LoadOptions{Cmd: binder, ConfigFile: cfgFile, Defaults: defaults})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "error" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "error")
	}

	if cfg.Server.Workers != 16 {
		t.Errorf("Server.Workers = %d; want 16", cfg.Server.Workers)
	}

	if cfg.Server.ListenAddr != ":7777" {
		t.Errorf("Server.ListenAddr = %q; want %q", cfg.Server.ListenAddr, ":7777")
	}

	if cfg.Synthesis.Backend != BackendNativeSafetensors {
		t.Errorf("Synthesis.Backend = %q; want %q", cfg.Synthesis.Backend, BackendNativeSafetensors)
	}

	if cfg.Synthesis.MaxTokens != 64 {
		t.Errorf("MaxTokens = %d; want 64", cfg.Synthesis.MaxTokens)
	}

	if cfg.Synthesis.SampleRate != defaults.Synthesis.SampleRate {
		t.Errorf("SampleRate = %d; want default %d", cfg.Synthesis.SampleRate, defaults.Synthesis.SampleRate)
	}
}

func TestLoad_FlagBeatsConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "voicegen.toml")

	if err := os.WriteFile(cfgFile, []byte("log_level = \"error\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	defaults := DefaultConfig()

	binder, err := newFlagBinder(defaults, "--log-level=debug")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cfg, err := Load(LoadOptions{Cmd: binder, ConfigFile: cfgFile, Defaults: defaults})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "debug")
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "bad.yaml")

	if err := os.WriteFile(cfgFile, []byte(":\t:bad yaml:::"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Load(LoadOptions{ConfigFile: cfgFile, Defaults: DefaultConfig()})
	if err == nil {
		t.Error("Load() = nil; want error for invalid config file")
	}
}

func TestLoad_MissingExplicitConfigFile(t *testing.T) {
	_, err := Load(LoadOptions{
		ConfigFile: "/nonexistent/path/voicegen.yaml",
		Defaults:   DefaultConfig(),
	})
	if err == nil {
		t.Error("Load() = nil; want error for missing explicit config file")
	}
}
