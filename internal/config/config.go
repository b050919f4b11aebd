package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Paths     PathsConfig     `mapstructure:"paths" json:"paths" yaml:"paths" toml:"paths"`
	Runtime   RuntimeConfig   `mapstructure:"runtime" json:"runtime" yaml:"runtime" toml:"runtime"`
	Synthesis SynthesisConfig `mapstructure:"synthesis" json:"synthesis" yaml:"synthesis" toml:"synthesis"`
	Server    ServerConfig    `mapstructure:"server" json:"server" yaml:"server" toml:"server"`
	Bus       BusConfig       `mapstructure:"bus" json:"bus" yaml:"bus" toml:"bus"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" json:"telemetry" yaml:"telemetry" toml:"telemetry"`
	LogLevel  string          `mapstructure:"log_level" json:"log_level" yaml:"log_level" toml:"log_level"`
}

// PathsConfig locates the model artifacts and the scratch directory that
// receives one WAV file per successful request.
type PathsConfig struct {
	ModelPath  string `mapstructure:"model_path" json:"model_path" yaml:"model_path" toml:"model_path"`
	VoicesPath string `mapstructure:"voices_path" json:"voices_path" yaml:"voices_path" toml:"voices_path"`
	TokensPath string `mapstructure:"tokens_path" json:"tokens_path" yaml:"tokens_path" toml:"tokens_path"`
	DataDir    string `mapstructure:"data_dir" json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	OutputDir  string `mapstructure:"output_dir" json:"output_dir" yaml:"output_dir" toml:"output_dir"`
}

type RuntimeConfig struct {
	Threads        int    `mapstructure:"threads" json:"threads" yaml:"threads" toml:"threads"`
	ORTLibraryPath string `mapstructure:"ort_library_path" json:"ort_library_path" yaml:"ort_library_path" toml:"ort_library_path"`
	ORTVersion     string `mapstructure:"ort_version" json:"ort_version" yaml:"ort_version" toml:"ort_version"`
	ORTAPIVersion  uint32 `mapstructure:"ort_api_version" json:"ort_api_version" yaml:"ort_api_version" toml:"ort_api_version"`
}

// SynthesisConfig holds the tensor contract constants shared by every stage.
type SynthesisConfig struct {
	Backend     string  `mapstructure:"backend" json:"backend" yaml:"backend" toml:"backend"`
	LengthScale float64 `mapstructure:"length_scale" json:"length_scale" yaml:"length_scale" toml:"length_scale"`
	SampleRate  int     `mapstructure:"sample_rate" json:"sample_rate" yaml:"sample_rate" toml:"sample_rate"`
	EmbedDim    int     `mapstructure:"embed_dim" json:"embed_dim" yaml:"embed_dim" toml:"embed_dim"`
	SemanticDim int     `mapstructure:"semantic_dim" json:"semantic_dim" yaml:"semantic_dim" toml:"semantic_dim"`
	CoarseVocab int     `mapstructure:"coarse_vocab" json:"coarse_vocab" yaml:"coarse_vocab" toml:"coarse_vocab"`
	FineVocab   int     `mapstructure:"fine_vocab" json:"fine_vocab" yaml:"fine_vocab" toml:"fine_vocab"`
	MaxTokens   int     `mapstructure:"max_tokens" json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	HopLength   int     `mapstructure:"hop_length" json:"hop_length" yaml:"hop_length" toml:"hop_length"`
}

type ServerConfig struct {
	ListenAddr      string `mapstructure:"listen_addr" json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"`
	Workers         int    `mapstructure:"workers" json:"workers" yaml:"workers" toml:"workers"`
	MaxTextBytes    int    `mapstructure:"max_text_bytes" json:"max_text_bytes" yaml:"max_text_bytes" toml:"max_text_bytes"`
	RequestTimeout  int    `mapstructure:"request_timeout" json:"request_timeout" yaml:"request_timeout" toml:"request_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout" json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// BusConfig enables the NATS request/reply worker. An empty URL with
// Embedded=false leaves the worker off.
type BusConfig struct {
	URL      string `mapstructure:"url" json:"url" yaml:"url" toml:"url"`
	Embedded bool   `mapstructure:"embedded" json:"embedded" yaml:"embedded" toml:"embedded"`
	Port     int    `mapstructure:"port" json:"port" yaml:"port" toml:"port"`
	StoreDir string `mapstructure:"store_dir" json:"store_dir" yaml:"store_dir" toml:"store_dir"`
	Subject  string `mapstructure:"subject" json:"subject" yaml:"subject" toml:"subject"`
	Bucket   string `mapstructure:"bucket" json:"bucket" yaml:"bucket" toml:"bucket"`
}

type TelemetryConfig struct {
	ServiceName  string `mapstructure:"service_name" json:"service_name" yaml:"service_name" toml:"service_name"`
	Traces       string `mapstructure:"traces" json:"traces" yaml:"traces" toml:"traces"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint" json:"otlp_endpoint" yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure" json:"otlp_insecure" yaml:"otlp_insecure" toml:"otlp_insecure"`
	Metrics      bool   `mapstructure:"metrics" json:"metrics" yaml:"metrics" toml:"metrics"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			ModelPath:  "kokoro-en-v0_19/manifest.json",
			VoicesPath: "kokoro-en-v0_19/voices.safetensors",
			TokensPath: "kokoro-en-v0_19/tokens.txt",
			DataDir:    "kokoro-en-v0_19/espeak-ng-data",
			OutputDir:  "tmp",
		},
		Runtime: RuntimeConfig{
			Threads:        4,
			ORTLibraryPath: "",
			ORTVersion:     "",
			ORTAPIVersion:  23,
		},
		Synthesis: SynthesisConfig{
			Backend:     BackendNativeONNX,
			LengthScale: 1.0,
			SampleRate:  24000,
			EmbedDim:    512,
			SemanticDim: 256,
			CoarseVocab: 1024,
			FineVocab:   1024,
			MaxTokens:   510,
			HopLength:   1,
		},
		Server: ServerConfig{
			ListenAddr:      "0.0.0.0:8001",
			Workers:         2,
			MaxTextBytes:    4096,
			RequestTimeout:  60,
			ShutdownTimeout: 30,
		},
		Bus: BusConfig{
			URL:      "",
			Embedded: false,
			Port:     4222,
			StoreDir: "data/nats",
			Subject:  "voicegen.generate",
			Bucket:   "voicegen-audio",
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "voicegen",
			Traces:       TracesNone,
			OTLPEndpoint: "",
			OTLPInsecure: false,
			Metrics:      true,
		},
		LogLevel: "info",
	}
}

// Trace exporter selections for TelemetryConfig.Traces.
const (
	TracesNone   = "none"
	TracesStdout = "stdout"
	TracesOTLP   = "otlp"
)

// Validate reports configuration that would make every request fail.
// It runs once at startup so bad settings stop the process, not a request.
func (c Config) Validate() error {
	var errs []error

	s := c.Synthesis
	if s.SampleRate < 1 {
		errs = append(errs, fmt.Errorf("synthesis.sample_rate must be >= 1, got %d", s.SampleRate))
	}
	if s.EmbedDim < 1 {
		errs = append(errs, fmt.Errorf("synthesis.embed_dim must be >= 1, got %d", s.EmbedDim))
	}
	if s.SemanticDim < 0 {
		errs = append(errs, fmt.Errorf("synthesis.semantic_dim must be >= 0, got %d", s.SemanticDim))
	}
	if s.CoarseVocab < 1 {
		errs = append(errs, fmt.Errorf("synthesis.coarse_vocab must be >= 1, got %d", s.CoarseVocab))
	}
	if s.FineVocab < 1 {
		errs = append(errs, fmt.Errorf("synthesis.fine_vocab must be >= 1, got %d", s.FineVocab))
	}
	if s.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("synthesis.max_tokens must be >= 0, got %d", s.MaxTokens))
	}
	if s.HopLength < 1 {
		errs = append(errs, fmt.Errorf("synthesis.hop_length must be >= 1, got %d", s.HopLength))
	}
	if !(s.LengthScale > 0) {
		errs = append(errs, fmt.Errorf("synthesis.length_scale must be > 0, got %v", s.LengthScale))
	}
	if _, err := NormalizeBackend(s.Backend); err != nil {
		errs = append(errs, err)
	}
	srv := c.Server
	if srv.Workers < 1 {
		errs = append(errs, fmt.Errorf("server.workers must be >= 1, got %d", srv.Workers))
	}
	if srv.MaxTextBytes < 1 {
		errs = append(errs, fmt.Errorf("server.max_text_bytes must be >= 1, got %d", srv.MaxTextBytes))
	}
	if srv.RequestTimeout < 1 {
		errs = append(errs, fmt.Errorf("server.request_timeout must be >= 1 second, got %d", srv.RequestTimeout))
	}
	if srv.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout must be >= 0, got %d", srv.ShutdownTimeout))
	}
	if strings.TrimSpace(c.Paths.OutputDir) == "" {
		errs = append(errs, errors.New("paths.output_dir is required"))
	}
	switch strings.ToLower(strings.TrimSpace(c.Telemetry.Traces)) {
	case "", TracesNone, TracesStdout, TracesOTLP:
	default:
		errs = append(errs, fmt.Errorf("invalid telemetry.traces %q (expected none|stdout|otlp)", c.Telemetry.Traces))
	}

	return errors.Join(errs...)
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("paths-model-path", defaults.Paths.ModelPath, "Path to ONNX graph manifest or reference .safetensors weights")
	fs.String("paths-voices-path", defaults.Paths.VoicesPath, "Path to voice style table (.safetensors)")
	fs.String("paths-tokens-path", defaults.Paths.TokensPath, "Path to tokens.txt symbol table or SentencePiece .model")
	fs.String("paths-data-dir", defaults.Paths.DataDir, "Auxiliary model data directory")
	fs.String("paths-output-dir", defaults.Paths.OutputDir, "Scratch directory for per-request WAV artifacts")
	fs.Int("runtime-threads", defaults.Runtime.Threads, "ONNX Runtime intra-op thread count")
	fs.String("runtime-ort-library-path", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.String("runtime-ort-version", defaults.Runtime.ORTVersion, "Expected ONNX Runtime version")
	fs.Uint32("runtime-ort-api-version", defaults.Runtime.ORTAPIVersion, "ONNX Runtime C API version expected by the purego binding")
	fs.String("synthesis-backend", defaults.Synthesis.Backend, "Inference backend (native-onnx|native-safetensors)")
	fs.Float64("synthesis-length-scale", defaults.Synthesis.LengthScale, "Default speech length scale")
	fs.Int("synthesis-sample-rate", defaults.Synthesis.SampleRate, "Output sample rate in Hz")
	fs.Int("synthesis-embed-dim", defaults.Synthesis.EmbedDim, "Text encoder embedding width")
	fs.Int("synthesis-semantic-dim", defaults.Synthesis.SemanticDim, "Semantic conditioning width")
	fs.Int("synthesis-coarse-vocab", defaults.Synthesis.CoarseVocab, "Coarse acoustic code vocabulary size")
	fs.Int("synthesis-fine-vocab", defaults.Synthesis.FineVocab, "Fine acoustic code vocabulary size")
	fs.Int("synthesis-max-tokens", defaults.Synthesis.MaxTokens, "Maximum tokens per request (0 = unlimited)")
	fs.Int("synthesis-hop-length", defaults.Synthesis.HopLength, "Samples emitted per fine code at length scale 1.0")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.Int("server-workers", defaults.Server.Workers, "Max concurrent synthesis requests")
	fs.Int("server-max-text-bytes", defaults.Server.MaxTextBytes, "Maximum request text size in bytes")
	fs.Int("server-request-timeout", defaults.Server.RequestTimeout, "Per-request synthesis timeout in seconds")
	fs.Int("server-shutdown-timeout", defaults.Server.ShutdownTimeout, "Graceful shutdown drain period in seconds")
	fs.String("bus-url", defaults.Bus.URL, "NATS server URL for the request/reply worker")
	fs.Bool("bus-embedded", defaults.Bus.Embedded, "Start an embedded NATS server with JetStream")
	fs.Int("bus-port", defaults.Bus.Port, "Embedded NATS server port")
	fs.String("bus-store-dir", defaults.Bus.StoreDir, "Embedded NATS JetStream storage directory")
	fs.String("bus-subject", defaults.Bus.Subject, "NATS subject for synthesis requests")
	fs.String("bus-bucket", defaults.Bus.Bucket, "JetStream object store bucket for audio artifacts")
	fs.String("telemetry-service-name", defaults.Telemetry.ServiceName, "OpenTelemetry service name")
	fs.String("telemetry-traces", defaults.Telemetry.Traces, "Trace exporter (none|stdout|otlp)")
	fs.String("telemetry-otlp-endpoint", defaults.Telemetry.OTLPEndpoint, "OTLP gRPC endpoint for traces")
	fs.Bool("telemetry-otlp-insecure", defaults.Telemetry.OTLPInsecure, "Disable TLS for the OTLP exporter")
	fs.Bool("telemetry-metrics", defaults.Telemetry.Metrics, "Expose Prometheus metrics on /metrics")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("VOICEGEN")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("runtime.ort_library_path", "VOICEGEN_RUNTIME_ORT_LIBRARY_PATH", "VOICEGEN_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("voicegen")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.model_path", c.Paths.ModelPath)
	v.SetDefault("paths.voices_path", c.Paths.VoicesPath)
	v.SetDefault("paths.tokens_path", c.Paths.TokensPath)
	v.SetDefault("paths.data_dir", c.Paths.DataDir)
	v.SetDefault("paths.output_dir", c.Paths.OutputDir)
	v.SetDefault("runtime.threads", c.Runtime.Threads)
	v.SetDefault("runtime.ort_library_path", c.Runtime.ORTLibraryPath)
	v.SetDefault("runtime.ort_version", c.Runtime.ORTVersion)
	v.SetDefault("runtime.ort_api_version", c.Runtime.ORTAPIVersion)
	v.SetDefault("synthesis.backend", c.Synthesis.Backend)
	v.SetDefault("synthesis.length_scale", c.Synthesis.LengthScale)
	v.SetDefault("synthesis.sample_rate", c.Synthesis.SampleRate)
	v.SetDefault("synthesis.embed_dim", c.Synthesis.EmbedDim)
	v.SetDefault("synthesis.semantic_dim", c.Synthesis.SemanticDim)
	v.SetDefault("synthesis.coarse_vocab", c.Synthesis.CoarseVocab)
	v.SetDefault("synthesis.fine_vocab", c.Synthesis.FineVocab)
	v.SetDefault("synthesis.max_tokens", c.Synthesis.MaxTokens)
	v.SetDefault("synthesis.hop_length", c.Synthesis.HopLength)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.workers", c.Server.Workers)
	v.SetDefault("server.max_text_bytes", c.Server.MaxTextBytes)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("bus.url", c.Bus.URL)
	v.SetDefault("bus.embedded", c.Bus.Embedded)
	v.SetDefault("bus.port", c.Bus.Port)
	v.SetDefault("bus.store_dir", c.Bus.StoreDir)
	v.SetDefault("bus.subject", c.Bus.Subject)
	v.SetDefault("bus.bucket", c.Bus.Bucket)
	v.SetDefault("telemetry.service_name", c.Telemetry.ServiceName)
	v.SetDefault("telemetry.traces", c.Telemetry.Traces)
	v.SetDefault("telemetry.otlp_endpoint", c.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.otlp_insecure", c.Telemetry.OTLPInsecure)
	v.SetDefault("telemetry.metrics", c.Telemetry.Metrics)
	v.SetDefault("log_level", c.LogLevel)
}

// flagKeys maps each registered flag onto its nested config key so flag,
// env and config file values all land in the same mapstructure field.
var flagKeys = map[string]string{
	"paths-model-path":         "paths.model_path",
	"paths-voices-path":        "paths.voices_path",
	"paths-tokens-path":        "paths.tokens_path",
	"paths-data-dir":           "paths.data_dir",
	"paths-output-dir":         "paths.output_dir",
	"runtime-threads":          "runtime.threads",
	"runtime-ort-library-path": "runtime.ort_library_path",
	"runtime-ort-version":      "runtime.ort_version",
	"runtime-ort-api-version":  "runtime.ort_api_version",
	"synthesis-backend":        "synthesis.backend",
	"synthesis-length-scale":   "synthesis.length_scale",
	"synthesis-sample-rate":    "synthesis.sample_rate",
	"synthesis-embed-dim":      "synthesis.embed_dim",
	"synthesis-semantic-dim":   "synthesis.semantic_dim",
	"synthesis-coarse-vocab":   "synthesis.coarse_vocab",
	"synthesis-fine-vocab":     "synthesis.fine_vocab",
	"synthesis-max-tokens":     "synthesis.max_tokens",
	"synthesis-hop-length":     "synthesis.hop_length",
	"server-listen-addr":       "server.listen_addr",
	"server-workers":           "server.workers",
	"server-max-text-bytes":    "server.max_text_bytes",
	"server-request-timeout":   "server.request_timeout",
	"server-shutdown-timeout":  "server.shutdown_timeout",
	"bus-url":                  "bus.url",
	"bus-embedded":             "bus.embedded",
	"bus-port":                 "bus.port",
	"bus-store-dir":            "bus.store_dir",
	"bus-subject":              "bus.subject",
	"bus-bucket":               "bus.bucket",
	"telemetry-service-name":   "telemetry.service_name",
	"telemetry-traces":         "telemetry.traces",
	"telemetry-otlp-endpoint":  "telemetry.otlp_endpoint",
	"telemetry-otlp-insecure":  "telemetry.otlp_insecure",
	"telemetry-metrics":        "telemetry.metrics",
	"log-level":                "log_level",
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	return nil
}
