package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/voicegen/internal/audio"
	"github.com/example/voicegen/internal/config"
	"github.com/example/voicegen/internal/native"
	"github.com/example/voicegen/internal/onnx"
	"github.com/example/voicegen/internal/tokenizer"
)

const instrumentationName = "github.com/example/voicegen/internal/tts"

// Request is one synthesis call. A zero LengthScale selects the configured
// default.
type Request struct {
	Text        string  `json:"text"`
	SpeakerID   int     `json:"speaker_id"`
	LengthScale float64 `json:"length_scale,omitempty"`
}

// Deps are the collaborators a Service is assembled from.
type Deps struct {
	Engine    Inference
	Tokenizer tokenizer.Tokenizer
	Styles    *VoiceStyles // optional
	Fine      FineStage    // optional, defaults to SinglePassFine
	Logger    *slog.Logger
	Close     func() // releases Engine, optional
}

// Service is the synthesis session: it validates a request, drives the
// stages in order and persists exactly one artifact on success. It is built
// once and safe for concurrent use.
type Service struct {
	cfg       config.SynthesisConfig
	outputDir string

	engine    Inference
	tokenizer tokenizer.Tokenizer
	styles    *VoiceStyles
	encoder   *TextEncoder
	semantic  *SemanticSource
	coarse    *CoarseStage
	fine      FineStage
	closeFn   func()

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics serviceMetrics
	newID   func() uuid.UUID
}

// NewService loads the backend, tokenizer and voice styles named by cfg.
func NewService(cfg config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	engine, closeFn, err := openEngine(cfg, logger)
	if err != nil {
		return nil, err
	}

	tok, err := tokenizer.Open(cfg.Paths.TokensPath)
	if err != nil {
		closeFn()
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	var styles *VoiceStyles
	if cfg.Paths.VoicesPath != "" {
		styles, err = LoadVoiceStyles(cfg.Paths.VoicesPath)
		if err != nil {
			closeFn()
			return nil, fmt.Errorf("load voices: %w", err)
		}
	}

	svc, err := NewServiceWithDeps(cfg, Deps{
		Engine:    engine,
		Tokenizer: tok,
		Styles:    styles,
		Logger:    logger,
		Close:     closeFn,
	})
	if err != nil {
		closeFn()
		return nil, err
	}

	return svc, nil
}

// NewServiceWithDeps builds a Service from explicit collaborators.
func NewServiceWithDeps(cfg config.Config, deps Deps) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if deps.Engine == nil {
		return nil, errors.New("tts: engine is required")
	}

	if deps.Tokenizer == nil {
		return nil, errors.New("tts: tokenizer is required")
	}

	for _, graph := range []string{native.GraphTextEncoder, native.GraphCoarse, native.GraphFine} {
		if !deps.Engine.Has(graph) {
			return nil, fmt.Errorf("tts: engine has no %q graph: %w", graph, onnx.ErrGraphNotFound)
		}
	}

	if err := os.MkdirAll(cfg.Paths.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("tts: create output dir: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "tts"))

	dims := Dims{
		EmbedDim:    cfg.Synthesis.EmbedDim,
		SemanticDim: cfg.Synthesis.SemanticDim,
		CoarseVocab: cfg.Synthesis.CoarseVocab,
		FineVocab:   cfg.Synthesis.FineVocab,
	}

	fine := deps.Fine
	if fine == nil {
		fine = NewSinglePassFine(deps.Engine, dims)
	}

	closeFn := deps.Close
	if closeFn == nil {
		closeFn = func() {}
	}

	return &Service{
		cfg:       cfg.Synthesis,
		outputDir: cfg.Paths.OutputDir,
		engine:    deps.Engine,
		tokenizer: deps.Tokenizer,
		styles:    deps.Styles,
		encoder:   NewTextEncoder(deps.Engine, dims),
		semantic:  NewSemanticSource(deps.Engine, dims, logger),
		coarse:    NewCoarseStage(deps.Engine, dims),
		fine:      fine,
		closeFn:   closeFn,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		metrics:   newServiceMetrics(otel.Meter(instrumentationName), logger),
		newID:     uuid.New,
	}, nil
}

func openEngine(cfg config.Config, logger *slog.Logger) (Inference, func(), error) {
	backend, err := config.NormalizeBackend(cfg.Synthesis.Backend)
	if err != nil {
		return nil, nil, err
	}

	switch backend {
	case config.BackendNativeSafetensors:
		model, err := native.LoadModel(cfg.Paths.ModelPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load reference model: %w", err)
		}

		if err := CheckModelDims(model.Dims(), cfg.Synthesis); err != nil {
			model.Close()
			return nil, nil, err
		}

		engine := onnx.NewEngineWithRunners(model.Runners())
		logger.Info("reference backend loaded", slog.String("model", cfg.Paths.ModelPath))

		return engine, func() { engine.Close(); model.Close() }, nil
	default:
		sm, err := onnx.NewSessionManager(cfg.Paths.ModelPath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("load onnx manifest: %w", err)
		}

		rc, err := onnx.RunnerConfigFor(cfg.Runtime)
		if err != nil {
			return nil, nil, err
		}

		engine, err := onnx.NewEngine(sm, rc)
		if err != nil {
			return nil, nil, err
		}

		logger.Info("onnx backend loaded",
			slog.String("manifest", cfg.Paths.ModelPath),
			slog.String("ort_library", rc.LibraryPath),
			slog.Any("graphs", engine.Graphs()))

		return engine, engine.Close, nil
	}
}

// CheckModelDims reports every synthesis dimension the reference model
// disagrees with.
func CheckModelDims(got native.Dims, want config.SynthesisConfig) error {
	var errs []error

	check := func(name string, g, w int) {
		if g != w {
			errs = append(errs, fmt.Errorf("%s: model has %d, configured %d", name, g, w))
		}
	}

	check("embed_dim", got.EmbedDim, want.EmbedDim)
	check("semantic_dim", got.SemanticDim, want.SemanticDim)
	check("coarse_vocab", got.CoarseVocab, want.CoarseVocab)
	check("fine_vocab", got.FineVocab, want.FineVocab)

	if len(errs) > 0 {
		return fmt.Errorf("reference model does not match configuration: %w", errors.Join(errs...))
	}

	return nil
}

// Synthesize runs the full pipeline for req and returns the written
// artifact. Validation happens before any stage runs.
func (s *Service) Synthesize(ctx context.Context, req Request) (*Artifact, error) {
	start := time.Now()

	voice, scale, err := s.validate(req)
	if err != nil {
		s.metrics.finish(ctx, err, start)
		return nil, err
	}

	id := s.newID()
	logger := s.logger.With(
		slog.String("request_id", id.String()),
		slog.Int("speaker_id", req.SpeakerID),
		slog.String("voice", voice.Name),
		slog.Int("text_len", len(req.Text)),
	)

	ctx, span := s.tracer.Start(ctx, "tts.Synthesize", trace.WithAttributes(
		attribute.String("request_id", id.String()),
		attribute.String("voice", voice.Name),
	))
	defer span.End()

	artifact, err := s.run(ctx, id, voice, scale, req.Text, logger)
	s.metrics.finish(ctx, err, start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		logger.Error("synthesis failed",
			slog.String("stage", StageOf(err)),
			slog.String("kind", string(Classify(err))),
			slog.String("error", err.Error()))

		return nil, err
	}

	logger.Info("synthesis complete",
		slog.String("path", artifact.Path),
		slog.Int("num_samples", artifact.NumSamples),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))

	return artifact, nil
}

func (s *Service) validate(req Request) (Voice, float64, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Voice{}, 0, ErrInvalidText
	}

	voice, err := VoiceByID(req.SpeakerID)
	if err != nil {
		return Voice{}, 0, err
	}

	scale := req.LengthScale
	if scale == 0 {
		scale = s.cfg.LengthScale
	}

	if math.IsNaN(scale) || math.IsInf(scale, 0) || scale <= 0 {
		return Voice{}, 0, fmt.Errorf("%w: got %v", ErrInvalidLengthScale, req.LengthScale)
	}

	return voice, scale, nil
}

func (s *Service) run(ctx context.Context, id uuid.UUID, voice Voice, scale float64, text string, logger *slog.Logger) (*Artifact, error) {
	var (
		seq         tokenizer.Sequence
		textEmb     *onnx.Tensor
		semanticEmb *onnx.Tensor
		coarseCodes *onnx.Tensor
		fineCodes   *onnx.Tensor
		wave        audio.Waveform
	)

	err := s.stage(ctx, StageTokenize, func(context.Context) error {
		var err error
		seq, err = tokenizer.Tokenize(s.tokenizer, text, s.cfg.MaxTokens)
		return err
	})
	if err != nil {
		return nil, err
	}

	if seq.Truncated {
		logger.Warn("input truncated", slog.Int("max_tokens", s.cfg.MaxTokens))
	}

	err = s.stage(ctx, StageTextEncoder, func(ctx context.Context) error {
		var err error
		textEmb, err = s.encoder.Encode(ctx, seq)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = s.stage(ctx, StageSemantic, func(ctx context.Context) error {
		var err error
		semanticEmb, err = s.semantic.Conditioning(ctx, textEmb)
		return err
	})
	if err != nil {
		return nil, err
	}

	style, _ := s.styles.Style(voice.Name)

	err = s.stage(ctx, StageCoarse, func(ctx context.Context) error {
		logits, err := s.coarse.RunCoarse(ctx, textEmb, semanticEmb, style)
		if err != nil {
			return err
		}

		coarseCodes, err = onnx.ArgMaxLastAxis(logits)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = s.stage(ctx, StageFine, func(ctx context.Context) error {
		logits, err := s.fine.RunFine(ctx, coarseCodes)
		if err != nil {
			return err
		}

		if err := expectTensor(StageFine, native.OutputLogits, logits, onnx.DTypeFloat32,
			[]int64{1, int64(seq.Len()), int64(s.cfg.FineVocab)}); err != nil {
			return err
		}

		fineCodes, err = onnx.ArgMaxLastAxis(logits)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = s.stage(ctx, StageAssemble, func(context.Context) error {
		var err error
		wave, err = Assemble(fineCodes, s.cfg.SampleRate, scale, s.cfg.HopLength)
		if err == nil && len(wave.Samples) == 0 {
			err = errZeroLength
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	path := ArtifactPath(s.outputDir, id)

	err = s.stage(ctx, StageWrite, func(context.Context) error {
		return WriteArtifact(path, wave)
	})
	if err != nil {
		return nil, err
	}

	return &Artifact{
		ID:         id,
		Path:       path,
		SampleRate: wave.SampleRate,
		NumSamples: len(wave.Samples),
		Voice:      voice.Name,
	}, nil
}

// stage checks for cancellation, runs fn inside a span and wraps any
// failure in a StageError.
func (s *Service) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, span := s.tracer.Start(ctx, "tts."+name)
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		s.metrics.stageFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", name)))

		return &StageError{Stage: name, Err: err}
	}

	return nil
}

// SampleRate is the rate of every artifact this service writes.
func (s *Service) SampleRate() int { return s.cfg.SampleRate }

// OutputDir is where artifacts are written.
func (s *Service) OutputDir() string { return s.outputDir }

func (s *Service) Close() {
	s.closeFn()
}

type serviceMetrics struct {
	requests      metric.Int64Counter
	stageFailures metric.Int64Counter
	duration      metric.Float64Histogram
}

// newServiceMetrics creates the service instruments. An instrument the meter
// refuses is replaced by its no-op equivalent so recording never sees nil.
func newServiceMetrics(meter metric.Meter, logger *slog.Logger) serviceMetrics {
	fallback := noop.Meter{}
	warn := func(name string, err error) {
		logger.Warn("failed to create metric", slog.String("metric", name), slog.String("error", err.Error()))
	}

	requests, err := meter.Int64Counter("voicegen.synthesis.requests",
		metric.WithDescription("Synthesis requests by outcome"))
	if err != nil || requests == nil {
		if err != nil {
			warn("requests", err)
		}
		requests, _ = fallback.Int64Counter("voicegen.synthesis.requests")
	}

	failures, err := meter.Int64Counter("voicegen.synthesis.stage_failures",
		metric.WithDescription("Pipeline stage failures by stage"))
	if err != nil || failures == nil {
		if err != nil {
			warn("stage_failures", err)
		}
		failures, _ = fallback.Int64Counter("voicegen.synthesis.stage_failures")
	}

	duration, err := meter.Float64Histogram("voicegen.synthesis.duration",
		metric.WithDescription("End-to-end synthesis latency"),
		metric.WithUnit("s"))
	if err != nil || duration == nil {
		if err != nil {
			warn("duration", err)
		}
		duration, _ = fallback.Float64Histogram("voicegen.synthesis.duration")
	}

	return serviceMetrics{requests: requests, stageFailures: failures, duration: duration}
}

func (m serviceMetrics) finish(ctx context.Context, err error, start time.Time) {
	outcome := "ok"
	if err != nil {
		outcome = string(Classify(err))
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.requests.Add(ctx, 1, attrs)
	m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
}
