package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/example/voicegen/internal/config"
	"github.com/example/voicegen/internal/tts"
)

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// Synthesizer runs one synthesis request and returns the written artifact.
// *tts.Service satisfies it.
type Synthesizer interface {
	Synthesize(ctx context.Context, req tts.Request) (*tts.Artifact, error)
}

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	maxTextBytes   int
	workers        int
	requestTimeout time.Duration
	logger         *slog.Logger
	settings       any
	metrics        http.Handler
}

func defaultOptions() options {
	return options{
		maxTextBytes:   4096,
		workers:        2,
		requestTimeout: 60 * time.Second,
		logger:         slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxTextBytes sets the maximum allowed text length in bytes for POST /generate.
// Zero or less keeps the default limit.
func WithMaxTextBytes(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxTextBytes = n
		}
	}
}

// WithWorkers sets the maximum number of concurrent synthesis calls.
// Zero or less disables throttling.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithRequestTimeout sets the per-request synthesis deadline. Zero or less
// leaves requests bounded only by the client connection.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSettings sets the value GET /settings reports.
func WithSettings(v any) Option {
	return func(o *options) { o.settings = v }
}

// WithMetricsHandler mounts h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *options) { o.metrics = h }
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

// handler holds the dependencies needed to serve HTTP requests.
type handler struct {
	synth Synthesizer
	opts  options
	sem   chan struct{} // semaphore for worker pool
	log   *slog.Logger
}

// NewHandler returns an http.Handler that serves /, /health, /voices,
// /settings, /metrics (when configured) and POST /generate.
func NewHandler(synth Synthesizer, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{
		synth: synth,
		opts:  opts,
		log:   opts.logger.With(slog.String("component", "http")),
	}
	if opts.workers > 0 {
		h.sem = make(chan struct{}, opts.workers)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleWelcome)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /voices", h.handleVoices)
	mux.HandleFunc("GET /settings", h.handleSettings)
	mux.HandleFunc("POST /generate", h.handleGenerate)
	if opts.metrics != nil {
		mux.Handle("GET /metrics", opts.metrics)
	}

	return mux
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// Version reports the module version embedded at build time.
func Version() string {
	return buildVersion()
}

func (h *handler) handleWelcome(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "Welcome to voicegen. POST JSON {\"text\": ..., \"speaker_id\": ...} to /generate.\n")
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": buildVersion(),
	})
}

func (h *handler) handleVoices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, tts.Voices())
}

func (h *handler) handleSettings(w http.ResponseWriter, _ *http.Request) {
	if h.opts.settings == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, h.opts.settings)
}

func (h *handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	// JSON escaping can inflate text up to 6x; leave headroom for the
	// other fields.
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.opts.maxTextBytes)*6+1024)

	var req tts.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", tts.KindBadRequest)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), tts.KindBadRequest)
		return
	}

	if len(req.Text) > h.opts.maxTextBytes {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("text exceeds maximum size of %d bytes", h.opts.maxTextBytes), tts.KindBadRequest)
		return
	}

	// Acquire a worker slot, honouring context cancellation while waiting.
	if h.sem != nil {
		select {
		case h.sem <- struct{}{}:
		case <-r.Context().Done():
			writeError(w, http.StatusServiceUnavailable, "request cancelled while waiting for worker", tts.KindTimeout)
			return
		}
		defer func() { <-h.sem }()
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if h.opts.requestTimeout > 0 {
		ctx, cancel = context.WithTimeout(r.Context(), h.opts.requestTimeout)
	} else {
		ctx, cancel = context.WithCancel(r.Context())
	}
	defer cancel()

	start := time.Now()
	artifact, err := h.synth.Synthesize(ctx, req)
	durationMS := time.Since(start).Milliseconds()

	attrs := []any{
		slog.Int("speaker_id", req.SpeakerID),
		slog.Int("text_len", len(req.Text)),
		slog.Int64("duration_ms", durationMS),
	}

	if err != nil {
		kind := tts.Classify(err)
		attrs = append(attrs, slog.String("kind", string(kind)), slog.String("error", err.Error()))

		switch kind {
		case tts.KindBadRequest:
			h.log.InfoContext(r.Context(), "synthesis rejected", attrs...)
			writeError(w, http.StatusBadRequest, err.Error(), kind)
		case tts.KindTimeout:
			h.log.WarnContext(r.Context(), "synthesis timed out", attrs...)
			writeError(w, http.StatusGatewayTimeout, "synthesis timed out", kind)
		default:
			h.log.ErrorContext(r.Context(), "synthesis failed", attrs...)
			writeError(w, http.StatusInternalServerError, err.Error(), kind)
		}
		return
	}

	f, err := os.Open(artifact.Path)
	if err != nil {
		h.log.ErrorContext(r.Context(), "artifact unreadable", append(attrs, slog.String("error", err.Error()))...)
		writeError(w, http.StatusInternalServerError, "artifact unreadable", tts.KindInternal)
		return
	}
	defer func() { _ = f.Close() }()

	h.log.InfoContext(r.Context(), "synthesis complete",
		append(attrs,
			slog.String("request_id", artifact.ID.String()),
			slog.String("voice", artifact.Voice),
			slog.Int("num_samples", artifact.NumSamples),
		)...,
	)

	if info, err := f.Stat(); err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("X-Request-Id", artifact.ID.String())
	w.Header().Set("X-Sample-Rate", strconv.Itoa(artifact.SampleRate))
	w.Header().Set("X-Voice", artifact.Voice)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, f)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, kind tts.Kind) {
	writeJSON(w, status, map[string]string{"error": msg, "kind": string(kind)})
}

// ---------------------------------------------------------------------------
// Server wires the handler into net/http.Server with graceful shutdown
// ---------------------------------------------------------------------------

// Server wires the HTTP handler into a net/http.Server with graceful shutdown.
type Server struct {
	cfg             config.Config
	synth           Synthesizer
	opts            []Option
	shutdownTimeout time.Duration
}

func New(cfg config.Config, synth Synthesizer, opts ...Option) *Server {
	return &Server{
		cfg:             cfg,
		synth:           synth,
		opts:            opts,
		shutdownTimeout: time.Duration(cfg.Server.ShutdownTimeout) * time.Second,
	}
}

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

// Handler builds the HTTP handler from the server configuration.
func (s *Server) Handler() http.Handler {
	handlerOpts := []Option{
		WithWorkers(s.cfg.Server.Workers),
		WithMaxTextBytes(s.cfg.Server.MaxTextBytes),
		WithRequestTimeout(time.Duration(s.cfg.Server.RequestTimeout) * time.Second),
		WithSettings(s.cfg),
	}

	return NewHandler(s.synth, append(handlerOpts, s.opts...)...)
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	if s.synth == nil {
		return errors.New("server: synthesizer is required")
	}

	httpServer := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http listen: %w", err)
	}
}

// CheckHealth checks GET /health on addr.
func CheckHealth(ctx context.Context, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}
	return nil
}
