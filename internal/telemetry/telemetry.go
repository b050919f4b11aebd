package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/example/voicegen/internal/config"
)

// Telemetry owns the process-wide trace and meter providers.
type Telemetry struct {
	// MetricsHandler serves the Prometheus exposition. Nil when metrics are
	// disabled.
	MetricsHandler http.Handler

	shutdowns []func(context.Context) error
}

// Setup installs global OpenTelemetry providers for cfg. Call Shutdown on
// exit to flush exporters.
func Setup(ctx context.Context, cfg config.TelemetryConfig, version string, logger *slog.Logger) (*Telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
			attribute.String("voicegen.traces", cfg.Traces),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	t := &Telemetry{}

	tp, err := newTracerProvider(ctx, cfg, res, logger)
	if err != nil {
		return nil, err
	}

	if tp != nil {
		otel.SetTracerProvider(tp)
		t.shutdowns = append(t.shutdowns, tp.Shutdown)
	}

	if cfg.Metrics {
		mp, handler, err := newMeterProvider(res)
		if err != nil {
			_ = t.Shutdown(ctx)
			return nil, err
		}

		otel.SetMeterProvider(mp)
		t.MetricsHandler = handler
		t.shutdowns = append(t.shutdowns, mp.Shutdown)
	}

	return t, nil
}

func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Traces)) {
	case "", config.TracesNone:
		return nil, nil
	case config.TracesStdout:
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}

		logger.Info("telemetry initialized", slog.String("exporter", "stdout"))

		return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res)), nil
	case config.TracesOTLP:
		var opts []otlptracegrpc.Option
		if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))
		}

		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}

		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}

		logger.Info("telemetry initialized", slog.String("exporter", "otlp"), slog.String("endpoint", cfg.OTLPEndpoint))

		return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res)), nil
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Traces)
	}
}

// newMeterProvider exports through a private registry so repeated setups in
// one process do not collide on the default registerer.
func newMeterProvider(res *resource.Resource) (*sdkmetric.MeterProvider, http.Handler, error) {
	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	return mp, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// Shutdown flushes and stops every provider Setup installed.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	var errs []error
	for i := len(t.shutdowns) - 1; i >= 0; i-- {
		if err := t.shutdowns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.shutdowns = nil

	return errors.Join(errs...)
}
