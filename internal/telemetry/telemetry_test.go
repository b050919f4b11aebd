package telemetry

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/example/voicegen/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSetup_MetricsHandlerExposesInstruments(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig().Telemetry

	tel, err := Setup(ctx, cfg, "test", discardLogger())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer func() { _ = tel.Shutdown(ctx) }()

	if tel.MetricsHandler == nil {
		t.Fatal("expected metrics handler")
	}

	counter, err := otel.Meter("telemetry-test").Int64Counter("voicegen_test_events")
	if err != nil {
		t.Fatalf("Int64Counter: %v", err)
	}
	counter.Add(ctx, 3)

	rec := httptest.NewRecorder()
	tel.MetricsHandler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	if body := rec.Body.String(); !strings.Contains(body, "voicegen_test_events") {
		t.Fatalf("metrics body missing counter:\n%s", body)
	}
}

func TestSetup_RepeatedSetupDoesNotCollide(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig().Telemetry

	for range 2 {
		tel, err := Setup(ctx, cfg, "test", discardLogger())
		if err != nil {
			t.Fatalf("Setup: %v", err)
		}
		if err := tel.Shutdown(ctx); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	}
}

func TestSetup_MetricsDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig().Telemetry
	cfg.Metrics = false

	tel, err := Setup(ctx, cfg, "test", discardLogger())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	if tel.MetricsHandler != nil {
		t.Fatal("metrics handler should be nil when metrics are disabled")
	}

	if err := tel.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestSetup_StdoutTraces(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig().Telemetry
	cfg.Traces = config.TracesStdout
	cfg.Metrics = false

	tel, err := Setup(ctx, cfg, "test", discardLogger())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	if err := tel.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestSetup_UnknownExporter(t *testing.T) {
	cfg := config.DefaultConfig().Telemetry
	cfg.Traces = "zipkin"

	if _, err := Setup(context.Background(), cfg, "test", discardLogger()); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestShutdown_NilSafe(t *testing.T) {
	var tel *Telemetry
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown on nil: %v", err)
	}
}
