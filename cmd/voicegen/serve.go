package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/voicegen/internal/bus"
	"github.com/example/voicegen/internal/config"
	"github.com/example/voicegen/internal/objectstore"
	"github.com/example/voicegen/internal/server"
	"github.com/example/voicegen/internal/telemetry"
	"github.com/example/voicegen/internal/tts"
	"github.com/example/voicegen/internal/worker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and, when configured, the NATS worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cfg, slog.Default())
		},
	}
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger) (err error) {
	tel, err := telemetry.Setup(ctx, cfg.Telemetry, server.Version(), logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = errors.Join(err, tel.Shutdown(shutdownCtx))
	}()

	svc, err := tts.NewService(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	opts := []server.Option{server.WithLogger(logger)}
	if tel.MetricsHandler != nil {
		opts = append(opts, server.WithMetricsHandler(tel.MetricsHandler))
	}

	if bus.Enabled(cfg.Bus) {
		stopWorker, werr := startWorker(ctx, cfg, svc, logger)
		if werr != nil {
			return werr
		}
		defer func() { err = errors.Join(err, stopWorker()) }()
	}

	srv := server.New(cfg, svc, opts...).
		WithShutdownTimeout(time.Duration(cfg.Server.ShutdownTimeout) * time.Second)

	return srv.Start(ctx)
}

// startWorker brings up the broker connection, bucket and worker. The
// returned func stops them in reverse order.
func startWorker(ctx context.Context, cfg config.Config, synth worker.Synthesizer, logger *slog.Logger) (func() error, error) {
	embedded, err := bus.StartEmbedded(cfg.Bus, logger)
	if err != nil {
		return nil, err
	}

	nc, err := bus.Connect(cfg.Bus, embedded, logger)
	if err != nil {
		embedded.Shutdown()
		return nil, err
	}

	cleanup := func() {
		nc.Close()
		embedded.Shutdown()
	}

	js, err := nc.JetStream()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	store, err := objectstore.New(js, cfg.Bus.Bucket)
	if err != nil {
		cleanup()
		return nil, err
	}

	w, err := worker.New(nc, cfg.Bus.Subject, synth, store, worker.Options{
		Workers:        cfg.Server.Workers,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeout) * time.Second,
		Logger:         logger,
	})
	if err != nil {
		cleanup()
		return nil, err
	}

	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(workerCtx) }()

	return func() error {
		cancel()
		err := <-done
		cleanup()
		return err
	}, nil
}
