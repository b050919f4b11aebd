// Package bus starts the optional embedded NATS broker and opens client
// connections for the synthesis worker.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/example/voicegen/internal/config"
)

const readyTimeout = 5 * time.Second

// ErrDisabled is returned by Connect when neither a URL nor an embedded
// broker is configured.
var ErrDisabled = errors.New("bus: no url configured and embedded broker disabled")

// EmbeddedServer wraps an in-process NATS server with JetStream enabled.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Enabled reports whether cfg asks for a bus at all.
func Enabled(cfg config.BusConfig) bool {
	return cfg.URL != "" || cfg.Embedded
}

// StartEmbedded starts the in-process broker. It returns nil, nil when
// cfg.Embedded is false.
func StartEmbedded(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	if log == nil {
		log = slog.Default()
	}

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      cfg.Port,
		JetStream: true,
		StoreDir:  cfg.StoreDir,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start within %s", readyTimeout)
	}

	log.Info("embedded NATS server started",
		slog.String("url", ns.ClientURL()),
		slog.String("store_dir", cfg.StoreDir))

	return &EmbeddedServer{ns: ns, log: log}, nil
}

// ClientURL returns the address clients should dial.
func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

// Shutdown stops the broker and waits for it to exit. Safe on nil.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}

// Connect dials cfg.URL, falling back to the embedded broker's address.
func Connect(cfg config.BusConfig, embedded *EmbeddedServer, log *slog.Logger) (*nats.Conn, error) {
	url := cfg.URL
	if url == "" {
		url = embedded.ClientURL()
	}
	if url == "" {
		return nil, ErrDisabled
	}
	if log == nil {
		log = slog.Default()
	}

	nc, err := nats.Connect(url,
		nats.Name("voicegen"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	return nc, nil
}
