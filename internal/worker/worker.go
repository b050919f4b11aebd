// Package worker serves synthesis requests arriving over NATS request/reply.
// Audio lands in an object store bucket and the reply carries its key.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/example/voicegen/internal/tts"
)

// QueueGroup spreads requests across every worker subscribed to a subject.
const QueueGroup = "voicegen"

const defaultDrainTimeout = 30 * time.Second

// Synthesizer produces one artifact per request.
type Synthesizer interface {
	Synthesize(ctx context.Context, req tts.Request) (*tts.Artifact, error)
}

// ObjectStore receives finished artifacts.
type ObjectStore interface {
	UploadFile(ctx context.Context, key, path string) error
}

// Reply is the JSON body sent back to the requester.
type Reply struct {
	RequestID  string `json:"request_id,omitempty"`
	AudioKey   string `json:"audio_key,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	NumSamples int    `json:"num_samples,omitempty"`
	Voice      string `json:"voice,omitempty"`
	Error      string `json:"error,omitempty"`
	Kind       string `json:"kind,omitempty"`
}

// Options tune a Worker. Zero values pick defaults.
type Options struct {
	Workers        int
	RequestTimeout time.Duration
	KeepLocal      bool
	// DrainTimeout bounds how long Run waits for queued messages on stop.
	DrainTimeout time.Duration
	Logger       *slog.Logger
}

// Worker subscribes to a subject and answers each request.
type Worker struct {
	conn    *nats.Conn
	subject string
	synth   Synthesizer
	store   ObjectStore
	opts    Options
	log     *slog.Logger

	sem chan struct{}

	// mu orders inflight.Add against the closed flag so no request is
	// added once Run has started waiting.
	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// New builds a Worker. It does not subscribe until Run.
func New(conn *nats.Conn, subject string, synth Synthesizer, store ObjectStore, opts Options) (*Worker, error) {
	switch {
	case conn == nil:
		return nil, errors.New("worker: nats connection is required")
	case subject == "":
		return nil, errors.New("worker: subject is required")
	case synth == nil:
		return nil, errors.New("worker: synthesizer is required")
	case store == nil:
		return nil, errors.New("worker: object store is required")
	}

	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Worker{
		conn:    conn,
		subject: subject,
		synth:   synth,
		store:   store,
		opts:    opts,
		log:     log.With(slog.String("component", "worker"), slog.String("subject", subject)),
		sem:     make(chan struct{}, opts.Workers),
	}, nil
}

// Run serves until ctx is cancelled, then drains the subscription and waits
// for in-flight requests.
func (w *Worker) Run(ctx context.Context) error {
	sub, err := w.conn.QueueSubscribe(w.subject, QueueGroup, func(msg *nats.Msg) {
		w.dispatch(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", w.subject, err)
	}
	if err := w.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription: %w", err)
	}

	w.log.Info("worker listening", slog.String("queue", QueueGroup), slog.Int("workers", w.opts.Workers))

	<-ctx.Done()

	drainErr := sub.Drain()
	waitDrained(sub, w.opts.DrainTimeout)

	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.inflight.Wait()

	if drainErr != nil {
		return fmt.Errorf("drain subscription: %w", drainErr)
	}

	return nil
}

// waitDrained polls until the drained subscription has delivered its last
// callback or limit passes. Callbacks still queued after that are refused
// by dispatch.
func waitDrained(sub *nats.Subscription, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for sub.IsValid() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}

// dispatch blocks the subscription callback until a slot is free, which
// keeps at most Workers requests running.
func (w *Worker) dispatch(ctx context.Context, msg *nats.Msg) {
	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		w.respond(msg, Reply{Error: "worker shutting down", Kind: string(tts.KindTimeout)})
		return
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.sem
		w.respond(msg, Reply{Error: "worker shutting down", Kind: string(tts.KindTimeout)})
		return
	}
	w.inflight.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.inflight.Done()
		defer func() { <-w.sem }()

		w.respond(msg, w.handle(msg.Data))
	}()
}

func (w *Worker) handle(data []byte) Reply {
	var req tts.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Reply{Error: fmt.Sprintf("invalid request: %v", err), Kind: string(tts.KindBadRequest)}
	}

	ctx := context.Background()
	if w.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.RequestTimeout)
		defer cancel()
	}

	start := time.Now()

	art, err := w.synth.Synthesize(ctx, req)
	if err != nil {
		kind := tts.Classify(err)
		w.log.Warn("synthesis failed",
			slog.Int("speaker_id", req.SpeakerID),
			slog.String("kind", string(kind)),
			slog.String("stage", tts.StageOf(err)),
			slog.String("error", err.Error()))

		return Reply{Error: err.Error(), Kind: string(kind)}
	}

	key := art.FileName()
	if err := w.store.UploadFile(ctx, key, art.Path); err != nil {
		w.log.Error("upload failed",
			slog.String("request_id", art.ID.String()),
			slog.String("error", err.Error()))

		return Reply{RequestID: art.ID.String(), Error: err.Error(), Kind: string(tts.Classify(err))}
	}

	if !w.opts.KeepLocal {
		if err := os.Remove(art.Path); err != nil {
			w.log.Warn("remove local artifact", slog.String("path", art.Path), slog.String("error", err.Error()))
		}
	}

	w.log.Info("request served",
		slog.String("request_id", art.ID.String()),
		slog.Int("speaker_id", req.SpeakerID),
		slog.String("voice", art.Voice),
		slog.Int("text_len", len(req.Text)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))

	return Reply{
		RequestID:  art.ID.String(),
		AudioKey:   key,
		SampleRate: art.SampleRate,
		NumSamples: art.NumSamples,
		Voice:      art.Voice,
	}
}

func (w *Worker) respond(msg *nats.Msg, reply Reply) {
	if msg.Reply == "" {
		return
	}

	data, err := json.Marshal(reply)
	if err != nil {
		w.log.Error("marshal reply", slog.String("error", err.Error()))
		return
	}

	if err := msg.Respond(data); err != nil {
		w.log.Error("publish reply", slog.String("error", err.Error()))
	}
}
