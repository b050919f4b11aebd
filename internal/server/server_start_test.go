package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/example/voicegen/internal/config"
	"github.com/example/voicegen/internal/tts"
)

type nopSynthesizer struct{}

func (nopSynthesizer) Synthesize(context.Context, tts.Request) (*tts.Artifact, error) {
	return nil, tts.ErrInvalidText
}

func freeAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	addr := ln.Addr().String()
	_ = ln.Close()

	return addr
}

func TestStart_LifecycleHealthAndShutdown(t *testing.T) {
	addr := freeAddr(t)

	cfg := config.DefaultConfig()
	cfg.Server.ListenAddr = addr

	s := New(cfg, nopSynthesizer{}).WithShutdownTimeout(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Start(ctx)
	}()

	client := &http.Client{Timeout: 2 * time.Second}

	var (
		resp *http.Response
		err  error
	)
	for range 50 {
		resp, err = client.Get(fmt.Sprintf("http://%s/health", addr))
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never became ready: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode /health: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q; want ok", body["status"])
	}

	if err := CheckHealth(context.Background(), addr); err != nil {
		t.Errorf("CheckHealth: %v", err)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Start() returned error on shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return within 5s of context cancel")
	}
}

func TestStart_RequiresSynthesizer(t *testing.T) {
	if err := New(config.DefaultConfig(), nil).Start(context.Background()); err == nil {
		t.Fatal("expected error without synthesizer")
	}
}

func TestStart_ListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := config.DefaultConfig()
	cfg.Server.ListenAddr = ln.Addr().String()

	if err := New(cfg, nopSynthesizer{}).Start(context.Background()); err == nil {
		t.Fatal("expected error when the port is taken")
	}
}

func TestCheckHealth_Unreachable(t *testing.T) {
	if err := CheckHealth(context.Background(), freeAddr(t)); err == nil {
		t.Fatal("expected error probing a closed port")
	}
}

func TestServerHandler_UsesConfiguredLimits(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.MaxTextBytes = 3

	h := New(cfg, nopSynthesizer{}).Handler()

	rec := newRecorderPost(h, `{"text":"four","speaker_id":0}`)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("want 413, got %d", rec.Code)
	}
}
