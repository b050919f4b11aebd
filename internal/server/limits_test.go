package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/voicegen/internal/server"
	"github.com/example/voicegen/internal/tts"
)

// ---------------------------------------------------------------------------
// Request validation and limits
// ---------------------------------------------------------------------------

func TestGenerate_OversizedTextRejectedAs413(t *testing.T) {
	stub := newStub(t)
	h := server.NewHandler(stub, server.WithMaxTextBytes(10))

	rec := postGenerate(t, h, `{"text":"`+strings.Repeat("x", 11)+`","speaker_id":0}`)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("want 413, got %d", rec.Code)
	}

	decodeError(t, rec)

	if stub.calls.Load() != 0 {
		t.Fatal("synthesizer called for oversized text")
	}
}

func TestGenerate_OversizedBodyRejectedAs413(t *testing.T) {
	h := server.NewHandler(newStub(t), server.WithMaxTextBytes(10))

	padding := strings.Repeat(" ", 4096)
	rec := postGenerate(t, h, `{"text":"hi",`+padding+`"speaker_id":0}`)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("want 413, got %d", rec.Code)
	}
}

func TestGenerate_TextAtExactLimitIsAccepted(t *testing.T) {
	h := server.NewHandler(newStub(t), server.WithMaxTextBytes(5))

	rec := postGenerate(t, h, `{"text":"hello","speaker_id":0}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200 for exactly-limit text, got %d", rec.Code)
	}
}

func TestGenerate_RequestTimeoutCancelsInFlight(t *testing.T) {
	stub := newStub(t)
	stub.fn = func(ctx context.Context, _ tts.Request) error {
		<-ctx.Done()
		return ctx.Err()
	}
	h := server.NewHandler(stub, server.WithRequestTimeout(20*time.Millisecond))

	rec := postGenerate(t, h, `{"text":"Hello.","speaker_id":0}`)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("want 504 on timeout, got %d", rec.Code)
	}

	if body := decodeError(t, rec); body["kind"] != string(tts.KindTimeout) {
		t.Errorf("kind = %q, want timeout", body["kind"])
	}
}

func TestGenerate_ZeroLimitsFallBackToSafeBehaviour(t *testing.T) {
	stub := newStub(t)
	stub.fn = func(ctx context.Context, _ tts.Request) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("zero request timeout should not set a deadline")
		}
		return nil
	}
	h := server.NewHandler(stub, server.WithMaxTextBytes(0), server.WithRequestTimeout(0))

	rec := postGenerate(t, h, `{"text":"Hello world","speaker_id":0}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = postGenerate(t, h, `{"text":"`+strings.Repeat("x", 4097)+`","speaker_id":0}`)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("default text limit should still apply, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Worker pool / concurrency throttling
// ---------------------------------------------------------------------------

func TestGenerate_ConcurrencyThrottling(t *testing.T) {
	const workers = 2
	const totalRequests = 5

	var (
		mu         sync.Mutex
		peak       int
		current    int32
		releaseAll = make(chan struct{})
	)

	stub := newStub(t)
	stub.fn = func(context.Context, tts.Request) error {
		n := int(atomic.AddInt32(&current, 1))
		defer atomic.AddInt32(&current, -1)

		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		<-releaseAll

		return nil
	}

	h := server.NewHandler(stub, server.WithWorkers(workers))

	var wg sync.WaitGroup

	codes := make([]int, totalRequests)
	for i := range totalRequests {
		wg.Add(1)

		go func() {
			defer wg.Done()
			codes[i] = postGenerate(t, h, `{"text":"Hi.","speaker_id":1}`).Code
		}()
	}

	// Give goroutines time to enter the synthesizer.
	time.Sleep(50 * time.Millisecond)
	close(releaseAll)
	wg.Wait()

	mu.Lock()
	got := peak
	mu.Unlock()

	if got > workers {
		t.Errorf("peak concurrency %d exceeded worker limit %d", got, workers)
	}

	for i, code := range codes {
		if code != http.StatusOK {
			t.Errorf("request %d: want 200, got %d", i, code)
		}
	}
}

func TestGenerate_WaiterCancelledWhileThrottled(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})

	stub := newStub(t)
	stub.fn = func(ctx context.Context, _ tts.Request) error {
		close(entered)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	h := server.NewHandler(stub, server.WithWorkers(1))

	done := make(chan struct{})
	go func() {
		defer close(done)
		postGenerate(t, h, `{"text":"First.","speaker_id":0}`)
	}()

	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(`{"text":"Second.","speaker_id":0}`)).WithContext(ctx)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("want 503 when waiter context cancelled, got %d", rec.Code)
	}

	close(release)
	<-done
}
