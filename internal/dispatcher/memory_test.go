package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"seedkeeper/internal/testutil"
	"seedkeeper/pkg/circuitbreaker"
	"seedkeeper/pkg/cloudevent"
)

func TestMemoryDispatcher_Dispatch(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(MemoryConfig{
		BufferSize:  100,
		Workers:     2,
		HTTPTimeout: 5 * time.Second,
	}, nil)

	event := &Event{
		Payload:     cloudevent.New("seedkeeper.seed.start", "seedkeeper", "item-1", "evt-1", nil),
		Destination: server.URL,
	}

	err := d.Dispatch(event)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	testutil.MustWaitFor(t, func() bool {
		return received.Load() >= 1
	}, testutil.WithTimeout(5*time.Second))

	if received.Load() != 1 {
		t.Errorf("expected 1 delivery, got %d", received.Load())
	}

	stats := d.Stats()
	if stats.Delivered != 1 {
		t.Errorf("expected 1 delivered, got %d", stats.Delivered)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.Close(ctx)
}

func TestMemoryDispatcher_BufferFull(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(MemoryConfig{
		BufferSize:  2,
		Workers:     1,
		HTTPTimeout: 5 * time.Second,
	}, nil)

	event := &Event{
		Payload:     cloudevent.New("seedkeeper.seed.start", "seedkeeper", "item-1", "evt-1", nil),
		Destination: server.URL,
	}

	for i := 0; i < 5; i++ {
		_ = d.Dispatch(event)
	}

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Dropped > 0 || d.Stats().Delivered > 0
	}, testutil.WithTimeout(5*time.Second))

	stats := d.Stats()
	if stats.Dropped == 0 {
		t.Error("expected some events to be dropped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.Close(ctx)
}

func TestMemoryDispatcher_Retry(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := attempts.Add(1)
		if count < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(MemoryConfig{
		BufferSize:  100,
		Workers:     1,
		HTTPTimeout: 5 * time.Second,
	}, nil)

	event := &Event{
		Payload:     cloudevent.New("seedkeeper.seed.start", "seedkeeper", "item-1", "evt-1", nil),
		Destination: server.URL,
	}

	d.Dispatch(event)

	testutil.MustWaitForCount(t, &attempts, int32(3), testutil.WithTimeout(5*time.Second), testutil.WithMessage("delivery attempts"))
	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Delivered >= 1
	}, testutil.WithTimeout(5*time.Second))

	if attempts.Load() < 3 {
		t.Errorf("expected at least 3 attempts, got %d", attempts.Load())
	}

	stats := d.Stats()
	if stats.Delivered != 1 {
		t.Errorf("expected 1 delivered, got %d", stats.Delivered)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.Close(ctx)
}

func TestMemoryDispatcher_NoRetryOn4xx(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	d := NewMemory(MemoryConfig{
		BufferSize:  100,
		Workers:     1,
		HTTPTimeout: 5 * time.Second,
	}, nil)

	event := &Event{
		Payload:     cloudevent.New("seedkeeper.seed.start", "seedkeeper", "item-1", "evt-1", nil),
		Destination: server.URL,
	}

	d.Dispatch(event)

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Failed >= 1
	}, testutil.WithTimeout(5*time.Second))

	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt (no retry on 4xx), got %d", attempts.Load())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.Close(ctx)
}

func TestMemoryDispatcher_OpenBreakerRequeues(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{Threshold: 1, Cooldown: time.Minute})
	d := NewMemory(MemoryConfig{
		BufferSize:  100,
		Workers:     1,
		HTTPTimeout: 5 * time.Second,
		Breakers:    breakers,
	}, nil)

	newEvent := func(id string) *Event {
		return &Event{
			Payload:     cloudevent.New("seedkeeper.seed.end", "seedkeeper", "item-1", id, nil),
			Destination: server.URL,
		}
	}

	d.Dispatch(newEvent("evt-1"))
	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Failed == 1
	}, testutil.WithTimeout(5*time.Second))

	sent := attempts.Load()
	if sent != defaultMaxRetries+1 {
		t.Errorf("expected %d attempts before the breaker opened, got %d", defaultMaxRetries+1, sent)
	}

	second := newEvent("evt-2")
	d.Dispatch(second)
	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Requeued == 1
	}, testutil.WithTimeout(5*time.Second), testutil.WithMessage("event requeued behind the open breaker"))

	if attempts.Load() != sent {
		t.Errorf("expected no request while the breaker is open, got %d more", attempts.Load()-sent)
	}
	stats := d.Stats()
	if stats.BreakersOpen != 1 {
		t.Errorf("expected 1 open breaker, got %d", stats.BreakersOpen)
	}
	if stats.Failed != 1 {
		t.Errorf("expected the requeued event not to count as failed, got %d", stats.Failed)
	}
	if second.Requeues != 1 {
		t.Errorf("expected Requeues=1, got %d", second.Requeues)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestMemoryDispatcher_MaxRequeuesDrops(t *testing.T) {
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{Threshold: 1, Cooldown: time.Minute})
	breakers.ForURL("http://sink.invalid/events").RecordFailure()

	d := NewMemory(MemoryConfig{BufferSize: 10, Workers: 1, Breakers: breakers}, nil)

	event := &Event{
		Payload:     cloudevent.New("seedkeeper.seed.end", "seedkeeper", "item-1", "evt-1", nil),
		Destination: "http://sink.invalid/events",
		Requeues:    defaultMaxRequeues,
	}
	d.Dispatch(event)

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Dropped == 1
	}, testutil.WithTimeout(5*time.Second))

	if got := d.Stats().Requeued; got != 0 {
		t.Errorf("expected no requeue past the limit, got %d", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.Close(ctx)
}

func TestMemoryDispatcher_ClientErrorKeepsBreakerClosed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{Threshold: 1, Cooldown: time.Minute})
	d := NewMemory(MemoryConfig{BufferSize: 10, Workers: 1, HTTPTimeout: 5 * time.Second, Breakers: breakers}, nil)

	for _, id := range []string{"evt-1", "evt-2"} {
		d.Dispatch(&Event{
			Payload:     cloudevent.New("seedkeeper.seed.end", "seedkeeper", "item-1", id, nil),
			Destination: server.URL,
		})
	}

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Failed == 2
	}, testutil.WithTimeout(5*time.Second))

	if state := breakers.ForURL(server.URL).State(); state != circuitbreaker.Closed {
		t.Errorf("expected breaker closed after 4xx replies, got %s", state)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.Close(ctx)
}

func TestMemoryDispatcher_CloudEventHeaders(t *testing.T) {
	var mu sync.Mutex
	var headers http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		headers = r.Header.Clone()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(MemoryConfig{
		BufferSize:  100,
		Workers:     1,
		HTTPTimeout: 5 * time.Second,
	}, nil)

	payload := cloudevent.New("seedkeeper.download.complete", "seedkeeper", "item-123", "evt-456", nil)
	event := &Event{
		Payload:     payload,
		Destination: server.URL,
	}

	d.Dispatch(event)

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Delivered >= 1
	}, testutil.WithTimeout(5*time.Second))

	mu.Lock()
	contentType := headers.Get("Content-Type")
	ceType := headers.Get("Ce-Type")
	mu.Unlock()

	if contentType != "application/cloudevents+json" {
		t.Errorf("expected cloudevents content type, got %s", contentType)
	}
	if ceType != "seedkeeper.download.complete" {
		t.Errorf("expected Ce-Type header, got %s", ceType)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.Close(ctx)
}

func TestMemoryDispatcher_Signature(t *testing.T) {
	var mu sync.Mutex
	var signature string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		signature = r.Header.Get("X-Signature-256")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(MemoryConfig{
		BufferSize:  100,
		Workers:     1,
		HTTPTimeout: 5 * time.Second,
	}, nil)

	event := &Event{
		Payload:     cloudevent.New("seedkeeper.seed.start", "seedkeeper", "item-1", "evt-1", nil),
		Destination: server.URL,
		SigningKey:  "secret-key",
	}

	d.Dispatch(event)

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Delivered >= 1
	}, testutil.WithTimeout(5*time.Second))

	mu.Lock()
	sig := signature
	mu.Unlock()

	if sig == "" || len(sig) < 10 || sig[:7] != "sha256=" {
		t.Errorf("unexpected signature format: %s", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.Close(ctx)
}

func TestMemoryDispatcher_GracefulShutdown(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(MemoryConfig{
		BufferSize:  100,
		Workers:     2,
		HTTPTimeout: 5 * time.Second,
	}, nil)

	for i := 0; i < 10; i++ {
		event := &Event{
			Payload:     cloudevent.New("seedkeeper.seed.end", "seedkeeper", "item-1", time.Now().Format("150405.000000"), nil),
			Destination: server.URL,
		}
		d.Dispatch(event)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := d.Close(ctx)
	if err != nil {
		t.Errorf("Close failed: %v", err)
	}

	if received.Load() != 10 {
		t.Errorf("expected 10 deliveries, got %d", received.Load())
	}
}

func TestMemoryDispatcher_DispatchAfterClose(t *testing.T) {
	d := NewMemory(MemoryConfig{BufferSize: 1, Workers: 1}, nil)
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	event := &Event{
		Payload:     cloudevent.New("seedkeeper.seed.start", "seedkeeper", "item-1", "evt-1", nil),
		Destination: "http://127.0.0.1:1",
	}
	if err := d.Dispatch(event); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestNotifier_Notify(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	d := NewMemory(MemoryConfig{BufferSize: 10, Workers: 1, HTTPTimeout: 5 * time.Second}, nil)
	defer d.Close(context.Background())

	n := NewNotifier(d, server.URL, "")
	n.Notify(cloudevent.New("seedkeeper.seed.start", "seedkeeper", "item-1", "evt-1", nil))

	testutil.MustWaitFor(t, func() bool {
		return received.Load() == 1
	}, testutil.WithTimeout(5*time.Second))
}

func TestNotifier_DisabledDiscards(t *testing.T) {
	d := NewMemory(MemoryConfig{BufferSize: 10, Workers: 1}, nil)
	defer d.Close(context.Background())

	var nilNotifier *Notifier
	nilNotifier.Notify(cloudevent.New("t", "s", "sub", "id", nil))

	NewNotifier(d, "", "").Notify(cloudevent.New("t", "s", "sub", "id", nil))

	if got := d.Stats().Queued; got != 0 {
		t.Errorf("expected nothing queued, got %d", got)
	}
}
