package middleware

import (
	"context"
	"testing"
	"time"
)

func TestRouteSameSymbolInOrder(t *testing.T) {
	r := NewSymbolRouter(nil, WithShards(4), WithQueueSize(128))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	var got []int
	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		i := i
		if !r.Route("BTCUSDT", func() { got = append(got, i) }) {
			t.Fatalf("enqueue %d failed", i)
		}
	}
	r.Route("BTCUSDT", func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("tasks did not drain")
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("order broken at %d: %v", i, got[:i+1])
		}
	}
}

func TestRouteFullQueue(t *testing.T) {
	r := NewSymbolRouter(nil, WithShards(1), WithQueueSize(2))
	// workers not started, queue fills up
	if !r.Route("BTCUSDT", func() {}) || !r.Route("BTCUSDT", func() {}) {
		t.Fatalf("expected room for two tasks")
	}
	if r.Route("BTCUSDT", func() {}) {
		t.Fatalf("expected full queue")
	}
}

func TestRouteWaitCancelled(t *testing.T) {
	r := NewSymbolRouter(nil, WithShards(1), WithQueueSize(1))
	if err := r.RouteWait(context.Background(), "BTCUSDT", func() {}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.RouteWait(ctx, "BTCUSDT", func() {}); err == nil {
		t.Fatalf("expected cancellation on full queue")
	}
}

func TestStopEndsWorkers(t *testing.T) {
	r := NewSymbolRouter(nil, WithShards(2), WithQueueSize(8))
	r.Start(context.Background())

	done := make(chan struct{})
	r.Route("ETHUSDT", func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("task did not run")
	}
	r.Stop()
	// second stop is a no-op
	r.Stop()
}
