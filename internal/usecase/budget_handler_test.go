package usecase

import (
	"context"
	"testing"
	"time"

	"TrapLine/internal/domain/models"
	"TrapLine/internal/events"
	"TrapLine/internal/middleware"
	"TrapLine/internal/registry"
)

func newBudgetHarness(t *testing.T) (*BudgetHandler, *Dispatcher, <-chan *models.Event) {
	t.Helper()
	l := testLogger(t)
	bus := events.NewBus(l)
	ch := bus.Subscribe("test", 16)
	disp := NewDispatcher(fastDispatchConfig(), registry.New(), &fakeFlow{}, newFakeAuthority(), &fakeFallback{}, middleware.NewSymbolRouter(nopMetrics{}), bus, nopMetrics{}, l)
	h := NewBudgetHandler("live.budget", "live", disp, bus, nopMetrics{}, l)
	t.Cleanup(bus.Close)
	return h, disp, ch
}

func TestBudgetMessageUpdatesEquity(t *testing.T) {
	h, disp, ch := newBudgetHarness(t)

	msg := []byte(`{"phase_id":"live","max_notional":25000,"state":"ACTIVE"}`)
	if err := h.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if got := disp.Equity(); got != 25000 {
		t.Fatalf("expected equity 25000, got %v", got)
	}

	e := waitEvent(t, ch, models.EventBudgetUpdated, time.Second)
	if e.BudgetUpdated.MaxNotional != 25000 || e.BudgetUpdated.PhaseID != "live" {
		t.Fatalf("unexpected budget payload %+v", e.BudgetUpdated)
	}
}

func TestBudgetOtherPhaseIgnored(t *testing.T) {
	h, disp, ch := newBudgetHarness(t)
	disp.SetEquity(10000)

	msg := []byte(`{"phase_id":"paper","max_notional":99999,"state":"ACTIVE"}`)
	if err := h.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if got := disp.Equity(); got != 10000 {
		t.Fatalf("other phase must not touch equity, got %v", got)
	}
	assertNoEvent(t, ch, models.EventBudgetUpdated, 50*time.Millisecond)
}

func TestBudgetMalformedMessage(t *testing.T) {
	h, disp, _ := newBudgetHarness(t)
	disp.SetEquity(10000)

	if err := h.Handle(context.Background(), []byte(`{"phase_id":`)); err == nil {
		t.Fatalf("expected unmarshal error")
	}
	if got := disp.Equity(); got != 10000 {
		t.Fatalf("malformed message must not touch equity, got %v", got)
	}
}

func TestBudgetTopic(t *testing.T) {
	h, _, _ := newBudgetHarness(t)
	if h.Topic() != "live.budget" {
		t.Fatalf("unexpected topic %q", h.Topic())
	}
}
