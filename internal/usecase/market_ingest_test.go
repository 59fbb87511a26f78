package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"TrapLine/internal/domain/models"
)

type fakeTradeStream struct {
	mu         sync.Mutex
	connectErr error
	subErr     error
	connected  bool
	subs       [][]string
	reconnects int
	closed     bool
	tradeCh    chan *models.Trade
	errCh      chan error
}

func newFakeTradeStream() *fakeTradeStream {
	return &fakeTradeStream{
		tradeCh: make(chan *models.Trade, 16),
		errCh:   make(chan error, 16),
	}
}

func (f *fakeTradeStream) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTradeStream) Subscribe(_ context.Context, symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return f.subErr
	}
	f.subs = append(f.subs, append([]string(nil), symbols...))
	return nil
}

func (f *fakeTradeStream) Read(context.Context) (<-chan *models.Trade, <-chan error) {
	return f.tradeCh, f.errCh
}

func (f *fakeTradeStream) Reconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	return nil
}

func (f *fakeTradeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTradeStream) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTradeStream) reconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnects
}

func (f *fakeTradeStream) lastSub() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

type fakeTickStream struct {
	mu         sync.Mutex
	connectErr error
	connected  bool
	subs       [][]string
	tickCh     chan *models.Tick
	errCh      chan error
}

func newFakeTickStream() *fakeTickStream {
	return &fakeTickStream{
		tickCh: make(chan *models.Tick, 16),
		errCh:  make(chan error, 16),
	}
}

func (f *fakeTickStream) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTickStream) Subscribe(_ context.Context, symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, append([]string(nil), symbols...))
	return nil
}

func (f *fakeTickStream) Read(context.Context) (<-chan *models.Tick, <-chan error) {
	return f.tickCh, f.errCh
}

func (f *fakeTickStream) Reconnect(context.Context) error { return nil }

func (f *fakeTickStream) Close() error { return nil }

func (f *fakeTickStream) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTickStream) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func TestIngestRoutesTradesToDetector(t *testing.T) {
	h := newDetectorHarness(t, DetectorConfig{})
	primary := newFakeTradeStream()
	secondary := newFakeTickStream()
	mi := NewMarketIngest(primary, secondary, h.det, nopMetrics{}, testLogger(t), []string{"BTCUSDT"})

	if err := mi.Start(h.ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	primary.tradeCh <- &models.Trade{Symbol: "BTCUSDT", Price: 50123, Quantity: 1, TakerBuy: true, Timestamp: time.Now()}

	waitFor(t, 2*time.Second, "trade routed", func() bool {
		p, ok := h.reg.GetLatestPrice("BTCUSDT")
		return ok && p == 50123
	})

	secondary.tickCh <- &models.Tick{Symbol: "BTCUSDT", Price: 50124, Timestamp: time.Now()}
	waitFor(t, 2*time.Second, "tick observed", func() bool {
		return h.flow.tickCount() == 1
	})
}

func TestIngestPrimaryConnectFailure(t *testing.T) {
	h := newDetectorHarness(t, DetectorConfig{})
	primary := newFakeTradeStream()
	primary.connectErr = errors.New("dns failure")
	mi := NewMarketIngest(primary, newFakeTickStream(), h.det, nopMetrics{}, testLogger(t), []string{"BTCUSDT"})

	if err := mi.Start(h.ctx); err == nil {
		t.Fatalf("expected primary connect failure")
	}
}

func TestIngestSecondaryDegradation(t *testing.T) {
	h := newDetectorHarness(t, DetectorConfig{})
	primary := newFakeTradeStream()
	secondary := newFakeTickStream()
	secondary.connectErr = errors.New("dns failure")
	mi := NewMarketIngest(primary, secondary, h.det, nopMetrics{}, testLogger(t), []string{"BTCUSDT"})

	// Losing the secondary venue degrades lead/lag, it does not stop trading.
	if err := mi.Start(h.ctx); err != nil {
		t.Fatalf("secondary failure must not fail startup: %v", err)
	}
	primary.tradeCh <- &models.Trade{Symbol: "BTCUSDT", Price: 50123, Quantity: 1, TakerBuy: true, Timestamp: time.Now()}
	waitFor(t, 2*time.Second, "primary still flowing", func() bool {
		_, ok := h.reg.GetLatestPrice("BTCUSDT")
		return ok
	})

	if err := mi.EnsureSymbols(h.ctx, []string{"ETHUSDT"}); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if got := primary.lastSub(); len(got) != 1 || got[0] != "ETHUSDT" {
		t.Fatalf("primary should follow the universe, got %v", got)
	}
	if secondary.subCount() != 0 {
		t.Fatalf("downed secondary must not be resubscribed")
	}
}

func TestIngestReconnectsOnStreamError(t *testing.T) {
	h := newDetectorHarness(t, DetectorConfig{})
	primary := newFakeTradeStream()
	mi := NewMarketIngest(primary, newFakeTickStream(), h.det, nopMetrics{}, testLogger(t), []string{"BTCUSDT"})

	if err := mi.Start(h.ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	primary.errCh <- errors.New("1006 abnormal closure")

	waitFor(t, 2*time.Second, "reconnect", func() bool {
		return primary.reconnectCount() == 1
	})
}

func TestIngestEnsureSymbolsCoversBothVenues(t *testing.T) {
	h := newDetectorHarness(t, DetectorConfig{})
	primary := newFakeTradeStream()
	secondary := newFakeTickStream()
	mi := NewMarketIngest(primary, secondary, h.det, nopMetrics{}, testLogger(t), []string{"BTCUSDT"})

	if err := mi.Start(h.ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := mi.EnsureSymbols(h.ctx, []string{"BTCUSDT", "ETHUSDT"}); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if got := primary.lastSub(); len(got) != 2 {
		t.Fatalf("primary should see the full universe, got %v", got)
	}
	if got := secondary.subCount(); got != 2 {
		t.Fatalf("secondary should see startup plus refresh, got %d subscribes", got)
	}
}
