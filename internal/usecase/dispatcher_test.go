package usecase

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"TrapLine/internal/domain/models"
	"TrapLine/internal/events"
	"TrapLine/internal/middleware"
	"TrapLine/internal/registry"
	applogger "TrapLine/pkg/logger"
)

func testLogger(t *testing.T) *applogger.Logger {
	t.Helper()
	l, err := applogger.New(&applogger.Config{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return l
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("%s: condition not met within %v", what, d)
}

func waitEvent(t *testing.T, ch <-chan *models.Event, typ models.EventType, d time.Duration) *models.Event {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event within %v", typ, d)
		}
	}
}

type nopMetrics struct{}

func (nopMetrics) RecordTrade(string, string)       {}
func (nopMetrics) RecordTripwiresArmed(string, int) {}
func (nopMetrics) RecordTrapSprung(string, string)  {}
func (nopMetrics) RecordVeto(string)                {}
func (nopMetrics) RecordDispatch(string)            {}
func (nopMetrics) RecordBlacklist(string)           {}
func (nopMetrics) RecordBlacklistedCount(int)       {}
func (nopMetrics) RecordLastPrice(string, float64)  {}
func (nopMetrics) RecordEquity(float64)             {}
func (nopMetrics) RecordLatency(string, float64)    {}
func (nopMetrics) RecordError(string)               {}

type fakeFlow struct {
	mu     sync.Mutex
	vm     models.VelocityMetrics
	macro  float64
	leader models.Venue
	trades int
	ticks  int
}

func (f *fakeFlow) ObserveTrade(*models.Trade) {
	f.mu.Lock()
	f.trades++
	f.mu.Unlock()
}

func (f *fakeFlow) ObserveTick(*models.Tick) {
	f.mu.Lock()
	f.ticks++
	f.mu.Unlock()
}

func (f *fakeFlow) Velocity(string, time.Time) models.VelocityMetrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vm
}

func (f *fakeFlow) MacroCVD(string, time.Time) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.macro
}

func (f *fakeFlow) Leader(string) models.Venue {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leader == "" {
		return models.VenueUnknown
	}
	return f.leader
}

func (f *fakeFlow) tickCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ticks
}

type fakeAuthority struct {
	mu         sync.Mutex
	prepares   []models.IntentEnvelope
	confirms   []string
	aborts     []string
	prepareAck models.DispatchAck
	prepareErr error
	confirmAck models.DispatchAck
	confirmErr error
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{
		prepareAck: models.DispatchAck{Accepted: true},
		confirmAck: models.DispatchAck{Accepted: true},
	}
}

func (f *fakeAuthority) SendPrepare(_ context.Context, env *models.IntentEnvelope) (models.DispatchAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepares = append(f.prepares, *env)
	return f.prepareAck, f.prepareErr
}

func (f *fakeAuthority) SendConfirm(_ context.Context, id string) (models.DispatchAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms = append(f.confirms, id)
	return f.confirmAck, f.confirmErr
}

func (f *fakeAuthority) SendAbort(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts = append(f.aborts, id)
	return nil
}

func (f *fakeAuthority) counts() (prepares, confirms, aborts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prepares), len(f.confirms), len(f.aborts)
}

func (f *fakeAuthority) firstPrepare() models.IntentEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prepares[0]
}

type fakeFallback struct {
	mu    sync.Mutex
	calls []models.IntentEnvelope
	err   error
}

func (f *fakeFallback) Dispatch(_ context.Context, env *models.IntentEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, *env)
	return f.err
}

func (f *fakeFallback) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type dispatchHarness struct {
	ctx       context.Context
	reg       *registry.Registry
	flow      *fakeFlow
	authority *fakeAuthority
	fallback  *fakeFallback
	router    *middleware.SymbolRouter
	bus       *events.Bus
	eventCh   <-chan *models.Event
	d         *Dispatcher
}

func newDispatchHarness(t *testing.T, cfg DispatcherConfig) *dispatchHarness {
	t.Helper()
	l := testLogger(t)
	h := &dispatchHarness{
		reg:       registry.New(),
		flow:      &fakeFlow{},
		authority: newFakeAuthority(),
		fallback:  &fakeFallback{},
		router:    middleware.NewSymbolRouter(nopMetrics{}),
		bus:       events.NewBus(l),
	}
	h.eventCh = h.bus.Subscribe("test", 64)
	h.d = NewDispatcher(cfg, h.reg, h.flow, h.authority, h.fallback, h.router, h.bus, nopMetrics{}, l)
	h.d.SetEquity(10000)

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	h.router.Start(ctx)
	t.Cleanup(func() {
		cancel()
		h.router.Stop()
		h.bus.Close()
	})
	return h
}

// arm registers the wire and caches its trigger as the latest price.
func (h *dispatchHarness) arm(tw *models.Tripwire) *models.Tripwire {
	h.reg.ReplaceTripwires(tw.Symbol, []*models.Tripwire{tw})
	h.reg.SetLatestPrice(tw.Symbol, tw.TriggerPrice)
	return tw
}

// fire runs Fire on the symbol's worker, as the detector would, and
// waits for the veto chain to finish before returning.
func (h *dispatchHarness) fire(t *testing.T, tw *models.Tripwire, microCVD, burst float64) {
	t.Helper()
	done := make(chan struct{})
	if err := h.router.RouteWait(h.ctx, tw.Symbol, func() {
		defer close(done)
		h.d.Fire(h.ctx, tw, microCVD, burst)
	}); err != nil {
		t.Fatalf("route fire: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("fire did not finish")
	}
}

func testWire(id, symbol string, dir models.Direction, trigger float64) *models.Tripwire {
	return &models.Tripwire{
		ID:           id,
		Symbol:       symbol,
		Direction:    dir,
		TriggerPrice: trigger,
		Type:         models.TrapBreakout,
		Confidence:   0.8,
		Leverage:     5,
		Volatility:   models.VolatilityMetrics{Regime: models.LowVol, SizeMultiplier: 1},
		Created:      time.Now(),
	}
}

func fastDispatchConfig() DispatcherConfig {
	return DispatcherConfig{
		MicroCooldown: time.Nanosecond,
		GraceWindow:   10 * time.Millisecond,
		BurstValidity: 2 * time.Second,
	}
}

func TestFireVetoMicroCooldown(t *testing.T) {
	h := newDispatchHarness(t, DispatcherConfig{})
	tw := h.arm(testWire("a", "BTCUSDT", models.Long, 50000))
	h.reg.RecordActivationAttempt("BTCUSDT", time.Now())

	h.fire(t, tw, 30, 40)

	if tw.Activated {
		t.Fatalf("micro cooldown should have vetoed")
	}
	if p, _, _ := h.authority.counts(); p != 0 {
		t.Fatalf("expected no prepare, got %d", p)
	}
}

func TestFireVetoActivationState(t *testing.T) {
	h := newDispatchHarness(t, fastDispatchConfig())

	// Already activated wires never fire twice.
	tw := h.arm(testWire("a", "BTCUSDT", models.Long, 50000))
	tw.Activated = true
	h.fire(t, tw, 30, 40)

	// Recent activation keeps the wire in cooldown even after re-arm.
	tw2 := h.arm(testWire("b", "ETHUSDT", models.Long, 3000))
	tw2.ActivatedAt = time.Now().Add(-time.Minute)
	h.fire(t, tw2, 30, 40)
	if tw2.Activated {
		t.Fatalf("cooldown should have vetoed")
	}

	if p, _, _ := h.authority.counts(); p != 0 {
		t.Fatalf("expected no prepare, got %d", p)
	}
}

func TestFireVetoCVDAlignment(t *testing.T) {
	h := newDispatchHarness(t, fastDispatchConfig())

	// Sell-side burst against a LONG.
	tw := h.arm(testWire("a", "BTCUSDT", models.Long, 50000))
	h.fire(t, tw, -30, 40)
	if tw.Activated {
		t.Fatalf("opposed flow should have vetoed")
	}

	// Aligned but balanced: ratio 0.1 under the conviction threshold.
	tw2 := h.arm(testWire("b", "ETHUSDT", models.Long, 3000))
	h.fire(t, tw2, 10, 100)
	if tw2.Activated {
		t.Fatalf("weak conviction should have vetoed")
	}
}

func TestFireVetoAcceleration(t *testing.T) {
	h := newDispatchHarness(t, fastDispatchConfig())
	h.flow.vm = models.VelocityMetrics{Velocity: 0.001, Acceleration: 0.2}

	tw := h.arm(testWire("a", "BTCUSDT", models.Long, 50000))
	h.fire(t, tw, 30, 40)
	if tw.Activated {
		t.Fatalf("accelerating tape should have vetoed")
	}
}

func TestFireVetoTrendFade(t *testing.T) {
	h := newDispatchHarness(t, fastDispatchConfig())
	h.d.SetGhostMode(true)

	tw := h.arm(testWire("a", "BTCUSDT", models.Long, 50000))
	tw.ADX = 30
	tw.Trend = models.TrendDown
	h.fire(t, tw, 30, 40)
	if tw.Activated {
		t.Fatalf("fade against a strong trend should have vetoed")
	}

	// Weak trend: same fade is allowed through.
	tw2 := h.arm(testWire("b", "ETHUSDT", models.Long, 3000))
	tw2.ADX = 20
	tw2.Trend = models.TrendDown
	h.fire(t, tw2, 30, 40)
	if !tw2.Activated {
		t.Fatalf("weak trend should not veto")
	}
}

func TestFireGhostModeSkipsDispatch(t *testing.T) {
	h := newDispatchHarness(t, fastDispatchConfig())
	h.d.SetGhostMode(true)

	tw := h.arm(testWire("a", "BTCUSDT", models.Long, 50000))
	h.fire(t, tw, 30, 40)

	if !tw.Activated {
		t.Fatalf("ghost mode still walks the full chain")
	}
	time.Sleep(50 * time.Millisecond)
	if p, _, _ := h.authority.counts(); p != 0 {
		t.Fatalf("ghost mode must not dispatch, got %d prepares", p)
	}
	if h.fallback.count() != 0 {
		t.Fatalf("ghost mode must not hit the fallback")
	}
}

func TestDispatchSuccess(t *testing.T) {
	h := newDispatchHarness(t, fastDispatchConfig())
	tw := h.arm(testWire("a", "BTCUSDT", models.Long, 50000))

	h.fire(t, tw, 30, 40)
	if !tw.Activated {
		t.Fatalf("expected activation")
	}

	e := waitEvent(t, h.eventCh, models.EventExecutionComplete, 2*time.Second)
	if e.Symbol != "BTCUSDT" || e.ExecutionComplete == nil {
		t.Fatalf("unexpected event %+v", e)
	}

	p, c, a := h.authority.counts()
	if p != 1 || c != 1 || a != 0 {
		t.Fatalf("expected prepare+confirm, got p=%d c=%d a=%d", p, c, a)
	}
	env := h.authority.firstPrepare()
	if env.PartitionKey != "BTCUSDT" || env.IdempotencyKey != "a" {
		t.Fatalf("envelope keys wrong: %+v", env)
	}
	if env.Payload.Size <= 0 {
		t.Fatalf("expected sized intent, got %v", env.Payload.Size)
	}
	if got := h.reg.Failures("BTCUSDT"); got != 0 {
		t.Fatalf("failures should be reset, got %d", got)
	}
}

func TestPreflightPriceDriftAborts(t *testing.T) {
	cfg := fastDispatchConfig()
	cfg.GraceWindow = 50 * time.Millisecond
	h := newDispatchHarness(t, cfg)
	tw := h.arm(testWire("a", "BTCUSDT", models.Long, 50000))

	h.fire(t, tw, 30, 40)
	// Price leaves the trigger band during the grace window.
	h.reg.SetLatestPrice("BTCUSDT", 50000*1.005)

	e := waitEvent(t, h.eventCh, models.EventTrapAborted, 2*time.Second)
	if e.TrapAborted.Reason != "price left trigger band" {
		t.Fatalf("unexpected abort reason %q", e.TrapAborted.Reason)
	}
	waitFor(t, time.Second, "re-arm", func() bool {
		snap := h.reg.SnapshotTripwires("BTCUSDT")
		return len(snap) == 1 && !snap[0].Activated
	})

	_, c, a := h.authority.counts()
	if c != 0 || a != 1 {
		t.Fatalf("expected abort without confirm, got c=%d a=%d", c, a)
	}
}

func TestPrepareFailureFallsBack(t *testing.T) {
	h := newDispatchHarness(t, fastDispatchConfig())
	h.authority.prepareErr = errors.New("transport down")

	tw := h.arm(testWire("a", "BTCUSDT", models.Long, 50000))
	h.fire(t, tw, 30, 40)

	e := waitEvent(t, h.eventCh, models.EventExecutionComplete, 2*time.Second)
	if e.ExecutionComplete == nil {
		t.Fatalf("expected completion via fallback")
	}
	if h.fallback.count() != 1 {
		t.Fatalf("expected exactly one fallback dispatch, got %d", h.fallback.count())
	}
	if _, c, _ := h.authority.counts(); c != 0 {
		t.Fatalf("no confirm expected on fallback path, got %d", c)
	}
}

func TestConfirmRejectionFallsBack(t *testing.T) {
	h := newDispatchHarness(t, fastDispatchConfig())
	h.authority.confirmAck = models.DispatchAck{Accepted: false, Reason: "ttl exceeded"}

	tw := h.arm(testWire("a", "BTCUSDT", models.Long, 50000))
	h.fire(t, tw, 30, 40)

	waitEvent(t, h.eventCh, models.EventExecutionComplete, 2*time.Second)
	if h.fallback.count() != 1 {
		t.Fatalf("expected fallback after confirm rejection, got %d", h.fallback.count())
	}
	p, c, _ := h.authority.counts()
	if p != 1 || c != 1 {
		t.Fatalf("expected full primary attempt first, got p=%d c=%d", p, c)
	}
}

func TestRepeatedFailuresBlacklist(t *testing.T) {
	h := newDispatchHarness(t, fastDispatchConfig())
	h.authority.prepareErr = errors.New("down")
	h.fallback.err = errors.New("down too")

	for i, id := range []string{"a", "b", "c"} {
		tw := h.arm(testWire(id, "BTCUSDT", models.Long, 50000))
		h.fire(t, tw, 30, 40)
		if i < 2 {
			want := i + 1
			waitFor(t, 2*time.Second, "failure count", func() bool {
				return h.reg.Failures("BTCUSDT") == want
			})
		}
	}

	e := waitEvent(t, h.eventCh, models.EventSymbolBlacklisted, 2*time.Second)
	if e.Symbol != "BTCUSDT" {
		t.Fatalf("unexpected blacklist event %+v", e)
	}
	if !h.reg.IsBlacklisted("BTCUSDT", time.Now()) {
		t.Fatalf("symbol should be blacklisted")
	}
	if got := h.reg.Failures("BTCUSDT"); got != 0 {
		t.Fatalf("counter should reset on blacklist, got %d", got)
	}
}

func TestSelectOrderTypeVelocityBands(t *testing.T) {
	h := newDispatchHarness(t, DispatcherConfig{})
	low := testWire("a", "BTCUSDT", models.Long, 50000)
	high := testWire("b", "BTCUSDT", models.Long, 50000)
	high.Volatility.Regime = models.HighVol

	// LOW_VOL scales the bars down to 0.0012 / 0.0004.
	ot, _ := h.d.selectOrderType(low, 50000, models.VelocityMetrics{Velocity: 0.0013})
	if ot != models.OrderMarket {
		t.Fatalf("expected MARKET, got %s", ot)
	}
	ot, price := h.d.selectOrderType(low, 50000, models.VelocityMetrics{Velocity: 0.0005})
	if ot != models.OrderAggressiveLimit || price <= 50000 {
		t.Fatalf("expected AGGRESSIVE_LIMIT above ref, got %s at %v", ot, price)
	}
	ot, price = h.d.selectOrderType(low, 50100, models.VelocityMetrics{Velocity: 0.0001})
	if ot != models.OrderPassiveLimit || price <= 50000 || price >= 50100 {
		t.Fatalf("expected PASSIVE_LIMIT just past trigger, got %s at %v", ot, price)
	}

	// HIGH_VOL raises the bars; the same tape is only moderate.
	ot, _ = h.d.selectOrderType(high, 50000, models.VelocityMetrics{Velocity: 0.0013})
	if ot != models.OrderAggressiveLimit {
		t.Fatalf("expected AGGRESSIVE_LIMIT under HIGH_VOL, got %s", ot)
	}

	// Short passive pegs below the trigger.
	short := testWire("c", "BTCUSDT", models.Short, 50000)
	ot, price = h.d.selectOrderType(short, 49900, models.VelocityMetrics{Velocity: 0.0001})
	if ot != models.OrderPassiveLimit || price >= 50000 {
		t.Fatalf("expected short passive below trigger, got %s at %v", ot, price)
	}
}

func TestBuildIntentLeaderTightensSlippage(t *testing.T) {
	h := newDispatchHarness(t, DispatcherConfig{})
	tw := testWire("a", "BTCUSDT", models.Long, 50000)

	h.flow.leader = models.VenueSecondary
	intent := h.d.buildIntent(tw, 50000, models.VelocityMetrics{}, time.Now())
	if intent.MaxSlippageBps != 20 {
		t.Fatalf("expected default slippage 20, got %d", intent.MaxSlippageBps)
	}

	h.flow.leader = models.VenuePrimary
	intent = h.d.buildIntent(tw, 50000, models.VelocityMetrics{}, time.Now())
	if intent.MaxSlippageBps != 10 {
		t.Fatalf("expected tightened slippage 10, got %d", intent.MaxSlippageBps)
	}
}

func TestBuildIntentSizingAndResolvers(t *testing.T) {
	h := newDispatchHarness(t, DispatcherConfig{})
	h.d.SetEquity(10000)

	tw := testWire("a", "BTCUSDT", models.Long, 50000)
	tw.Volatility.SizeMultiplier = 0.5
	intent := h.d.buildIntent(tw, 50000, models.VelocityMetrics{}, time.Now())

	if math.Abs(intent.StopLoss-49500) > 1e-6 {
		t.Fatalf("default stop: expected 49500, got %v", intent.StopLoss)
	}
	if math.Abs(intent.TakeProfits[0]-51500) > 1e-6 {
		t.Fatalf("default target: expected 51500, got %v", intent.TakeProfits[0])
	}
	// risk 10000*0.1*0.8=800, notional 80000, margin cap 50000, half multiplier
	if math.Abs(intent.Size-25000) > 1e-6 {
		t.Fatalf("expected size 25000, got %v", intent.Size)
	}

	// Explicit levels win and reshape the risk geometry.
	tw2 := testWire("b", "BTCUSDT", models.Long, 50000)
	tw2.StopLoss = 49000
	tw2.TargetPrice = 52000
	intent2 := h.d.buildIntent(tw2, 50000, models.VelocityMetrics{}, time.Now())
	if intent2.StopLoss != 49000 || intent2.TakeProfits[0] != 52000 {
		t.Fatalf("overrides should win, got stop=%v target=%v", intent2.StopLoss, intent2.TakeProfits[0])
	}
	// risk 800 over a 2% stop distance
	if math.Abs(intent2.Size-40000) > 1e-6 {
		t.Fatalf("expected size 40000, got %v", intent2.Size)
	}
}
