package usecase

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"TrapLine/internal/domain/models"
	domserv "TrapLine/internal/domain/service"
	"TrapLine/internal/events"
	"TrapLine/internal/registry"
	"TrapLine/internal/services/structure"
)

type fakeMarket struct {
	mu       sync.Mutex
	symbols  []string
	rankErr  error
	candles  map[string][]models.Candle
	ohlcvErr error
}

func (f *fakeMarket) FetchOHLCV(_ context.Context, symbol, _ string, _ int) ([]models.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ohlcvErr != nil {
		return nil, f.ohlcvErr
	}
	return f.candles[symbol], nil
}

func (f *fakeMarket) FetchTopSymbolsByVolume(context.Context, int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rankErr != nil {
		return nil, f.rankErr
	}
	return f.symbols, nil
}

func (f *fakeMarket) GetCurrentPrice(context.Context, string) (float64, error) {
	return 0, errors.New("not implemented")
}

func (f *fakeMarket) setOHLCVErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ohlcvErr = err
}

type fakeAnomaly struct {
	name string
	wire *models.Tripwire
	err  error
}

func (f *fakeAnomaly) Name() string { return f.name }

func (f *fakeAnomaly) Detect(context.Context, string) (*models.Tripwire, error) {
	return f.wire, f.err
}

type fakeSubscriber struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakeSubscriber) EnsureSymbols(_ context.Context, symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), symbols...))
	return nil
}

func (f *fakeSubscriber) lastCall() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

type generatorHarness struct {
	reg     *registry.Registry
	market  *fakeMarket
	sub     *fakeSubscriber
	bus     *events.Bus
	eventCh <-chan *models.Event
	gen     *Generator
}

func newGeneratorHarness(t *testing.T, market *fakeMarket, detectors []domserv.AnomalyDetector) *generatorHarness {
	t.Helper()
	l := testLogger(t)
	h := &generatorHarness{
		reg:    registry.New(),
		market: market,
		sub:    &fakeSubscriber{},
	}
	h.bus = events.NewBus(l)
	h.eventCh = h.bus.Subscribe("test", 64)
	h.gen = NewGenerator(GeneratorConfig{}, market, structure.NewAnalyzer(structure.Config{}), detectors, h.sub, h.reg, h.bus, nopMetrics{}, l)
	t.Cleanup(h.bus.Close)
	return h
}

// rangeCandles oscillate tightly around 100 with one early spike to 110/90,
// so the window reads as a range with low volatility.
func rangeCandles(symbol string, n int) []models.Candle {
	out := make([]models.Candle, n)
	base := time.Now().Add(-time.Duration(n) * time.Minute)
	for i := range out {
		close := 99.9
		if i%2 == 1 {
			close = 100.1
		}
		out[i] = models.Candle{
			Bucket: base.Add(time.Duration(i) * time.Minute),
			Symbol: symbol,
			Open:   100,
			High:   100.3,
			Low:    99.7,
			Close:  close,
			Volume: 1000,
		}
	}
	out[0].High = 110
	out[0].Low = 90
	out[n-1].Close = 100
	return out
}

// trendCandles grind upward away from an early spike high, so the close sits
// mid-range while the moving average keeps rising.
func trendCandles(symbol string, n int) []models.Candle {
	out := make([]models.Candle, n)
	base := time.Now().Add(-time.Duration(n) * time.Minute)
	for i := range out {
		close := 100 + 0.1*float64(i)
		out[i] = models.Candle{
			Bucket: base.Add(time.Duration(i) * time.Minute),
			Symbol: symbol,
			Open:   close - 0.05,
			High:   close + 0.2,
			Low:    close - 0.2,
			Close:  close,
			Volume: 1000,
		}
	}
	out[2].High = 115
	return out
}

func TestCycleArmsRangeWires(t *testing.T) {
	market := &fakeMarket{
		symbols: []string{"BTCUSDT"},
		candles: map[string][]models.Candle{"BTCUSDT": rangeCandles("BTCUSDT", 30)},
	}
	h := newGeneratorHarness(t, market, nil)

	h.gen.RunCycle(context.Background())

	wires := h.reg.GetTripwires("BTCUSDT")
	if len(wires) != 2 {
		t.Fatalf("expected 2 wires, got %d", len(wires))
	}
	long, short := wires[0], wires[1]
	if long.Direction != models.Long || long.Type != models.TrapBreakout || long.TriggerPrice != 110 {
		t.Fatalf("unexpected long wire %+v", long)
	}
	if short.Direction != models.Short || short.Type != models.TrapBreakdown || short.TriggerPrice != 90 {
		t.Fatalf("unexpected short wire %+v", short)
	}
	if long.Confidence != 0.8 || long.Leverage != 5 {
		t.Fatalf("range wires should carry range confidence, got %+v", long)
	}
	if long.ID == "" || long.ID == short.ID {
		t.Fatalf("wires need distinct ids, got %q and %q", long.ID, short.ID)
	}
	if long.Volatility.Regime != models.LowVol || long.Volatility.ATR <= 0 || long.Volatility.SizeMultiplier != 1 {
		t.Fatalf("unexpected volatility context %+v", long.Volatility)
	}

	e := waitEvent(t, h.eventCh, models.EventTripwiresUpdated, 2*time.Second)
	if e.TripwiresUpdated.SymbolCount != 1 {
		t.Fatalf("expected 1 refreshed symbol, got %d", e.TripwiresUpdated.SymbolCount)
	}
	if got := h.sub.lastCall(); len(got) != 1 || got[0] != "BTCUSDT" {
		t.Fatalf("subscriber should follow the universe, got %v", got)
	}
}

func TestPersistentTrendArmsPullback(t *testing.T) {
	market := &fakeMarket{
		symbols: []string{"ETHUSDT"},
		candles: map[string][]models.Candle{"ETHUSDT": trendCandles("ETHUSDT", 30)},
	}
	h := newGeneratorHarness(t, market, nil)

	// The direction must persist across cycles before it counts as a trend.
	for i := 0; i < 3; i++ {
		h.gen.RunCycle(context.Background())
	}

	wires := h.reg.GetTripwires("ETHUSDT")
	if len(wires) != 1 {
		t.Fatalf("expected a single pullback wire, got %d", len(wires))
	}
	w := wires[0]
	if w.Direction != models.Long || w.Type != models.TrapPullback {
		t.Fatalf("unexpected wire %+v", w)
	}
	if w.Confidence != 0.75 || w.Leverage != 3 {
		t.Fatalf("trend wires should carry trend confidence, got %+v", w)
	}
	if w.Trend != models.TrendUp {
		t.Fatalf("expected an uptrend hint, got %q", w.Trend)
	}
	// Pullback entry sits at the window's support.
	if math.Abs(w.TriggerPrice-99.8) > 1e-9 {
		t.Fatalf("expected trigger at support 99.8, got %v", w.TriggerPrice)
	}
}

func TestBlacklistedSymbolRetainsOldWires(t *testing.T) {
	market := &fakeMarket{
		symbols: []string{"BTCUSDT"},
		candles: map[string][]models.Candle{"BTCUSDT": rangeCandles("BTCUSDT", 30)},
	}
	h := newGeneratorHarness(t, market, nil)

	h.gen.RunCycle(context.Background())
	before := h.reg.GetTripwires("BTCUSDT")
	if len(before) != 2 {
		t.Fatalf("expected 2 wires before blacklist, got %d", len(before))
	}
	ids := []string{before[0].ID, before[1].ID}

	h.reg.Blacklist("BTCUSDT", time.Now().Add(time.Minute))
	h.gen.RunCycle(context.Background())

	after := h.reg.GetTripwires("BTCUSDT")
	if len(after) != 2 || after[0].ID != ids[0] || after[1].ID != ids[1] {
		t.Fatalf("blacklisted symbol must keep its previous set, got %+v", after)
	}
	if got := h.sub.lastCall(); len(got) != 0 {
		t.Fatalf("blacklisted symbol must drop out of the universe, got %v", got)
	}
}

func TestSymbolFailureKeepsOldSet(t *testing.T) {
	market := &fakeMarket{
		symbols: []string{"BTCUSDT"},
		candles: map[string][]models.Candle{"BTCUSDT": rangeCandles("BTCUSDT", 30)},
	}
	h := newGeneratorHarness(t, market, nil)

	h.gen.RunCycle(context.Background())
	before := h.reg.GetTripwires("BTCUSDT")

	market.setOHLCVErr(errors.New("rate limited"))
	h.gen.RunCycle(context.Background())

	after := h.reg.GetTripwires("BTCUSDT")
	if len(after) != len(before) || after[0].ID != before[0].ID {
		t.Fatalf("failed refresh must leave the old set standing, got %+v", after)
	}
}

func TestRankingFailureSkipsCycle(t *testing.T) {
	market := &fakeMarket{rankErr: errors.New("exchange down")}
	h := newGeneratorHarness(t, market, nil)

	h.gen.RunCycle(context.Background())

	if got := h.reg.GetAllSymbols(); len(got) != 0 {
		t.Fatalf("no symbols should be armed, got %v", got)
	}
	assertNoEvent(t, h.eventCh, models.EventTripwiresUpdated, 50*time.Millisecond)
}

func TestAnomalyWiresAppendVerbatim(t *testing.T) {
	oiWire := &models.Tripwire{
		ID:           "oi-wipeout-1",
		Symbol:       "BTCUSDT",
		Direction:    models.Short,
		TriggerPrice: 101,
		Type:         models.TrapOIWipeout,
		Confidence:   0.6,
		Leverage:     2,
	}
	market := &fakeMarket{
		symbols: []string{"BTCUSDT"},
		candles: map[string][]models.Candle{"BTCUSDT": rangeCandles("BTCUSDT", 30)},
	}
	detectors := []domserv.AnomalyDetector{
		&fakeAnomaly{name: "oi_wipeout", wire: oiWire},
		&fakeAnomaly{name: "funding", err: errors.New("no data")},
		&fakeAnomaly{name: "quiet"},
	}
	h := newGeneratorHarness(t, market, detectors)

	h.gen.RunCycle(context.Background())

	wires := h.reg.GetTripwires("BTCUSDT")
	if len(wires) != 3 {
		t.Fatalf("expected structure pair plus anomaly wire, got %d", len(wires))
	}
	if wires[2].ID != "oi-wipeout-1" || wires[2].Type != models.TrapOIWipeout {
		t.Fatalf("anomaly wire should be appended untouched, got %+v", wires[2])
	}
}
