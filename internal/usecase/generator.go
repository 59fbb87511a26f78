package usecase

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"TrapLine/internal/domain/models"
	domrepo "TrapLine/internal/domain/repository"
	domserv "TrapLine/internal/domain/service"
	"TrapLine/internal/events"
	"TrapLine/internal/registry"
	applogger "TrapLine/pkg/logger"
)

// GeneratorConfig tunes the periodic tripwire generation cycle.
type GeneratorConfig struct {
	Interval       time.Duration
	TopSymbols     int
	CandleInterval string
	CandleLimit    int
	Parallelism    int

	RangeConfidence float64
	RangeLeverage   int
	TrendConfidence float64
	TrendLeverage   int
}

func (c *GeneratorConfig) fill() {
	if c.Interval == 0 {
		c.Interval = 60 * time.Second
	}
	if c.TopSymbols == 0 {
		c.TopSymbols = 20
	}
	if c.CandleInterval == "" {
		c.CandleInterval = "1m"
	}
	if c.CandleLimit == 0 {
		c.CandleLimit = 120
	}
	if c.Parallelism == 0 {
		c.Parallelism = 8
	}
	if c.RangeConfidence == 0 {
		c.RangeConfidence = 0.8
	}
	if c.RangeLeverage == 0 {
		c.RangeLeverage = 5
	}
	if c.TrendConfidence == 0 {
		c.TrendConfidence = 0.75
	}
	if c.TrendLeverage == 0 {
		c.TrendLeverage = 3
	}
}

// Generator rebuilds every symbol's tripwire set each cycle from market
// structure plus the anomaly detectors. Replacement is wholesale; nothing
// carries over between cycles.
type Generator struct {
	cfg        GeneratorConfig
	market     domrepo.MarketData
	analyzer   domserv.StructureAnalyzer
	detectors  []domserv.AnomalyDetector
	subscriber domserv.SymbolSubscriber // optional
	reg        *registry.Registry
	bus        *events.Bus
	metrics    domrepo.Metrics
	l          *applogger.Logger
}

// NewGenerator creates a new Generator instance. subscriber may be nil.
func NewGenerator(
	cfg GeneratorConfig,
	market domrepo.MarketData,
	analyzer domserv.StructureAnalyzer,
	detectors []domserv.AnomalyDetector,
	subscriber domserv.SymbolSubscriber,
	reg *registry.Registry,
	bus *events.Bus,
	metrics domrepo.Metrics,
	l *applogger.Logger,
) *Generator {
	cfg.fill()
	return &Generator{
		cfg:        cfg,
		market:     market,
		analyzer:   analyzer,
		detectors:  detectors,
		subscriber: subscriber,
		reg:        reg,
		bus:        bus,
		metrics:    metrics,
		l:          l,
	}
}

// Start runs generation cycles until the context ends. The first cycle
// runs immediately.
func (g *Generator) Start(ctx context.Context) {
	g.RunCycle(ctx)
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.RunCycle(ctx)
		}
	}
}

// RunCycle executes one full generation pass.
func (g *Generator) RunCycle(ctx context.Context) {
	start := time.Now()

	symbols, err := g.market.FetchTopSymbolsByVolume(ctx, g.cfg.TopSymbols)
	if err != nil {
		g.metrics.RecordError("symbol_ranking")
		g.l.Error("symbol ranking failed, cycle skipped", applogger.Error(err))
		return
	}

	now := time.Now()
	eligible := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if g.reg.IsBlacklisted(s, now) {
			g.l.Debug("symbol blacklisted, skipping generation", applogger.String("symbol", s))
			continue
		}
		eligible = append(eligible, s)
	}
	g.metrics.RecordBlacklistedCount(len(g.reg.BlacklistSnapshot(now)))

	if g.subscriber != nil {
		if serr := g.subscriber.EnsureSymbols(ctx, eligible); serr != nil {
			g.metrics.RecordError("resubscribe")
			g.l.Warn("stream resubscription failed", applogger.Error(serr))
		}
	}

	var (
		wg      sync.WaitGroup
		sem     = make(chan struct{}, g.cfg.Parallelism)
		succeed atomic.Int64
	)
	for _, symbol := range eligible {
		wg.Add(1)
		sem <- struct{}{}
		go func(symbol string) {
			defer wg.Done()
			defer func() { <-sem }()
			if berr := g.buildSymbol(ctx, symbol); berr != nil {
				g.metrics.RecordError("generation")
				g.l.Warn("generation failed for symbol",
					applogger.String("symbol", symbol),
					applogger.Error(berr))
				return
			}
			succeed.Add(1)
		}(symbol)
	}
	wg.Wait()

	took := time.Since(start)
	g.bus.Publish(events.TripwiresUpdated(int(succeed.Load()), took))
	g.metrics.RecordLatency("generation_cycle", took.Seconds())
	g.l.Info("generation cycle complete",
		applogger.Int("symbols", int(succeed.Load())),
		applogger.Int("candidates", len(eligible)),
		applogger.Duration("took", took))
}

// buildSymbol computes one symbol's fresh tripwire list and swaps it in.
// A failure leaves the previous list standing until the next cycle.
func (g *Generator) buildSymbol(ctx context.Context, symbol string) error {
	candles, err := g.market.FetchOHLCV(ctx, symbol, g.cfg.CandleInterval, g.cfg.CandleLimit)
	if err != nil {
		return fmt.Errorf("fetch ohlcv: %w", err)
	}

	ms, err := g.analyzer.Analyze(ctx, symbol, candles)
	if err != nil {
		return fmt.Errorf("analyze structure: %w", err)
	}

	now := time.Now()
	list := g.structureTripwires(ms, now)

	for _, det := range g.detectors {
		tw, derr := det.Detect(ctx, symbol)
		if derr != nil {
			g.metrics.RecordError("anomaly_" + det.Name())
			g.l.Warn("anomaly detector failed",
				applogger.String("symbol", symbol),
				applogger.String("detector", det.Name()),
				applogger.Error(derr))
			continue
		}
		if tw != nil {
			list = append(list, tw)
		}
	}

	g.reg.ReplaceTripwires(symbol, list)
	g.metrics.RecordTripwiresArmed(symbol, len(list))
	return nil
}

// structureTripwires applies the regime policy. A breakout or breakdown
// already in progress arms nothing; the move has left the levels behind.
func (g *Generator) structureTripwires(ms models.MarketStructure, now time.Time) []*models.Tripwire {
	switch ms.Regime {
	case models.RegimeRange:
		return []*models.Tripwire{
			g.wire(ms, models.Long, ms.Resistance, models.TrapBreakout, g.cfg.RangeConfidence, g.cfg.RangeLeverage, now),
			g.wire(ms, models.Short, ms.Support, models.TrapBreakdown, g.cfg.RangeConfidence, g.cfg.RangeLeverage, now),
		}
	case models.RegimeTrendUp:
		return []*models.Tripwire{
			g.wire(ms, models.Long, ms.Support, models.TrapPullback, g.cfg.TrendConfidence, g.cfg.TrendLeverage, now),
		}
	case models.RegimeTrendDown:
		return []*models.Tripwire{
			g.wire(ms, models.Short, ms.Resistance, models.TrapPullback, g.cfg.TrendConfidence, g.cfg.TrendLeverage, now),
		}
	}
	return nil
}

func (g *Generator) wire(ms models.MarketStructure, dir models.Direction, trigger float64, tt models.TrapType, conf float64, lev int, now time.Time) *models.Tripwire {
	return &models.Tripwire{
		ID:           uuid.NewString(),
		Symbol:       ms.Symbol,
		Direction:    dir,
		TriggerPrice: trigger,
		Type:         tt,
		Confidence:   conf,
		Leverage:     lev,
		Volatility: models.VolatilityMetrics{
			ATR:            ms.ATR,
			Regime:         ms.VolRegime,
			SizeMultiplier: 1,
		},
		ADX:     ms.ADX,
		Trend:   ms.Trend,
		Created: now,
	}
}
