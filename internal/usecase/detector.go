package usecase

import (
	"context"
	"math"
	"time"

	"TrapLine/internal/domain/models"
	domrepo "TrapLine/internal/domain/repository"
	domserv "TrapLine/internal/domain/service"
	"TrapLine/internal/events"
	"TrapLine/internal/middleware"
	"TrapLine/internal/registry"
	applogger "TrapLine/pkg/logger"
)

// DetectorConfig tunes burst detection and confirmation.
type DetectorConfig struct {
	ProximityPct   float64
	WindowDuration time.Duration
	MinTrades      int
	ConfirmDelay   time.Duration
	ConfirmBandPct float64
	Cooldown       time.Duration
}

func (c *DetectorConfig) fill() {
	if c.ProximityPct == 0 {
		c.ProximityPct = 0.001
	}
	if c.WindowDuration == 0 {
		c.WindowDuration = 100 * time.Millisecond
	}
	if c.MinTrades == 0 {
		c.MinTrades = 50
	}
	if c.ConfirmDelay == 0 {
		c.ConfirmDelay = 200 * time.Millisecond
	}
	if c.ConfirmBandPct == 0 {
		c.ConfirmBandPct = 0.0005
	}
	if c.Cooldown == 0 {
		c.Cooldown = 5 * time.Minute
	}
}

// Detector watches the primary trade stream for volume bursts near armed
// trigger prices. A qualifying burst springs the trap and schedules a
// delayed confirmation; only a confirmation that still holds the trigger
// level reaches the dispatcher.
type Detector struct {
	cfg        DetectorConfig
	reg        *registry.Registry
	flow       domserv.FlowTracker
	router     *middleware.SymbolRouter
	dispatcher *Dispatcher
	bus        *events.Bus
	metrics    domrepo.Metrics
	l          *applogger.Logger
}

// NewDetector creates a new Detector instance.
func NewDetector(
	cfg DetectorConfig,
	reg *registry.Registry,
	flow domserv.FlowTracker,
	router *middleware.SymbolRouter,
	dispatcher *Dispatcher,
	bus *events.Bus,
	metrics domrepo.Metrics,
	l *applogger.Logger,
) *Detector {
	cfg.fill()
	return &Detector{
		cfg:        cfg,
		reg:        reg,
		flow:       flow,
		router:     router,
		dispatcher: dispatcher,
		bus:        bus,
		metrics:    metrics,
		l:          l,
	}
}

// OnTrades hands a primary-venue trade batch to the symbol's worker.
// Dropping a batch under backpressure is acceptable; the next batch
// carries the price forward.
func (d *Detector) OnTrades(ctx context.Context, symbol string, trades []*models.Trade) {
	if len(trades) == 0 {
		return
	}
	if !d.router.Route(symbol, func() {
		d.processTrades(ctx, symbol, trades)
	}) {
		d.metrics.RecordError("detector_backpressure")
	}
}

// OnTick ingests a secondary-venue tick. Ticks feed only the lead/lag
// tracker, never detection.
func (d *Detector) OnTick(tk *models.Tick) {
	d.flow.ObserveTick(tk)
}

// processTrades runs on the symbol's router worker.
func (d *Detector) processTrades(ctx context.Context, symbol string, trades []*models.Trade) {
	last := trades[len(trades)-1]
	refPrice := last.Price
	batchTS := last.Timestamp

	d.reg.SetLatestPrice(symbol, refPrice)
	for _, t := range trades {
		d.flow.ObserveTrade(t)
	}
	d.metrics.RecordLastPrice(symbol, refPrice)

	wires := d.reg.GetTripwires(symbol)
	if len(wires) == 0 {
		return
	}

	now := time.Now()
	if d.reg.IsBlacklisted(symbol, now) {
		return
	}

	accumulated := false
	for _, tw := range wires {
		if tw.Activated {
			continue
		}
		if !tw.ActivatedAt.IsZero() && now.Sub(tw.ActivatedAt) < d.cfg.Cooldown {
			continue
		}
		if math.Abs(refPrice-tw.TriggerPrice)/tw.TriggerPrice > d.cfg.ProximityPct {
			continue
		}

		if !accumulated {
			w, ok := d.reg.GetVolumeWindow(symbol)
			if !ok {
				w = &models.VolumeWindow{WindowStart: batchTS}
			}
			for _, t := range trades {
				w.TradeCount++
				if t.TakerBuy {
					w.BuyVolume += t.Quantity
				} else {
					w.SellVolume += t.Quantity
				}
			}
			d.reg.SetVolumeWindow(symbol, w)
			accumulated = true
		}

		w, ok := d.reg.GetVolumeWindow(symbol)
		if !ok || w.Age(batchTS) < d.cfg.WindowDuration {
			continue
		}

		if w.TradeCount >= d.cfg.MinTrades {
			d.spring(ctx, tw, refPrice, w)
		}
		// The window is single-shot regardless of outcome.
		d.reg.ClearVolumeWindow(symbol)
	}
}

func (d *Detector) spring(ctx context.Context, tw *models.Tripwire, price float64, w *models.VolumeWindow) {
	microCVD := w.MicroCVD()
	burst := math.Max(w.BuyVolume, w.SellVolume)

	d.l.Info("trap sprung",
		applogger.String("symbol", tw.Symbol),
		applogger.String("tripwire", tw.ID),
		applogger.String("type", string(tw.Type)),
		applogger.Float64("price", price),
		applogger.Int("trade_count", w.TradeCount),
		applogger.Float64("micro_cvd", microCVD))

	d.bus.Publish(events.TrapSprung(tw, price, w.TradeCount, microCVD))
	d.metrics.RecordTrapSprung(tw.Symbol, string(tw.Type))
	d.scheduleConfirmation(ctx, tw.Symbol, tw.ID, microCVD, burst)
}

// scheduleConfirmation re-checks the trigger level after the burst has
// had time to either hold or revert. The callback re-enters the symbol's
// worker and must not be dropped.
func (d *Detector) scheduleConfirmation(ctx context.Context, symbol, id string, microCVD, burstVolume float64) {
	time.AfterFunc(d.cfg.ConfirmDelay, func() {
		if err := d.router.RouteWait(ctx, symbol, func() {
			d.confirm(ctx, symbol, id, microCVD, burstVolume)
		}); err != nil {
			d.l.Warn("confirmation dropped",
				applogger.String("symbol", symbol),
				applogger.String("tripwire", id),
				applogger.Error(err))
		}
	})
}

// confirm runs on the symbol's router worker, ConfirmDelay after the
// spring. The tripwire is re-fetched by id so a set replaced by a newer
// generation cycle turns the callback into a no-op.
func (d *Detector) confirm(ctx context.Context, symbol, id string, microCVD, burstVolume float64) {
	tw, ok := d.reg.FindTripwire(symbol, id)
	if !ok {
		d.l.Debug("confirmation skipped, tripwire superseded",
			applogger.String("symbol", symbol),
			applogger.String("tripwire", id))
		return
	}

	price, ok := d.reg.GetLatestPrice(symbol)
	if !ok {
		d.l.Warn("confirmation without cached price",
			applogger.String("symbol", symbol),
			applogger.String("tripwire", id))
		return
	}

	var held bool
	if tw.Direction == models.Short {
		held = price <= tw.TriggerPrice*(1+d.cfg.ConfirmBandPct)
	} else {
		held = price >= tw.TriggerPrice*(1-d.cfg.ConfirmBandPct)
	}
	if !held {
		d.bus.Publish(events.TrapAborted(symbol, id, "wick reversion"))
		d.metrics.RecordVeto("wick_reversion")
		d.l.Info("wick reversion, trap aborted",
			applogger.String("symbol", symbol),
			applogger.String("tripwire", id),
			applogger.Float64("price", price),
			applogger.Float64("trigger", tw.TriggerPrice))
		return
	}

	d.dispatcher.Fire(ctx, tw, microCVD, burstVolume)
}
