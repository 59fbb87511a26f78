package usecase

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"TrapLine/internal/domain/models"
	domrepo "TrapLine/internal/domain/repository"
	domserv "TrapLine/internal/domain/service"
	"TrapLine/internal/events"
	"TrapLine/internal/middleware"
	"TrapLine/internal/registry"
	applogger "TrapLine/pkg/logger"
)

// DispatcherConfig tunes the veto chain, sizing and the two-phase
// dispatch transport.
type DispatcherConfig struct {
	Phase    string
	Producer string
	Source   string

	MicroCooldown   time.Duration
	Cooldown        time.Duration
	ConvictionRatio float64
	TrendFadeADX    float64

	// Velocity thresholds are fractional price change per second and get
	// scaled by the tripwire's volatility regime before comparison.
	ExtremeVelocity  float64
	ModerateVelocity float64
	HighVolScale     float64
	LowVolScale      float64

	AggressiveMarkupPct float64
	PassiveOffsetPct    float64
	MaxSlippageBps      int
	LeaderSlippageBps   int
	TriggerBandPct      float64

	StopLossPct        float64
	TargetPct          float64
	MaxPositionSizePct float64

	GraceWindow      time.Duration
	BurstValidity    time.Duration
	DispatchDeadline time.Duration
	IntentTTL        time.Duration

	FailureLimit      int
	BlacklistDuration time.Duration
}

func (c *DispatcherConfig) fill() {
	if c.Phase == "" {
		c.Phase = "live"
	}
	if c.Producer == "" {
		c.Producer = "trapline-dispatcher"
	}
	if c.Source == "" {
		c.Source = "trapline"
	}
	if c.MicroCooldown == 0 {
		c.MicroCooldown = time.Second
	}
	if c.Cooldown == 0 {
		c.Cooldown = 5 * time.Minute
	}
	if c.ConvictionRatio == 0 {
		c.ConvictionRatio = 0.3
	}
	if c.TrendFadeADX == 0 {
		c.TrendFadeADX = 25
	}
	if c.ExtremeVelocity == 0 {
		c.ExtremeVelocity = 0.0015
	}
	if c.ModerateVelocity == 0 {
		c.ModerateVelocity = 0.0005
	}
	if c.HighVolScale == 0 {
		c.HighVolScale = 1.5
	}
	if c.LowVolScale == 0 {
		c.LowVolScale = 0.8
	}
	if c.AggressiveMarkupPct == 0 {
		c.AggressiveMarkupPct = 0.0005
	}
	if c.PassiveOffsetPct == 0 {
		c.PassiveOffsetPct = 0.0001
	}
	if c.MaxSlippageBps == 0 {
		c.MaxSlippageBps = 20
	}
	if c.LeaderSlippageBps == 0 {
		c.LeaderSlippageBps = 10
	}
	if c.TriggerBandPct == 0 {
		c.TriggerBandPct = 0.001
	}
	if c.StopLossPct == 0 {
		c.StopLossPct = 0.01
	}
	if c.TargetPct == 0 {
		c.TargetPct = 0.03
	}
	if c.MaxPositionSizePct == 0 {
		c.MaxPositionSizePct = 0.1
	}
	if c.GraceWindow == 0 {
		c.GraceWindow = 100 * time.Millisecond
	}
	if c.BurstValidity == 0 {
		c.BurstValidity = 200 * time.Millisecond
	}
	if c.DispatchDeadline == 0 {
		c.DispatchDeadline = 2500 * time.Millisecond
	}
	if c.IntentTTL == 0 {
		c.IntentTTL = 10 * time.Second
	}
	if c.FailureLimit == 0 {
		c.FailureLimit = 3
	}
	if c.BlacklistDuration == 0 {
		c.BlacklistDuration = 5 * time.Minute
	}
}

// Dispatcher turns confirmed bursts into trading intents. Every attempt
// walks an ordered veto chain, sizes against the cached equity pushed by
// the budget feed, and hands the intent to the execution authority over
// a PREPARE / CONFIRM round trip with a pre-flight re-check in between.
type Dispatcher struct {
	cfg       DispatcherConfig
	reg       *registry.Registry
	flow      domserv.FlowTracker
	authority domserv.ExecutionAuthority
	fallback  domserv.FallbackDispatcher
	router    *middleware.SymbolRouter
	bus       *events.Bus
	metrics   domrepo.Metrics
	l         *applogger.Logger

	equityBits atomic.Uint64
	ghost      atomic.Bool
}

// NewDispatcher creates a new Dispatcher instance.
func NewDispatcher(
	cfg DispatcherConfig,
	reg *registry.Registry,
	flow domserv.FlowTracker,
	authority domserv.ExecutionAuthority,
	fallback domserv.FallbackDispatcher,
	router *middleware.SymbolRouter,
	bus *events.Bus,
	metrics domrepo.Metrics,
	l *applogger.Logger,
) *Dispatcher {
	cfg.fill()
	return &Dispatcher{
		cfg:       cfg,
		reg:       reg,
		flow:      flow,
		authority: authority,
		fallback:  fallback,
		router:    router,
		bus:       bus,
		metrics:   metrics,
		l:         l,
	}
}

// SetEquity updates the cached equity from the budget feed.
func (d *Dispatcher) SetEquity(v float64) {
	d.equityBits.Store(math.Float64bits(v))
	d.metrics.RecordEquity(v)
}

// Equity returns the last equity pushed by the budget feed.
func (d *Dispatcher) Equity() float64 {
	return math.Float64frombits(d.equityBits.Load())
}

// SetGhostMode toggles paper mode. When on, intents are built and logged
// but never dispatched.
func (d *Dispatcher) SetGhostMode(on bool) {
	d.ghost.Store(on)
	d.l.Info("ghost mode changed", applogger.Bool("enabled", on))
}

// GhostMode reports whether paper mode is on.
func (d *Dispatcher) GhostMode() bool { return d.ghost.Load() }

// Fire runs the veto chain for a confirmed burst and, if every veto
// passes, builds and dispatches a trading intent. burstVolume is the
// dominant-side volume of the burst. Fire must run on the symbol's
// router worker; the network phases continue on their own goroutine
// and re-enter the worker for state mutation.
func (d *Dispatcher) Fire(ctx context.Context, tw *models.Tripwire, microCVD, burstVolume float64) {
	now := time.Now()
	symbol := tw.Symbol

	if last := d.reg.LastActivationAttempt(symbol); !last.IsZero() && now.Sub(last) < d.cfg.MicroCooldown {
		d.veto(symbol, tw.ID, "micro_cooldown")
		return
	}
	if tw.Activated {
		d.veto(symbol, tw.ID, "already_activated")
		return
	}
	if !tw.ActivatedAt.IsZero() && now.Sub(tw.ActivatedAt) < d.cfg.Cooldown {
		d.veto(symbol, tw.ID, "cooldown")
		return
	}
	if !d.cvdAligned(tw.Direction, microCVD, burstVolume) {
		d.veto(symbol, tw.ID, "cvd_alignment")
		return
	}
	vm := d.flow.Velocity(symbol, now)
	if vm.Acceleration > 0 {
		d.veto(symbol, tw.ID, "accelerating")
		return
	}
	if d.trendFade(tw) {
		d.veto(symbol, tw.ID, "trend_fade")
		return
	}

	// Macro flow never vetoes, it only colors the activation log.
	macro := d.flow.MacroCVD(symbol, now)
	stance := "with_flow"
	if macro != 0 && sign(macro) != tw.Direction.Sign() {
		stance = "counter_flow"
	}

	d.reg.SetActivated(symbol, tw.ID, true, now)
	d.reg.RecordActivationAttempt(symbol, now)

	refPrice, ok := d.reg.GetLatestPrice(symbol)
	if !ok || refPrice <= 0 {
		refPrice = tw.TriggerPrice
	}

	intent := d.buildIntent(tw, refPrice, vm, now)
	if intent.Size <= 0 {
		d.l.Warn("no sizable budget, activation dropped",
			applogger.String("symbol", symbol),
			applogger.String("tripwire", tw.ID),
			applogger.Float64("equity", d.Equity()))
		d.bus.Publish(events.TrapAborted(symbol, tw.ID, "no sizable budget"))
		d.metrics.RecordError("no_budget")
		return
	}

	d.l.Info("trap fired",
		applogger.String("symbol", symbol),
		applogger.String("tripwire", tw.ID),
		applogger.String("direction", string(tw.Direction)),
		applogger.String("order_type", string(intent.OrderType)),
		applogger.Float64("size", intent.Size),
		applogger.Float64("micro_cvd", microCVD),
		applogger.Float64("macro_cvd", macro),
		applogger.Float64("velocity", vm.Velocity),
		applogger.String("macro_stance", stance))

	if d.ghost.Load() {
		d.l.Info("ghost mode, dispatch skipped",
			applogger.String("symbol", symbol),
			applogger.String("intent", intent.ID))
		d.metrics.RecordDispatch("ghost")
		return
	}

	go d.runDispatch(ctx, tw.ID, intent, now)
}

func (d *Dispatcher) veto(symbol, tripwireID, reason string) {
	d.metrics.RecordVeto(reason)
	d.l.Info("activation vetoed",
		applogger.String("symbol", symbol),
		applogger.String("tripwire", tripwireID),
		applogger.String("reason", reason))
}

func (d *Dispatcher) cvdAligned(dir models.Direction, microCVD, burstVolume float64) bool {
	if burstVolume <= 0 {
		return false
	}
	if sign(microCVD) != dir.Sign() {
		return false
	}
	return math.Abs(microCVD)/burstVolume >= d.cfg.ConvictionRatio
}

func (d *Dispatcher) trendFade(tw *models.Tripwire) bool {
	if tw.ADX <= d.cfg.TrendFadeADX {
		return false
	}
	return (tw.Direction == models.Long && tw.Trend == models.TrendDown) ||
		(tw.Direction == models.Short && tw.Trend == models.TrendUp)
}

func (d *Dispatcher) buildIntent(tw *models.Tripwire, refPrice float64, vm models.VelocityMetrics, now time.Time) *models.TradingIntent {
	orderType, limitPrice := d.selectOrderType(tw, refPrice, vm)

	slippage := d.cfg.MaxSlippageBps
	if d.flow.Leader(tw.Symbol) == models.VenuePrimary {
		slippage = d.cfg.LeaderSlippageBps
	}

	anchor := refPrice
	if orderType != models.OrderMarket {
		anchor = limitPrice
	}
	half := anchor * float64(slippage) / 10000
	stop := ResolveStop(tw, refPrice, d.cfg.StopLossPct)
	target := ResolveTarget(tw, refPrice, d.cfg.TargetPct)

	// Overrides reshape the risk geometry, so sizing uses the resolved
	// distances rather than the configured defaults.
	effStop := math.Abs(refPrice-stop) / refPrice
	effTarget := math.Abs(target-refPrice) / refPrice

	base := SizeByRisk(d.Equity(), tw.Confidence, tw.Leverage, effStop, effTarget, d.cfg.MaxPositionSizePct)
	size := base * sizeMultiplier(tw)

	return &models.TradingIntent{
		ID:             uuid.NewString(),
		Symbol:         tw.Symbol,
		Direction:      tw.Direction,
		EntryLow:       anchor - half,
		EntryHigh:      anchor + half,
		StopLoss:       stop,
		TakeProfits:    []float64{target},
		Confidence:     tw.Confidence,
		Leverage:       tw.Leverage,
		MaxSlippageBps: slippage,
		TrapType:       tw.Type,
		Velocity:       vm.Velocity,
		OrderType:      orderType,
		Size:           size,
		CausationID:    tw.ID,
		TTL:            d.cfg.IntentTTL,
		Created:        now,
	}
}

// selectOrderType maps instantaneous velocity to order aggression. The
// second return is the limit price; for MARKET it is the reference.
func (d *Dispatcher) selectOrderType(tw *models.Tripwire, refPrice float64, vm models.VelocityMetrics) (models.OrderType, float64) {
	scale := 1.0
	switch tw.Volatility.Regime {
	case models.HighVol:
		scale = d.cfg.HighVolScale
	case models.LowVol:
		scale = d.cfg.LowVolScale
	}

	speed := math.Abs(vm.Velocity)
	switch {
	case speed >= d.cfg.ExtremeVelocity*scale:
		return models.OrderMarket, refPrice
	case speed >= d.cfg.ModerateVelocity*scale:
		if tw.Direction == models.Short {
			return models.OrderAggressiveLimit, refPrice * (1 - d.cfg.AggressiveMarkupPct)
		}
		return models.OrderAggressiveLimit, refPrice * (1 + d.cfg.AggressiveMarkupPct)
	default:
		// Passive limit pegged just through the trigger.
		if tw.Direction == models.Short {
			return models.OrderPassiveLimit, tw.TriggerPrice * (1 - d.cfg.PassiveOffsetPct)
		}
		return models.OrderPassiveLimit, tw.TriggerPrice * (1 + d.cfg.PassiveOffsetPct)
	}
}

func sizeMultiplier(tw *models.Tripwire) float64 {
	if m := tw.Volatility.SizeMultiplier; m > 0 {
		return m
	}
	return 1
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// runDispatch drives PREPARE, the grace window, the pre-flight re-check
// and CONFIRM. It runs off the symbol's worker and re-enters it for
// every state mutation.
func (d *Dispatcher) runDispatch(ctx context.Context, tripwireID string, intent *models.TradingIntent, firedAt time.Time) {
	symbol := intent.Symbol
	env := intent.Envelope(d.cfg.Producer, d.cfg.Phase, d.cfg.Source)

	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, d.cfg.DispatchDeadline)
	ack, err := d.authority.SendPrepare(pctx, &env)
	cancel()
	d.metrics.RecordLatency("prepare", time.Since(start).Seconds())

	if err != nil || !ack.Accepted {
		if err != nil {
			d.l.Warn("prepare failed, trying fallback",
				applogger.String("symbol", symbol),
				applogger.String("intent", intent.ID),
				applogger.Error(err))
		} else {
			d.l.Warn("prepare rejected, trying fallback",
				applogger.String("symbol", symbol),
				applogger.String("intent", intent.ID),
				applogger.String("reason", ack.Reason))
		}
		d.metrics.RecordError("prepare")
		d.tryFallback(ctx, tripwireID, intent, &env)
		return
	}

	time.Sleep(d.cfg.GraceWindow)

	abortReason := make(chan string, 1)
	if rerr := d.router.RouteWait(ctx, symbol, func() {
		abortReason <- d.preflight(tripwireID, intent, firedAt)
	}); rerr != nil {
		// Pipeline is going down. Release the authority's slot and stop.
		_ = d.authority.SendAbort(context.Background(), intent.ID)
		return
	}

	if reason := <-abortReason; reason != "" {
		actx, acancel := context.WithTimeout(context.Background(), d.cfg.DispatchDeadline)
		if aerr := d.authority.SendAbort(actx, intent.ID); aerr != nil {
			d.l.Warn("abort send failed",
				applogger.String("symbol", symbol),
				applogger.String("intent", intent.ID),
				applogger.Error(aerr))
		}
		acancel()
		d.bus.Publish(events.TrapAborted(symbol, tripwireID, reason))
		d.metrics.RecordDispatch("aborted")
		d.l.Info("dispatch aborted at pre-flight",
			applogger.String("symbol", symbol),
			applogger.String("intent", intent.ID),
			applogger.String("reason", reason))
		return
	}

	cctx, ccancel := context.WithTimeout(ctx, d.cfg.DispatchDeadline)
	cack, cerr := d.authority.SendConfirm(cctx, intent.ID)
	ccancel()
	if cerr != nil || !cack.Accepted {
		if cerr != nil {
			d.l.Warn("confirm failed, trying fallback",
				applogger.String("symbol", symbol),
				applogger.String("intent", intent.ID),
				applogger.Error(cerr))
		} else {
			d.l.Warn("confirm rejected, trying fallback",
				applogger.String("symbol", symbol),
				applogger.String("intent", intent.ID),
				applogger.String("reason", cack.Reason))
		}
		d.metrics.RecordError("confirm")
		d.tryFallback(ctx, tripwireID, intent, &env)
		return
	}

	d.metrics.RecordLatency("dispatch", time.Since(start).Seconds())
	d.settleSuccess(ctx, intent)
}

// preflight re-validates the activation between PREPARE and CONFIRM.
// Runs on the symbol's router worker. Returns "" to proceed, or the
// abort reason. On abort the tripwire, if still present, is re-armed.
func (d *Dispatcher) preflight(tripwireID string, intent *models.TradingIntent, firedAt time.Time) string {
	cur, ok := d.reg.FindTripwire(intent.Symbol, tripwireID)
	if !ok {
		return "tripwire superseded"
	}
	if !cur.Activated {
		return "tripwire deactivated"
	}
	abort := func(reason string) string {
		d.reg.SetActivated(intent.Symbol, tripwireID, false, time.Time{})
		return reason
	}
	if time.Since(firedAt) > d.cfg.BurstValidity+d.cfg.GraceWindow {
		return abort("burst expired")
	}
	price, ok := d.reg.GetLatestPrice(intent.Symbol)
	if !ok {
		return abort("no reference price")
	}
	if math.Abs(price-cur.TriggerPrice)/cur.TriggerPrice > d.cfg.TriggerBandPct {
		return abort("price left trigger band")
	}
	return ""
}

// tryFallback posts the whole intent over HTTP exactly once after the
// primary transport failed at either phase.
func (d *Dispatcher) tryFallback(ctx context.Context, tripwireID string, intent *models.TradingIntent, env *models.IntentEnvelope) {
	if d.fallback == nil {
		d.l.Error("no fallback transport configured",
			applogger.String("symbol", intent.Symbol),
			applogger.String("intent", intent.ID))
		d.bus.Publish(events.TrapAborted(intent.Symbol, tripwireID, "dispatch failed"))
		d.settleFailure(ctx, intent.Symbol)
		return
	}
	fctx, cancel := context.WithTimeout(ctx, d.cfg.DispatchDeadline)
	err := d.fallback.Dispatch(fctx, env)
	cancel()
	if err != nil {
		d.l.Error("fallback dispatch failed",
			applogger.String("symbol", intent.Symbol),
			applogger.String("intent", intent.ID),
			applogger.Error(err))
		d.bus.Publish(events.TrapAborted(intent.Symbol, tripwireID, "dispatch failed"))
		d.settleFailure(ctx, intent.Symbol)
		return
	}
	d.metrics.RecordDispatch("fallback")
	d.settleSuccess(ctx, intent)
}

// settleSuccess records a completed dispatch on the symbol's worker.
func (d *Dispatcher) settleSuccess(ctx context.Context, intent *models.TradingIntent) {
	_ = d.router.RouteWait(ctx, intent.Symbol, func() {
		d.reg.ResetFailures(intent.Symbol)
	})
	fillEstimate := (intent.EntryLow + intent.EntryHigh) / 2
	d.bus.Publish(events.ExecutionComplete(intent.Symbol, intent.ID, fillEstimate))
	d.metrics.RecordDispatch("success")
	d.l.Info("dispatch complete",
		applogger.String("symbol", intent.Symbol),
		applogger.String("intent", intent.ID),
		applogger.Float64("fill_estimate", fillEstimate))
}

// settleFailure bumps the consecutive failure count on the symbol's
// worker and blacklists the symbol once the limit is hit.
func (d *Dispatcher) settleFailure(ctx context.Context, symbol string) {
	_ = d.router.RouteWait(ctx, symbol, func() {
		n := d.reg.IncrementFailures(symbol)
		d.metrics.RecordDispatch("failure")
		if n < d.cfg.FailureLimit {
			d.l.Warn("dispatch failure recorded",
				applogger.String("symbol", symbol),
				applogger.Int("consecutive", n))
			return
		}
		until := time.Now().Add(d.cfg.BlacklistDuration)
		d.reg.Blacklist(symbol, until)
		d.reg.ResetFailures(symbol)
		d.bus.Publish(events.SymbolBlacklisted(symbol, d.cfg.BlacklistDuration))
		d.metrics.RecordBlacklist(symbol)
		d.l.Error("symbol blacklisted after repeated dispatch failures",
			applogger.String("symbol", symbol),
			applogger.Int("failures", n),
			applogger.String("until", until.Format(time.RFC3339)))
	})
}
