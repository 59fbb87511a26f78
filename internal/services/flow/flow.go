package flow

import (
	"math"
	"sync"
	"time"

	"TrapLine/internal/domain/models"
	domserv "TrapLine/internal/domain/service"
)

// Config controls the sliding windows.
type Config struct {
	VelocityWindow time.Duration // short horizon for velocity/acceleration, default 2s
	MacroWindow    time.Duration // macro CVD lookback, default 60s
	ImpulseBps     float64       // move size that counts as an impulse, default 5
	PairWindow     time.Duration // max spacing between paired venue impulses, default 2s
	StaleAfter     time.Duration // impulses older than this never classify, default 10s
}

func (c *Config) fill() {
	if c.VelocityWindow <= 0 {
		c.VelocityWindow = 2 * time.Second
	}
	if c.MacroWindow <= 0 {
		c.MacroWindow = 60 * time.Second
	}
	if c.ImpulseBps <= 0 {
		c.ImpulseBps = 5
	}
	if c.PairWindow <= 0 {
		c.PairWindow = 2 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Second
	}
}

type pricePoint struct {
	ts    time.Time
	price float64
}

type flowPoint struct {
	ts     time.Time
	signed float64 // +qty taker buy, -qty taker sell
}

type priceSeries struct {
	points []pricePoint
}

func (s *priceSeries) append(p pricePoint, window time.Duration) {
	s.points = append(s.points, p)
	cutoff := p.ts.Add(-window)
	idx := 0
	for i, pt := range s.points {
		if pt.ts.After(cutoff) {
			idx = i
			break
		}
		idx = i + 1
	}
	if idx > 0 && idx <= len(s.points) {
		s.points = s.points[idx:]
	}
}

// at returns the most recent point at or before ts, ok=false when none.
func (s *priceSeries) at(ts time.Time) (pricePoint, bool) {
	for i := len(s.points) - 1; i >= 0; i-- {
		if !s.points[i].ts.After(ts) {
			return s.points[i], true
		}
	}
	return pricePoint{}, false
}

type impulsePair struct {
	primary   time.Time
	secondary time.Time
}

// Tracker ingests raw prints and ticks, maintaining per-symbol sliding
// windows for velocity, acceleration, macro CVD and lead/lag.
type Tracker struct {
	cfg Config

	mu      sync.Mutex
	prices  map[string]*priceSeries // primary venue prints
	flows   map[string][]flowPoint  // signed volumes, macro window
	ticks   map[string]*priceSeries // secondary venue ticks
	impulse map[string]*impulsePair
}

// NewTracker creates a flow tracker.
func NewTracker(cfg Config) *Tracker {
	cfg.fill()
	return &Tracker{
		cfg:     cfg,
		prices:  make(map[string]*priceSeries),
		flows:   make(map[string][]flowPoint),
		ticks:   make(map[string]*priceSeries),
		impulse: make(map[string]*impulsePair),
	}
}

// ObserveTrade feeds one primary venue print.
func (t *Tracker) ObserveTrade(tr *models.Trade) {
	if tr == nil || tr.Symbol == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	ps := t.prices[tr.Symbol]
	if ps == nil {
		ps = &priceSeries{}
		t.prices[tr.Symbol] = ps
	}
	t.detectImpulse(tr.Symbol, ps, tr.Price, tr.Timestamp, true)
	// keep price points long enough for the macro lookback too
	ps.append(pricePoint{ts: tr.Timestamp, price: tr.Price}, t.cfg.MacroWindow)

	signed := tr.Quantity
	if !tr.TakerBuy {
		signed = -tr.Quantity
	}
	fp := append(t.flows[tr.Symbol], flowPoint{ts: tr.Timestamp, signed: signed})
	cutoff := tr.Timestamp.Add(-t.cfg.MacroWindow)
	idx := 0
	for i, p := range fp {
		if p.ts.After(cutoff) {
			idx = i
			break
		}
		idx = i + 1
	}
	if idx > 0 && idx <= len(fp) {
		fp = fp[idx:]
	}
	t.flows[tr.Symbol] = fp
}

// ObserveTick feeds one secondary venue price update.
func (t *Tracker) ObserveTick(tk *models.Tick) {
	if tk == nil || tk.Symbol == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	ps := t.ticks[tk.Symbol]
	if ps == nil {
		ps = &priceSeries{}
		t.ticks[tk.Symbol] = ps
	}
	t.detectImpulse(tk.Symbol, ps, tk.Price, tk.Timestamp, false)
	ps.append(pricePoint{ts: tk.Timestamp, price: tk.Price}, t.cfg.StaleAfter)
}

// Velocity returns the symbol's short-horizon motion at now. Zero metrics
// when the window holds fewer than three points.
func (t *Tracker) Velocity(symbol string, now time.Time) models.VelocityMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps := t.prices[symbol]
	if ps == nil {
		return models.VelocityMetrics{}
	}
	start := now.Add(-t.cfg.VelocityWindow)
	var window []pricePoint
	for _, p := range ps.points {
		if p.ts.After(start) && !p.ts.After(now) {
			window = append(window, p)
		}
	}
	if len(window) < 3 {
		return models.VelocityMetrics{}
	}

	first, last := window[0], window[len(window)-1]
	dt := last.ts.Sub(first.ts).Seconds()
	if dt <= 0 || first.price <= 0 {
		return models.VelocityMetrics{}
	}
	vel := (last.price - first.price) / first.price / dt

	// split at the window midpoint for a first difference of velocity
	mid := first.ts.Add(last.ts.Sub(first.ts) / 2)
	var midPt pricePoint
	found := false
	for i := len(window) - 1; i >= 0; i-- {
		if !window[i].ts.After(mid) {
			midPt = window[i]
			found = true
			break
		}
	}
	if !found || midPt.ts.Equal(first.ts) || midPt.ts.Equal(last.ts) {
		return models.VelocityMetrics{Velocity: vel}
	}
	d1 := midPt.ts.Sub(first.ts).Seconds()
	d2 := last.ts.Sub(midPt.ts).Seconds()
	if d1 <= 0 || d2 <= 0 || midPt.price <= 0 {
		return models.VelocityMetrics{Velocity: vel}
	}
	v1 := (midPt.price - first.price) / first.price / d1
	v2 := (last.price - midPt.price) / midPt.price / d2
	acc := (v2 - v1) / ((d1 + d2) / 2)

	return models.VelocityMetrics{Velocity: vel, Acceleration: acc}
}

// MacroCVD sums signed volume over the macro lookback ending at now.
func (t *Tracker) MacroCVD(symbol string, now time.Time) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-t.cfg.MacroWindow)
	var cvd float64
	for _, p := range t.flows[symbol] {
		if p.ts.After(cutoff) && !p.ts.After(now) {
			cvd += p.signed
		}
	}
	return cvd
}

// Leader classifies which venue is currently leading price discovery for
// the symbol. UNKNOWN when there is no recent paired impulse.
func (t *Tracker) Leader(symbol string) models.Venue {
	t.mu.Lock()
	defer t.mu.Unlock()

	imp := t.impulse[symbol]
	if imp == nil {
		return models.VenueUnknown
	}
	now := time.Now()
	pFresh := !imp.primary.IsZero() && now.Sub(imp.primary) <= t.cfg.StaleAfter
	sFresh := !imp.secondary.IsZero() && now.Sub(imp.secondary) <= t.cfg.StaleAfter

	switch {
	case pFresh && sFresh:
		gap := imp.primary.Sub(imp.secondary)
		if gap < 0 {
			gap = -gap
		}
		if gap > t.cfg.PairWindow {
			// unpaired moves: the later one is the fresher leader
			if imp.primary.After(imp.secondary) {
				return models.VenuePrimary
			}
			return models.VenueSecondary
		}
		// paired: whoever moved first led the move
		if imp.primary.Before(imp.secondary) {
			return models.VenuePrimary
		}
		return models.VenueSecondary
	case pFresh:
		return models.VenuePrimary
	case sFresh:
		return models.VenueSecondary
	default:
		return models.VenueUnknown
	}
}

// caller holds the lock
func (t *Tracker) detectImpulse(symbol string, ps *priceSeries, price float64, ts time.Time, primary bool) {
	ref, ok := ps.at(ts.Add(-time.Second))
	if !ok || ref.price <= 0 {
		return
	}
	bps := math.Abs(price-ref.price) / ref.price * 10000
	if bps < t.cfg.ImpulseBps {
		return
	}
	imp := t.impulse[symbol]
	if imp == nil {
		imp = &impulsePair{}
		t.impulse[symbol] = imp
	}
	if primary {
		if imp.primary.IsZero() || ts.After(imp.primary.Add(t.cfg.PairWindow)) {
			imp.primary = ts
		}
	} else {
		if imp.secondary.IsZero() || ts.After(imp.secondary.Add(t.cfg.PairWindow)) {
			imp.secondary = ts
		}
	}
}

var _ domserv.FlowTracker = (*Tracker)(nil)
