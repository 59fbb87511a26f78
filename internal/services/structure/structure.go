package structure

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"TrapLine/internal/domain/models"
	domserv "TrapLine/internal/domain/service"
)

// ErrInsufficientHistory means the candle window is too short to compute
// rolling structure. Callers skip the symbol for the cycle.
var ErrInsufficientHistory = errors.New("insufficient candle history")

// Config controls the rolling window math.
type Config struct {
	ExtremeProximity float64 // close-to-extreme band as a fraction, default 0.01
	ATRLookback      int     // default 14
	ADXLookback      int     // default 14
	SMAPeriod        int     // default 20
	TrendPersist     int     // cycles a direction must hold to count as a trend, default 3
	HighVolThreshold float64 // ATR/price above this is HIGH_VOL, default 0.01
}

func defaultConfig() Config {
	return Config{
		ExtremeProximity: 0.01,
		ATRLookback:      14,
		ADXLookback:      14,
		SMAPeriod:        20,
		TrendPersist:     3,
		HighVolThreshold: 0.01,
	}
}

type trendState struct {
	dir models.Trend
	age int
}

// Analyzer classifies candle windows into regime, levels and volatility
// context. Trend persistence is tracked per symbol across cycles.
type Analyzer struct {
	cfg Config

	mu    sync.Mutex
	trend map[string]*trendState
}

// NewAnalyzer creates an analyzer, filling zero config fields with defaults.
func NewAnalyzer(cfg Config) *Analyzer {
	def := defaultConfig()
	if cfg.ExtremeProximity <= 0 {
		cfg.ExtremeProximity = def.ExtremeProximity
	}
	if cfg.ATRLookback <= 0 {
		cfg.ATRLookback = def.ATRLookback
	}
	if cfg.ADXLookback <= 0 {
		cfg.ADXLookback = def.ADXLookback
	}
	if cfg.SMAPeriod <= 0 {
		cfg.SMAPeriod = def.SMAPeriod
	}
	if cfg.TrendPersist <= 0 {
		cfg.TrendPersist = def.TrendPersist
	}
	if cfg.HighVolThreshold <= 0 {
		cfg.HighVolThreshold = def.HighVolThreshold
	}
	return &Analyzer{cfg: cfg, trend: make(map[string]*trendState)}
}

// Analyze computes the symbol's market structure from the candle window.
func (a *Analyzer) Analyze(_ context.Context, symbol string, candles []models.Candle) (models.MarketStructure, error) {
	min := a.cfg.SMAPeriod + 1
	if n := a.cfg.ATRLookback + 1; n > min {
		min = n
	}
	if len(candles) < min {
		return models.MarketStructure{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientHistory, len(candles), min)
	}

	high, low := RollingExtremes(candles)
	lastClose := candles[len(candles)-1].Close
	if lastClose <= 0 || high <= 0 {
		return models.MarketStructure{}, fmt.Errorf("degenerate window for %s", symbol)
	}

	atr := ATR(candles, a.cfg.ATRLookback)
	adx := ADX(candles, a.cfg.ADXLookback)
	dir := a.smaTrend(candles)
	age := a.bumpTrend(symbol, dir)

	ms := models.MarketStructure{
		Symbol:     symbol,
		Resistance: high,
		Support:    low,
		LastClose:  lastClose,
		ATR:        atr,
		VolScore:   atr / lastClose,
		VolRegime:  a.VolRegime(atr / lastClose),
		ADX:        adx,
		Trend:      dir,
		TrendAge:   age,
	}

	switch {
	case lastClose >= high*(1-a.cfg.ExtremeProximity):
		ms.Regime = models.RegimeBreakout
	case lastClose <= low*(1+a.cfg.ExtremeProximity):
		ms.Regime = models.RegimeBreakdown
	case age >= a.cfg.TrendPersist && dir == models.TrendUp:
		ms.Regime = models.RegimeTrendUp
	case age >= a.cfg.TrendPersist && dir == models.TrendDown:
		ms.Regime = models.RegimeTrendDown
	default:
		ms.Regime = models.RegimeRange
	}
	return ms, nil
}

// VolRegime buckets a vol score against the configured threshold.
func (a *Analyzer) VolRegime(volScore float64) models.VolRegime {
	if volScore > a.cfg.HighVolThreshold {
		return models.HighVol
	}
	return models.LowVol
}

// IsTrending reports whether the regime is a persistent-trend one.
func IsTrending(r models.MarketRegime) bool {
	return r == models.RegimeTrendUp || r == models.RegimeTrendDown
}

func (a *Analyzer) smaTrend(candles []models.Candle) models.Trend {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	cur := SMA(closes, a.cfg.SMAPeriod)
	prev := SMA(closes[:len(closes)-1], a.cfg.SMAPeriod)
	switch {
	case cur > prev:
		return models.TrendUp
	case cur < prev:
		return models.TrendDown
	default:
		return models.TrendNone
	}
}

func (a *Analyzer) bumpTrend(symbol string, dir models.Trend) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.trend[symbol]
	if !ok || st.dir != dir || dir == models.TrendNone {
		st = &trendState{dir: dir, age: 1}
		a.trend[symbol] = st
		return st.age
	}
	st.age++
	return st.age
}

// RollingExtremes returns the highest high and lowest low of the window.
func RollingExtremes(candles []models.Candle) (high, low float64) {
	high = math.Inf(-1)
	low = math.Inf(1)
	for _, c := range candles {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}
	return high, low
}

// SMA of the last period values. Returns 0 when not enough data.
func SMA(vals []float64, period int) float64 {
	if period <= 0 || len(vals) < period {
		return 0
	}
	var sum float64
	for _, v := range vals[len(vals)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// ATR is the simple mean of true range over the last lookback candles.
func ATR(candles []models.Candle, lookback int) float64 {
	if lookback <= 0 || len(candles) < lookback+1 {
		return 0
	}
	var sum float64
	start := len(candles) - lookback
	for i := start; i < len(candles); i++ {
		sum += trueRange(candles[i], candles[i-1].Close)
	}
	return sum / float64(lookback)
}

// ADX computes Wilder's average directional index. Returns 0 when the
// window is too short for a stable value.
func ADX(candles []models.Candle, lookback int) float64 {
	if lookback <= 0 || len(candles) < 2*lookback+1 {
		return 0
	}

	var smTR, smPlus, smMinus float64
	var adx float64
	dxCount := 0

	for i := 1; i < len(candles); i++ {
		upMove := candles[i].High - candles[i-1].High
		downMove := candles[i-1].Low - candles[i].Low
		var plusDM, minusDM float64
		if upMove > downMove && upMove > 0 {
			plusDM = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM = downMove
		}
		tr := trueRange(candles[i], candles[i-1].Close)

		if i <= lookback {
			smTR += tr
			smPlus += plusDM
			smMinus += minusDM
			continue
		}
		// Wilder smoothing
		smTR = smTR - smTR/float64(lookback) + tr
		smPlus = smPlus - smPlus/float64(lookback) + plusDM
		smMinus = smMinus - smMinus/float64(lookback) + minusDM

		if smTR == 0 {
			continue
		}
		plusDI := 100 * smPlus / smTR
		minusDI := 100 * smMinus / smTR
		if plusDI+minusDI == 0 {
			continue
		}
		dx := 100 * math.Abs(plusDI-minusDI) / (plusDI + minusDI)
		dxCount++
		if dxCount == 1 {
			adx = dx
			continue
		}
		adx = (adx*float64(lookback-1) + dx) / float64(lookback)
	}
	if dxCount == 0 {
		return 0
	}
	return adx
}

func trueRange(c models.Candle, prevClose float64) float64 {
	tr := c.High - c.Low
	if d := math.Abs(c.High - prevClose); d > tr {
		tr = d
	}
	if d := math.Abs(c.Low - prevClose); d > tr {
		tr = d
	}
	return tr
}

var _ domserv.StructureAnalyzer = (*Analyzer)(nil)
