package models

import "time"

// Direction of a trade setup.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Sign returns +1 for LONG, -1 for SHORT, 0 otherwise.
func (d Direction) Sign() int {
	switch d {
	case Long:
		return 1
	case Short:
		return -1
	default:
		return 0
	}
}

// TrapType classifies what market behavior a tripwire hunts.
type TrapType string

const (
	TrapBreakout  TrapType = "BREAKOUT"
	TrapBreakdown TrapType = "BREAKDOWN"
	TrapPullback  TrapType = "PULLBACK"

	// Detector-supplied types, appended verbatim by the generator.
	TrapOIWipeout      TrapType = "OI_WIPEOUT"
	TrapFundingSqueeze TrapType = "FUNDING_SQUEEZE"
	TrapBasisArb       TrapType = "BASIS_ARB"
)

// VolRegime buckets the volatility environment a tripwire was built in.
type VolRegime string

const (
	HighVol VolRegime = "HIGH_VOL"
	LowVol  VolRegime = "LOW_VOL"
)

// Trend is an optional hint recorded at generation time.
type Trend string

const (
	TrendUp   Trend = "UP"
	TrendDown Trend = "DOWN"
	TrendNone Trend = "NONE"
)

// VolatilityMetrics snapshot the volatility context at generation time.
type VolatilityMetrics struct {
	ATR            float64   `json:"atr"`
	Regime         VolRegime `json:"regime"`
	SizeMultiplier float64   `json:"size_multiplier"` // reserved, defaults to 1
}

// Tripwire is a precomputed conditional trigger awaiting market confirmation.
// The full set per symbol is discarded and rebuilt each generation cycle;
// nothing carries over, including activation state.
type Tripwire struct {
	ID           string            `json:"id"`
	Symbol       string            `json:"symbol"`
	Direction    Direction         `json:"direction"`
	TriggerPrice float64           `json:"trigger_price"`
	Type         TrapType          `json:"type"`
	Confidence   float64           `json:"confidence"` // 0..1
	Leverage     int               `json:"leverage"`
	Volatility   VolatilityMetrics `json:"volatility"`
	StopLoss     float64           `json:"stop_loss,omitempty"`    // 0 = resolve from reference price
	TargetPrice  float64           `json:"target_price,omitempty"` // 0 = resolve from reference price
	ADX          float64           `json:"adx,omitempty"`          // 0 = no trend-strength hint
	Trend        Trend             `json:"trend,omitempty"`
	Created      time.Time         `json:"created"`
	Activated    bool              `json:"activated"`
	ActivatedAt  time.Time         `json:"activated_at,omitempty"`
}

// VolumeWindow accumulates a burst of trades near a trigger price.
// Ephemeral: created on the first qualifying trade, reset once evaluated.
type VolumeWindow struct {
	TradeCount  int
	BuyVolume   float64
	SellVolume  float64
	WindowStart time.Time
}

// MicroCVD is the signed volume delta of the burst.
func (w *VolumeWindow) MicroCVD() float64 { return w.BuyVolume - w.SellVolume }

// TotalVolume is the unsigned burst volume.
func (w *VolumeWindow) TotalVolume() float64 { return w.BuyVolume + w.SellVolume }

// Age of the window relative to now.
func (w *VolumeWindow) Age(now time.Time) time.Duration { return now.Sub(w.WindowStart) }

// AntiGamingState tracks per-symbol activation and failure bookkeeping.
type AntiGamingState struct {
	LastActivationAttempt time.Time `json:"last_activation_attempt"`
	ConsecutiveFailures   int       `json:"consecutive_failures"`
	BlacklistedUntil      time.Time `json:"blacklisted_until"`
}
