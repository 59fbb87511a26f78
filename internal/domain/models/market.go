package models

import "time"

// Trade is a normalized trade print from the primary venue.
type Trade struct {
	Symbol    string
	Price     float64
	Quantity  float64
	TakerBuy  bool
	Timestamp time.Time
}

// Tick is a plain price update from the secondary venue. Feeds the
// lead/lag tracker only, never detection.
type Tick struct {
	Symbol    string
	Price     float64
	Timestamp time.Time
}

// Candle represents an OHLCV record.
type Candle struct {
	Bucket time.Time
	Symbol string
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// MarketRegime classifies where the latest close sits in the recent range.
type MarketRegime string

const (
	RegimeBreakout  MarketRegime = "BREAKOUT"
	RegimeBreakdown MarketRegime = "BREAKDOWN"
	RegimeRange     MarketRegime = "RANGE"
	RegimeTrendUp   MarketRegime = "TREND_UP"
	RegimeTrendDown MarketRegime = "TREND_DOWN"
)

// MarketStructure summarizes a candle window for tripwire generation.
type MarketStructure struct {
	Symbol     string
	Regime     MarketRegime
	Resistance float64 // rolling high of the window
	Support    float64 // rolling low of the window
	LastClose  float64
	ATR        float64
	VolScore   float64   // ATR / last close
	VolRegime  VolRegime // VolScore bucketed against the analyzer threshold
	ADX        float64
	Trend      Trend
	TrendAge   int // consecutive cycles the trend direction has held
}

// VelocityMetrics capture short-horizon price motion for a symbol.
// Velocity is fractional price change per second; acceleration is its
// first difference per second.
type VelocityMetrics struct {
	Velocity     float64
	Acceleration float64
}

// Venue identifies one of the two correlated markets we watch.
type Venue string

const (
	VenuePrimary   Venue = "PRIMARY"
	VenueSecondary Venue = "SECONDARY"
	VenueUnknown   Venue = "UNKNOWN"
)

// Budget is one payload from the budget feed. The dispatcher filters for
// its own phase id and caches MaxNotional as equity.
type Budget struct {
	PhaseID     string  `json:"phase_id"`
	MaxNotional float64 `json:"max_notional"`
	State       string  `json:"state"`
}
