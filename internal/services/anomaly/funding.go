package anomaly

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"TrapLine/internal/domain/models"
	domrepo "TrapLine/internal/domain/repository"
	domserv "TrapLine/internal/domain/service"
)

// FundingSqueeze fires when the funding rate goes extreme: a crowded
// side pays to stay in, and the unwind runs against it.
type FundingSqueeze struct {
	deriv     domrepo.Derivatives
	market    domrepo.MarketData
	threshold float64 // absolute funding rate per interval, default 0.0005
}

// NewFundingSqueeze creates the detector. threshold <= 0 selects the default.
func NewFundingSqueeze(deriv domrepo.Derivatives, market domrepo.MarketData, threshold float64) *FundingSqueeze {
	if threshold <= 0 {
		threshold = 0.0005
	}
	return &FundingSqueeze{deriv: deriv, market: market, threshold: threshold}
}

func (d *FundingSqueeze) Name() string { return "funding_squeeze" }

// Detect arms a tripwire against the crowded side when funding is extreme.
func (d *FundingSqueeze) Detect(ctx context.Context, symbol string) (*models.Tripwire, error) {
	rate, err := d.deriv.FundingRate(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("funding rate %s: %w", symbol, err)
	}
	if math.Abs(rate) < d.threshold {
		return nil, nil
	}
	price, err := d.market.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("current price %s: %w", symbol, err)
	}

	// positive funding = crowded longs = squeeze runs down
	dir := models.Short
	trigger := price * (1 - triggerOffset)
	if rate < 0 {
		dir = models.Long
		trigger = price * (1 + triggerOffset)
	}

	return &models.Tripwire{
		ID:           uuid.NewString(),
		Symbol:       symbol,
		Direction:    dir,
		TriggerPrice: trigger,
		Type:         models.TrapFundingSqueeze,
		Confidence:   0.65,
		Leverage:     2,
		Volatility:   models.VolatilityMetrics{Regime: models.LowVol, SizeMultiplier: 1},
		Created:      time.Now(),
	}, nil
}

var _ domserv.AnomalyDetector = (*FundingSqueeze)(nil)
