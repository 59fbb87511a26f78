package anomaly

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"TrapLine/internal/domain/models"
	domrepo "TrapLine/internal/domain/repository"
	domserv "TrapLine/internal/domain/service"
)

// triggerOffset places anomaly triggers just past the current price so a
// burst through them is required, same as structure tripwires.
const triggerOffset = 0.001

// OIWipeout fires when open interest collapses between cycles: a mass
// liquidation usually overshoots, so it arms a snapback tripwire against
// the concurrent price move.
type OIWipeout struct {
	deriv   domrepo.Derivatives
	market  domrepo.MarketData
	dropPct float64 // fractional OI drop that counts, default 0.05

	mu   sync.Mutex
	prev map[string]oiSample
}

type oiSample struct {
	oi    float64
	price float64
}

// NewOIWipeout creates the detector. dropPct <= 0 selects the default.
func NewOIWipeout(deriv domrepo.Derivatives, market domrepo.MarketData, dropPct float64) *OIWipeout {
	if dropPct <= 0 {
		dropPct = 0.05
	}
	return &OIWipeout{deriv: deriv, market: market, dropPct: dropPct, prev: make(map[string]oiSample)}
}

func (d *OIWipeout) Name() string { return "oi_wipeout" }

// Detect compares current open interest with the previous cycle's sample.
func (d *OIWipeout) Detect(ctx context.Context, symbol string) (*models.Tripwire, error) {
	oi, err := d.deriv.OpenInterest(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("open interest %s: %w", symbol, err)
	}
	price, err := d.market.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("current price %s: %w", symbol, err)
	}

	d.mu.Lock()
	last, seen := d.prev[symbol]
	d.prev[symbol] = oiSample{oi: oi, price: price}
	d.mu.Unlock()

	if !seen || last.oi <= 0 {
		return nil, nil
	}
	drop := (last.oi - oi) / last.oi
	if drop < d.dropPct {
		return nil, nil
	}

	// liquidated longs mean price fell: snap back up; and vice versa
	dir := models.Long
	trigger := price * (1 + triggerOffset)
	if price > last.price {
		dir = models.Short
		trigger = price * (1 - triggerOffset)
	}

	return &models.Tripwire{
		ID:           uuid.NewString(),
		Symbol:       symbol,
		Direction:    dir,
		TriggerPrice: trigger,
		Type:         models.TrapOIWipeout,
		Confidence:   0.7,
		Leverage:     3,
		Volatility:   models.VolatilityMetrics{Regime: models.LowVol, SizeMultiplier: 1},
		Created:      time.Now(),
	}, nil
}

var _ domserv.AnomalyDetector = (*OIWipeout)(nil)
