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

// BasisArb fires when the perp mark diverges from the index: basis
// converges, so it arms a tripwire in the convergence direction.
type BasisArb struct {
	deriv        domrepo.Derivatives
	thresholdBps float64 // |mark-index|/index in bps, default 30
}

// NewBasisArb creates the detector. thresholdBps <= 0 selects the default.
func NewBasisArb(deriv domrepo.Derivatives, thresholdBps float64) *BasisArb {
	if thresholdBps <= 0 {
		thresholdBps = 30
	}
	return &BasisArb{deriv: deriv, thresholdBps: thresholdBps}
}

func (d *BasisArb) Name() string { return "basis_arb" }

// Detect arms a convergence tripwire when the basis is stretched.
func (d *BasisArb) Detect(ctx context.Context, symbol string) (*models.Tripwire, error) {
	mark, index, err := d.deriv.MarkAndIndex(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("mark/index %s: %w", symbol, err)
	}
	if index <= 0 {
		return nil, nil
	}
	basisBps := (mark - index) / index * 10000
	if math.Abs(basisBps) < d.thresholdBps {
		return nil, nil
	}

	// premium converges down, discount converges up
	dir := models.Short
	trigger := mark * (1 - triggerOffset)
	if basisBps < 0 {
		dir = models.Long
		trigger = mark * (1 + triggerOffset)
	}

	return &models.Tripwire{
		ID:           uuid.NewString(),
		Symbol:       symbol,
		Direction:    dir,
		TriggerPrice: trigger,
		Type:         models.TrapBasisArb,
		Confidence:   0.6,
		Leverage:     2,
		Volatility:   models.VolatilityMetrics{Regime: models.LowVol, SizeMultiplier: 1},
		Created:      time.Now(),
	}, nil
}

var _ domserv.AnomalyDetector = (*BasisArb)(nil)
