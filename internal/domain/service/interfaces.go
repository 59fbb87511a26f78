package service

import (
	"context"
	"time"

	"TrapLine/internal/domain/models"
)

// StructureAnalyzer classifies a candle window into regime, levels and
// volatility context.
type StructureAnalyzer interface {
	Analyze(ctx context.Context, symbol string, candles []models.Candle) (models.MarketStructure, error)
}

// AnomalyDetector inspects one symbol per generation cycle and may yield
// a single tripwire. A nil tripwire with nil error means nothing found.
type AnomalyDetector interface {
	Name() string
	Detect(ctx context.Context, symbol string) (*models.Tripwire, error)
}

// FlowTracker ingests raw prints/ticks and answers short-horizon flow
// queries. All methods are in-memory and safe for the hot path.
type FlowTracker interface {
	ObserveTrade(t *models.Trade)
	ObserveTick(tk *models.Tick)
	Velocity(symbol string, now time.Time) models.VelocityMetrics
	MacroCVD(symbol string, now time.Time) float64
	Leader(symbol string) models.Venue
}

// ExecutionAuthority is the remote side of the two-phase dispatch.
type ExecutionAuthority interface {
	SendPrepare(ctx context.Context, env *models.IntentEnvelope) (models.DispatchAck, error)
	SendConfirm(ctx context.Context, intentID string) (models.DispatchAck, error)
	SendAbort(ctx context.Context, intentID string) error
}

// FallbackDispatcher posts a whole intent in one shot when the primary
// transport fails. It is tried exactly once per intent.
type FallbackDispatcher interface {
	Dispatch(ctx context.Context, env *models.IntentEnvelope) error
}

// SymbolSubscriber keeps the realtime subscriptions aligned with the
// generation universe.
type SymbolSubscriber interface {
	EnsureSymbols(ctx context.Context, symbols []string) error
}

// Notifier delivers operator-facing messages.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}
