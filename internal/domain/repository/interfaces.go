package repository

import (
	"context"
	"time"

	"TrapLine/internal/domain/models"
)

// TradeStream is the primary venue's real-time trade subscription.
type TradeStream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, symbols []string) error
	Read(ctx context.Context) (<-chan *models.Trade, <-chan error)
	Reconnect(ctx context.Context) error
	Close() error
	IsConnected() bool
}

// TickStream is the secondary venue's price-only subscription. Feeds the
// lead/lag tracker and nothing else.
type TickStream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, symbols []string) error
	Read(ctx context.Context) (<-chan *models.Tick, <-chan error)
	Reconnect(ctx context.Context) error
	Close() error
	IsConnected() bool
}

// MarketData serves the generator's historical/reference queries.
type MarketData interface {
	FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
	FetchTopSymbolsByVolume(ctx context.Context, n int) ([]string, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// Derivatives supplies the derivative metrics the anomaly detectors watch.
type Derivatives interface {
	OpenInterest(ctx context.Context, symbol string) (float64, error)
	FundingRate(ctx context.Context, symbol string) (float64, error)
	MarkAndIndex(ctx context.Context, symbol string) (mark, index float64, err error)
}

// Journal persists pipeline events for shadow/ghost evaluation.
type Journal interface {
	Init(ctx context.Context) error // ensure tables
	Append(ctx context.Context, e *models.Event) error
	AppendBatch(ctx context.Context, events []*models.Event) error
	Query(ctx context.Context, symbol, eventType string, from, to time.Time, limit int) ([]*models.Event, error)
	Health(ctx context.Context) error
	Close() error
}

// EventPublisher forwards pipeline events to the external stream.
type EventPublisher interface {
	Publish(ctx context.Context, e *models.Event) error
	Close() error
}

// Metrics is the pipeline's recording surface.
type Metrics interface {
	RecordTrade(venue, symbol string)
	RecordTripwiresArmed(symbol string, count int)
	RecordTrapSprung(symbol, trapType string)
	RecordVeto(reason string)
	RecordDispatch(result string)
	RecordBlacklist(symbol string)
	RecordBlacklistedCount(count int)
	RecordLastPrice(symbol string, price float64)
	RecordEquity(equity float64)
	RecordLatency(op string, seconds float64)
	RecordError(kind string)
}
