package usecase

import (
	"context"
	"fmt"

	"TrapLine/internal/domain/models"
	domrepo "TrapLine/internal/domain/repository"
	domserv "TrapLine/internal/domain/service"
	applogger "TrapLine/pkg/logger"
)

// MarketIngest owns both realtime feeds and fans them into the detector.
// The primary venue's trades drive detection; the secondary venue's
// ticks only feed the lead/lag tracker, so losing the secondary feed
// degrades venue priority to UNKNOWN instead of failing startup.
type MarketIngest struct {
	primary   domrepo.TradeStream
	secondary domrepo.TickStream
	detector  *Detector
	metrics   domrepo.Metrics
	l         *applogger.Logger

	symbols     []string
	secondaryUp bool
}

// NewMarketIngest creates a new MarketIngest instance.
func NewMarketIngest(
	primary domrepo.TradeStream,
	secondary domrepo.TickStream,
	detector *Detector,
	metrics domrepo.Metrics,
	l *applogger.Logger,
	symbols []string,
) *MarketIngest {
	return &MarketIngest{
		primary:   primary,
		secondary: secondary,
		detector:  detector,
		metrics:   metrics,
		l:         l,
		symbols:   symbols,
	}
}

// IsConnected returns true if the primary stream is connected.
func (mi *MarketIngest) IsConnected() bool {
	return mi.primary.IsConnected()
}

func (mi *MarketIngest) Start(ctx context.Context) error {
	if err := mi.primary.Connect(ctx); err != nil {
		return fmt.Errorf("primary connect: %w", err)
	}
	if err := mi.primary.Subscribe(ctx, mi.symbols); err != nil {
		return fmt.Errorf("primary subscribe: %w", err)
	}
	trCh, terrCh := mi.primary.Read(ctx)
	go mi.consumeTrades(ctx, trCh, terrCh)

	if err := mi.secondary.Connect(ctx); err != nil {
		mi.metrics.RecordError("secondary_connect")
		mi.l.Warn("secondary venue unavailable, venue priority degraded", applogger.Error(err))
		return nil
	}
	if err := mi.secondary.Subscribe(ctx, mi.symbols); err != nil {
		mi.metrics.RecordError("secondary_subscribe")
		mi.l.Warn("secondary subscribe failed, venue priority degraded", applogger.Error(err))
		return nil
	}
	mi.secondaryUp = true
	tkCh, kerrCh := mi.secondary.Read(ctx)
	go mi.consumeTicks(ctx, tkCh, kerrCh)
	return nil
}

// EnsureSymbols extends both subscriptions to cover the given universe.
// The streams keep their own subscription sets and dedupe internally.
func (mi *MarketIngest) EnsureSymbols(ctx context.Context, symbols []string) error {
	if err := mi.primary.Subscribe(ctx, symbols); err != nil {
		return fmt.Errorf("primary subscribe: %w", err)
	}
	if mi.secondaryUp {
		if err := mi.secondary.Subscribe(ctx, symbols); err != nil {
			mi.metrics.RecordError("secondary_subscribe")
			mi.l.Warn("secondary subscribe failed", applogger.Error(err))
		}
	}
	mi.l.Debug("subscriptions ensured", applogger.Strings("symbols", symbols))
	return nil
}

func (mi *MarketIngest) consumeTrades(ctx context.Context, trCh <-chan *models.Trade, errCh <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errCh:
			if err != nil {
				mi.metrics.RecordError("primary_stream")
				_ = mi.primary.Reconnect(ctx)
			}
		case t := <-trCh:
			if t == nil {
				continue
			}
			mi.metrics.RecordTrade(string(models.VenuePrimary), t.Symbol)
			mi.detector.OnTrades(ctx, t.Symbol, []*models.Trade{t})
		}
	}
}

func (mi *MarketIngest) consumeTicks(ctx context.Context, tkCh <-chan *models.Tick, errCh <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errCh:
			if err != nil {
				mi.metrics.RecordError("secondary_stream")
				_ = mi.secondary.Reconnect(ctx)
			}
		case tk := <-tkCh:
			if tk == nil {
				continue
			}
			mi.detector.OnTick(tk)
		}
	}
}

// Shutdown closes both streams.
func (mi *MarketIngest) Shutdown(ctx context.Context) error {
	if mi.secondaryUp {
		_ = mi.secondary.Close()
	}
	return mi.primary.Close()
}

var _ domserv.SymbolSubscriber = (*MarketIngest)(nil)
