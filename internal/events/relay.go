package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"TrapLine/internal/domain/models"
	domrepo "TrapLine/internal/domain/repository"
	domserv "TrapLine/internal/domain/service"
	applogger "TrapLine/pkg/logger"
)

// Relay drains the bus into the durable sinks: the ClickHouse journal,
// the Kafka event stream, and the operator alert channel. Each sink
// runs its own loop so a slow one only loses its own events.
type Relay struct {
	bus      *Bus
	journal  domrepo.Journal
	pub      domrepo.EventPublisher
	notifier domserv.Notifier
	metrics  domrepo.Metrics
	l        *applogger.Logger

	flushInterval time.Duration
	batchSize     int

	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewRelay creates the event relay. journal, pub, and notifier may each
// be nil when that sink is not configured.
func NewRelay(
	bus *Bus,
	journal domrepo.Journal,
	pub domrepo.EventPublisher,
	notifier domserv.Notifier,
	metrics domrepo.Metrics,
	l *applogger.Logger,
	flushInterval time.Duration,
	batchSize int,
) *Relay {
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{
		bus:           bus,
		journal:       journal,
		pub:           pub,
		notifier:      notifier,
		metrics:       metrics,
		l:             l,
		flushInterval: flushInterval,
		batchSize:     batchSize,
	}
}

// Start subscribes the sinks and launches their loops.
func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	if r.journal != nil {
		ch := r.bus.Subscribe("journal", 512)
		r.wg.Add(1)
		go r.journalLoop(ctx, ch)
	}
	if r.pub != nil {
		ch := r.bus.Subscribe("stream", 256)
		r.wg.Add(1)
		go r.streamLoop(ctx, ch)
	}
	if r.notifier != nil {
		ch := r.bus.Subscribe("notify", 64)
		r.wg.Add(1)
		go r.notifyLoop(ctx, ch)
	}
}

// Wait blocks until every sink loop has drained. Call after the bus is
// closed.
func (r *Relay) Wait() {
	r.wg.Wait()
}

func (r *Relay) journalLoop(ctx context.Context, ch <-chan *models.Event) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]*models.Event, 0, r.batchSize)

	flush := func(fctx context.Context) {
		if len(batch) == 0 {
			return
		}
		backoff := 50 * time.Millisecond
		for attempt := 0; attempt < 3; attempt++ {
			err := r.journal.AppendBatch(fctx, batch)
			if err == nil {
				batch = batch[:0]
				return
			}
			r.metrics.RecordError("journal_flush")
			if r.l != nil {
				r.l.Warn("journal flush failed",
					applogger.Int("events", len(batch)),
					applogger.Error(err))
			}
			select {
			case <-fctx.Done():
				return
			case <-time.After(backoff):
			}
			// exponential backoff with cap
			if backoff < 2*time.Second {
				backoff *= 2
			}
		}
		r.metrics.RecordError("journal_drop")
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				flush(fctx)
				cancel()
				return
			}
			batch = append(batch, e)
			if len(batch) >= r.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

func (r *Relay) streamLoop(ctx context.Context, ch <-chan *models.Event) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			backoff := 50 * time.Millisecond
			for attempt := 0; attempt < 3; attempt++ {
				err := r.pub.Publish(ctx, e)
				if err == nil {
					break
				}
				r.metrics.RecordError("events_publish")
				if r.l != nil {
					r.l.Warn("event publish failed",
						applogger.String("event", string(e.Type)),
						applogger.Error(err))
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff < 2*time.Second {
					backoff *= 2
				}
			}
		}
	}
}

func (r *Relay) notifyLoop(ctx context.Context, ch <-chan *models.Event) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			text := alertText(e)
			if text == "" {
				continue
			}
			if err := r.notifier.Notify(ctx, text); err != nil {
				r.metrics.RecordError("notify")
				if r.l != nil {
					r.l.Warn("notify failed",
						applogger.String("event", string(e.Type)),
						applogger.Error(err))
				}
			}
		}
	}
}

// alertText renders operator-facing events. Everything else stays off
// the alert channel.
func alertText(e *models.Event) string {
	switch e.Type {
	case models.EventSymbolBlacklisted:
		if e.SymbolBlacklisted == nil {
			return ""
		}
		d := time.Duration(e.SymbolBlacklisted.DurationMs) * time.Millisecond
		return fmt.Sprintf("%s blacklisted for %s after repeated dispatch failures", e.Symbol, d)
	case models.EventExecutionComplete:
		if e.ExecutionComplete == nil {
			return ""
		}
		return fmt.Sprintf("execution confirmed %s intent %s fill est %.4f",
			e.Symbol, e.ExecutionComplete.IntentID, e.ExecutionComplete.FillPriceEstimate)
	case models.EventBudgetUpdated:
		if e.BudgetUpdated == nil || e.BudgetUpdated.State == "ACTIVE" {
			return ""
		}
		return fmt.Sprintf("budget phase %s entered state %s, max notional %.0f",
			e.BudgetUpdated.PhaseID, e.BudgetUpdated.State, e.BudgetUpdated.MaxNotional)
	default:
		return ""
	}
}
