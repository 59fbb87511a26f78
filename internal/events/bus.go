package events

import (
	"sync"
	"sync/atomic"
	"time"

	"TrapLine/internal/domain/models"
	applogger "TrapLine/pkg/logger"
)

// Bus fans pipeline events out to subscribers. Publish never blocks the
// hot path: a subscriber whose buffer is full loses the event.
type Bus struct {
	l *applogger.Logger

	mu     sync.RWMutex
	subs   []*subscription
	closed bool
}

type subscription struct {
	name    string
	ch      chan *models.Event
	dropped int64
}

// NewBus creates an event bus.
func NewBus(l *applogger.Logger) *Bus {
	return &Bus{l: l}
}

// Subscribe registers a named subscriber with its own buffer. The
// returned channel is closed by Close.
func (b *Bus) Subscribe(name string, buffer int) <-chan *models.Event {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscription{name: name, ch: make(chan *models.Event, buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch
	}
	b.subs = append(b.subs, sub)
	return sub.ch
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(e *models.Event) {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			n := atomic.AddInt64(&sub.dropped, 1)
			if b.l != nil {
				b.l.Warn("event dropped, subscriber buffer full",
					applogger.String("subscriber", sub.name),
					applogger.String("event", string(e.Type)),
					applogger.Int64("dropped", n))
			}
		}
	}
}

// Close stops delivery and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}

// TripwiresUpdated builds the generation cycle summary event.
func TripwiresUpdated(symbolCount int, duration time.Duration) *models.Event {
	return &models.Event{
		Type:      models.EventTripwiresUpdated,
		Timestamp: time.Now(),
		TripwiresUpdated: &models.TripwiresUpdated{
			SymbolCount: symbolCount,
			DurationMs:  duration.Milliseconds(),
		},
	}
}

// TrapSprung builds the burst-passed event.
func TrapSprung(tw *models.Tripwire, price float64, tradeCount int, microCVD float64) *models.Event {
	return &models.Event{
		Type:      models.EventTrapSprung,
		Symbol:    tw.Symbol,
		Timestamp: time.Now(),
		TrapSprung: &models.TrapSprung{
			TripwireID: tw.ID,
			Price:      price,
			TrapType:   tw.Type,
			Direction:  tw.Direction,
			TradeCount: tradeCount,
			MicroCVD:   microCVD,
		},
	}
}

// TrapAborted builds the abort event. tripwireID may be empty for
// symbol-level aborts.
func TrapAborted(symbol, tripwireID, reason string) *models.Event {
	return &models.Event{
		Type:      models.EventTrapAborted,
		Symbol:    symbol,
		Timestamp: time.Now(),
		TrapAborted: &models.TrapAborted{
			TripwireID: tripwireID,
			Reason:     reason,
		},
	}
}

// ExecutionComplete builds the confirmed-dispatch event.
func ExecutionComplete(symbol, intentID string, fillEstimate float64) *models.Event {
	return &models.Event{
		Type:      models.EventExecutionComplete,
		Symbol:    symbol,
		Timestamp: time.Now(),
		ExecutionComplete: &models.ExecutionComplete{
			IntentID:          intentID,
			FillPriceEstimate: fillEstimate,
		},
	}
}

// SymbolBlacklisted builds the circuit-break event.
func SymbolBlacklisted(symbol string, d time.Duration) *models.Event {
	return &models.Event{
		Type:      models.EventSymbolBlacklisted,
		Symbol:    symbol,
		Timestamp: time.Now(),
		SymbolBlacklisted: &models.SymbolBlacklisted{
			DurationMs: d.Milliseconds(),
		},
	}
}

// BudgetUpdated mirrors an accepted budget feed payload.
func BudgetUpdated(b *models.Budget) *models.Event {
	return &models.Event{
		Type:      models.EventBudgetUpdated,
		Timestamp: time.Now(),
		BudgetUpdated: &models.BudgetUpdated{
			PhaseID:     b.PhaseID,
			MaxNotional: b.MaxNotional,
			State:       b.State,
		},
	}
}
