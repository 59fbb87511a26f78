package events

import (
	"testing"
	"time"

	"TrapLine/internal/domain/models"
)

func TestPublishFanOut(t *testing.T) {
	b := NewBus(nil)
	a := b.Subscribe("a", 4)
	c := b.Subscribe("c", 4)

	b.Publish(TrapAborted("BTCUSDT", "tw1", "wick reversion"))

	for _, ch := range []<-chan *models.Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != models.EventTrapAborted || e.TrapAborted.Reason != "wick reversion" {
				t.Fatalf("unexpected event %+v", e)
			}
		default:
			t.Fatalf("subscriber missed event")
		}
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := NewBus(nil)
	ch := b.Subscribe("slow", 1)

	b.Publish(TrapAborted("BTCUSDT", "tw1", "first"))
	b.Publish(TrapAborted("BTCUSDT", "tw2", "second")) // dropped, must not block

	e := <-ch
	if e.TrapAborted.Reason != "first" {
		t.Fatalf("expected first event, got %s", e.TrapAborted.Reason)
	}
	select {
	case e := <-ch:
		t.Fatalf("expected drop, got %+v", e)
	default:
	}
}

func TestCloseEndsSubscribers(t *testing.T) {
	b := NewBus(nil)
	ch := b.Subscribe("x", 1)
	b.Close()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	// publish after close must be a no-op
	b.Publish(SymbolBlacklisted("BTCUSDT", 5*time.Minute))
}

func TestEventConstructors(t *testing.T) {
	tw := &models.Tripwire{ID: "tw1", Symbol: "BTCUSDT", Direction: models.Long, Type: models.TrapBreakout}
	e := TrapSprung(tw, 50000.5, 60, 30)
	if e.Type != models.EventTrapSprung || e.Symbol != "BTCUSDT" {
		t.Fatalf("unexpected envelope %+v", e)
	}
	if e.TrapSprung.TradeCount != 60 || e.TrapSprung.MicroCVD != 30 {
		t.Fatalf("unexpected payload %+v", e.TrapSprung)
	}

	be := BudgetUpdated(&models.Budget{PhaseID: "phase-2", MaxNotional: 1500, State: "ACTIVE"})
	if be.BudgetUpdated.MaxNotional != 1500 {
		t.Fatalf("unexpected budget payload %+v", be.BudgetUpdated)
	}

	if TripwiresUpdated(12, 800*time.Millisecond).TripwiresUpdated.DurationMs != 800 {
		t.Fatalf("duration not converted to ms")
	}
}
