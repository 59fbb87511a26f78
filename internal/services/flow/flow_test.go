package flow

import (
	"testing"
	"time"

	"TrapLine/internal/domain/models"
)

func feed(tr *Tracker, symbol string, base time.Time, prices []float64, step time.Duration) time.Time {
	ts := base
	for _, p := range prices {
		tr.ObserveTrade(&models.Trade{Symbol: symbol, Price: p, Quantity: 1, TakerBuy: true, Timestamp: ts})
		ts = ts.Add(step)
	}
	return ts.Add(-step)
}

func TestVelocityRisingPrices(t *testing.T) {
	tr := NewTracker(Config{VelocityWindow: 2 * time.Second})
	base := time.Now().Add(-2 * time.Second)
	last := feed(tr, "BTCUSDT", base, []float64{100, 100.5, 101, 101.5, 102}, 400*time.Millisecond)

	vm := tr.Velocity("BTCUSDT", last)
	if vm.Velocity <= 0 {
		t.Fatalf("expected positive velocity, got %v", vm.Velocity)
	}
}

func TestVelocityTooFewPoints(t *testing.T) {
	tr := NewTracker(Config{})
	now := time.Now()
	tr.ObserveTrade(&models.Trade{Symbol: "BTCUSDT", Price: 100, Quantity: 1, TakerBuy: true, Timestamp: now})
	vm := tr.Velocity("BTCUSDT", now)
	if vm.Velocity != 0 || vm.Acceleration != 0 {
		t.Fatalf("expected zero metrics, got %+v", vm)
	}
}

func TestAccelerationSigns(t *testing.T) {
	tr := NewTracker(Config{VelocityWindow: 2 * time.Second})
	base := time.Now().Add(-2 * time.Second)

	// slow first half, fast second half: speeding up
	last := feed(tr, "UP", base, []float64{100, 100.1, 100.2, 100.8, 101.6}, 400*time.Millisecond)
	if vm := tr.Velocity("UP", last); vm.Acceleration <= 0 {
		t.Fatalf("expected positive acceleration, got %v", vm.Acceleration)
	}

	// fast first half, slow second half: decelerating
	last = feed(tr, "DOWN", base, []float64{100, 100.8, 101.6, 101.7, 101.8}, 400*time.Millisecond)
	if vm := tr.Velocity("DOWN", last); vm.Acceleration >= 0 {
		t.Fatalf("expected negative acceleration, got %v", vm.Acceleration)
	}
}

func TestMacroCVDWindow(t *testing.T) {
	tr := NewTracker(Config{MacroWindow: 60 * time.Second})
	now := time.Now()

	// old print outside the lookback must not count
	tr.ObserveTrade(&models.Trade{Symbol: "BTCUSDT", Price: 100, Quantity: 50, TakerBuy: true, Timestamp: now.Add(-2 * time.Minute)})
	tr.ObserveTrade(&models.Trade{Symbol: "BTCUSDT", Price: 100, Quantity: 7, TakerBuy: true, Timestamp: now.Add(-10 * time.Second)})
	tr.ObserveTrade(&models.Trade{Symbol: "BTCUSDT", Price: 100, Quantity: 3, TakerBuy: false, Timestamp: now.Add(-5 * time.Second)})

	if got := tr.MacroCVD("BTCUSDT", now); got != 4 {
		t.Fatalf("expected cvd 4, got %v", got)
	}
}

func TestLeaderPrimaryMovesFirst(t *testing.T) {
	tr := NewTracker(Config{ImpulseBps: 5, PairWindow: 2 * time.Second, StaleAfter: time.Hour})
	now := time.Now()

	// primary impulse at t, secondary follows 500ms later
	tr.ObserveTrade(&models.Trade{Symbol: "BTCUSDT", Price: 100, Quantity: 1, TakerBuy: true, Timestamp: now.Add(-4 * time.Second)})
	tr.ObserveTrade(&models.Trade{Symbol: "BTCUSDT", Price: 100.2, Quantity: 1, TakerBuy: true, Timestamp: now.Add(-2 * time.Second)})
	tr.ObserveTick(&models.Tick{Symbol: "BTCUSDT", Price: 100, Timestamp: now.Add(-4 * time.Second)})
	tr.ObserveTick(&models.Tick{Symbol: "BTCUSDT", Price: 100.2, Timestamp: now.Add(-1500 * time.Millisecond)})

	if got := tr.Leader("BTCUSDT"); got != models.VenuePrimary {
		t.Fatalf("expected PRIMARY leader, got %s", got)
	}
}

func TestLeaderUnknownWithoutImpulses(t *testing.T) {
	tr := NewTracker(Config{})
	if got := tr.Leader("BTCUSDT"); got != models.VenueUnknown {
		t.Fatalf("expected UNKNOWN, got %s", got)
	}
}
