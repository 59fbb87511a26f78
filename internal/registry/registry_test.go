package registry

import (
	"testing"
	"time"

	"TrapLine/internal/domain/models"
)

func wire(id, symbol string) *models.Tripwire {
	return &models.Tripwire{
		ID:           id,
		Symbol:       symbol,
		Direction:    models.Long,
		TriggerPrice: 50000,
		Type:         models.TrapBreakout,
		Confidence:   0.8,
		Leverage:     5,
		Created:      time.Now(),
	}
}

func TestReplaceTripwiresWholesale(t *testing.T) {
	r := New()
	r.ReplaceTripwires("BTCUSDT", []*models.Tripwire{wire("a", "BTCUSDT"), wire("b", "BTCUSDT")})
	if got := len(r.GetTripwires("BTCUSDT")); got != 2 {
		t.Fatalf("expected 2 tripwires, got %d", got)
	}

	// A superseding cycle discards the old set entirely, even an activated one.
	old := r.GetTripwires("BTCUSDT")[0]
	old.Activated = true
	r.ReplaceTripwires("BTCUSDT", []*models.Tripwire{wire("c", "BTCUSDT")})
	got := r.GetTripwires("BTCUSDT")
	if len(got) != 1 || got[0].ID != "c" {
		t.Fatalf("expected only tripwire c, got %v", got)
	}

	// Empty replacement is valid and keeps the symbol known.
	r.ReplaceTripwires("BTCUSDT", nil)
	if len(r.GetTripwires("BTCUSDT")) != 0 {
		t.Fatalf("expected empty set")
	}
	if len(r.GetAllSymbols()) != 1 {
		t.Fatalf("symbol should remain listed")
	}
}

func TestSetActivatedLifecycle(t *testing.T) {
	r := New()
	r.ReplaceTripwires("BTCUSDT", []*models.Tripwire{wire("a", "BTCUSDT")})
	at := time.Now()
	if !r.SetActivated("BTCUSDT", "a", true, at) {
		t.Fatalf("expected activation to land")
	}
	tw, _ := r.FindTripwire("BTCUSDT", "a")
	if !tw.Activated || !tw.ActivatedAt.Equal(at) {
		t.Fatalf("expected activated at %v, got %+v", at, tw)
	}

	// Deactivation re-arms but keeps the cooldown stamp.
	if !r.SetActivated("BTCUSDT", "a", false, time.Time{}) {
		t.Fatalf("expected deactivation to land")
	}
	tw, _ = r.FindTripwire("BTCUSDT", "a")
	if tw.Activated || !tw.ActivatedAt.Equal(at) {
		t.Fatalf("expected re-armed with stamp kept, got %+v", tw)
	}

	if r.SetActivated("BTCUSDT", "gone", true, at) {
		t.Fatalf("unknown id should report false")
	}
}

func TestSnapshotTripwiresCopies(t *testing.T) {
	r := New()
	r.ReplaceTripwires("BTCUSDT", []*models.Tripwire{wire("a", "BTCUSDT")})
	snap := r.SnapshotTripwires("BTCUSDT")
	if len(snap) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(snap))
	}
	snap[0].Activated = true
	if r.GetTripwires("BTCUSDT")[0].Activated {
		t.Fatalf("snapshot should not alias live state")
	}
}

func TestFindTripwireSuperseded(t *testing.T) {
	r := New()
	r.ReplaceTripwires("ETHUSDT", []*models.Tripwire{wire("x", "ETHUSDT")})
	if _, ok := r.FindTripwire("ETHUSDT", "x"); !ok {
		t.Fatalf("expected to find x")
	}
	r.ReplaceTripwires("ETHUSDT", []*models.Tripwire{wire("y", "ETHUSDT")})
	if _, ok := r.FindTripwire("ETHUSDT", "x"); ok {
		t.Fatalf("x should be gone after replacement")
	}
}

func TestVolumeWindowLifecycle(t *testing.T) {
	r := New()
	if _, ok := r.GetVolumeWindow("BTCUSDT"); ok {
		t.Fatalf("expected no window")
	}
	w := &models.VolumeWindow{WindowStart: time.Now(), TradeCount: 3, BuyVolume: 2, SellVolume: 1}
	r.SetVolumeWindow("BTCUSDT", w)
	got, ok := r.GetVolumeWindow("BTCUSDT")
	if !ok || got.TradeCount != 3 {
		t.Fatalf("unexpected window %v", got)
	}
	if got.MicroCVD() != 1 {
		t.Fatalf("unexpected micro cvd %v", got.MicroCVD())
	}
	r.ClearVolumeWindow("BTCUSDT")
	if _, ok := r.GetVolumeWindow("BTCUSDT"); ok {
		t.Fatalf("window should be cleared")
	}
}

func TestLatestPrice(t *testing.T) {
	r := New()
	if _, ok := r.GetLatestPrice("BTCUSDT"); ok {
		t.Fatalf("expected no price")
	}
	r.SetLatestPrice("BTCUSDT", 50123.5)
	p, ok := r.GetLatestPrice("BTCUSDT")
	if !ok || p != 50123.5 {
		t.Fatalf("unexpected price %v", p)
	}
}

func TestFailureAccounting(t *testing.T) {
	r := New()
	if n := r.IncrementFailures("BTCUSDT"); n != 1 {
		t.Fatalf("expected 1, got %d", n)
	}
	r.IncrementFailures("BTCUSDT")
	if n := r.IncrementFailures("BTCUSDT"); n != 3 {
		t.Fatalf("expected 3, got %d", n)
	}
	r.ResetFailures("BTCUSDT")
	if n := r.Failures("BTCUSDT"); n != 0 {
		t.Fatalf("expected reset to 0, got %d", n)
	}
}

func TestBlacklistWindow(t *testing.T) {
	r := New()
	now := time.Now()
	until := now.Add(5 * time.Minute)
	r.Blacklist("BTCUSDT", until)

	if !r.IsBlacklisted("BTCUSDT", now) {
		t.Fatalf("expected blacklisted before expiry")
	}
	if r.IsBlacklisted("BTCUSDT", until) {
		t.Fatalf("expected clear at expiry")
	}
	if r.IsBlacklisted("ETHUSDT", now) {
		t.Fatalf("unknown symbol should not be blacklisted")
	}

	snap := r.BlacklistSnapshot(now)
	if len(snap) != 1 || !snap["BTCUSDT"].Equal(until) {
		t.Fatalf("unexpected snapshot %v", snap)
	}
	if len(r.BlacklistSnapshot(until.Add(time.Second))) != 0 {
		t.Fatalf("expired entries should be filtered")
	}

	r.Unblacklist("BTCUSDT")
	if r.IsBlacklisted("BTCUSDT", now) {
		t.Fatalf("expected bar lifted after unblacklist")
	}
	r.Unblacklist("ETHUSDT")
}

func TestActivationAttempt(t *testing.T) {
	r := New()
	if !r.LastActivationAttempt("BTCUSDT").IsZero() {
		t.Fatalf("expected zero time")
	}
	now := time.Now()
	r.RecordActivationAttempt("BTCUSDT", now)
	if !r.LastActivationAttempt("BTCUSDT").Equal(now) {
		t.Fatalf("attempt time not stored")
	}
}
