package anomaly

import (
	"context"
	"testing"

	"TrapLine/internal/domain/models"
)

type fakeDeriv struct {
	oi      float64
	funding float64
	mark    float64
	index   float64
}

func (f *fakeDeriv) OpenInterest(context.Context, string) (float64, error) { return f.oi, nil }
func (f *fakeDeriv) FundingRate(context.Context, string) (float64, error) { return f.funding, nil }
func (f *fakeDeriv) MarkAndIndex(context.Context, string) (float64, float64, error) {
	return f.mark, f.index, nil
}

type fakeMarket struct {
	price float64
}

func (f *fakeMarket) FetchOHLCV(context.Context, string, string, int) ([]models.Candle, error) {
	return nil, nil
}
func (f *fakeMarket) FetchTopSymbolsByVolume(context.Context, int) ([]string, error) {
	return nil, nil
}
func (f *fakeMarket) GetCurrentPrice(context.Context, string) (float64, error) {
	return f.price, nil
}

func TestOIWipeoutFirstCycleNoSignal(t *testing.T) {
	deriv := &fakeDeriv{oi: 1000}
	d := NewOIWipeout(deriv, &fakeMarket{price: 100}, 0.05)
	tw, err := d.Detect(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if tw != nil {
		t.Fatalf("first cycle has no baseline, expected nil")
	}
}

func TestOIWipeoutDropAfterFall(t *testing.T) {
	deriv := &fakeDeriv{oi: 1000}
	market := &fakeMarket{price: 100}
	d := NewOIWipeout(deriv, market, 0.05)
	if _, err := d.Detect(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// OI wiped 10% while price fell: longs were liquidated, snapback is up
	deriv.oi = 900
	market.price = 95
	tw, err := d.Detect(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if tw == nil {
		t.Fatalf("expected tripwire")
	}
	if tw.Direction != models.Long || tw.Type != models.TrapOIWipeout {
		t.Fatalf("unexpected tripwire %+v", tw)
	}
	if tw.TriggerPrice <= 95 {
		t.Fatalf("long trigger should sit above price, got %v", tw.TriggerPrice)
	}
	if tw.Volatility.SizeMultiplier != 1 {
		t.Fatalf("size multiplier must default to 1")
	}
}

func TestOIWipeoutSmallDropIgnored(t *testing.T) {
	deriv := &fakeDeriv{oi: 1000}
	d := NewOIWipeout(deriv, &fakeMarket{price: 100}, 0.05)
	if _, err := d.Detect(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	deriv.oi = 980
	tw, err := d.Detect(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if tw != nil {
		t.Fatalf("2%% drop should not trigger, got %+v", tw)
	}
}

func TestFundingSqueezeDirections(t *testing.T) {
	market := &fakeMarket{price: 100}

	d := NewFundingSqueeze(&fakeDeriv{funding: 0.001}, market, 0.0005)
	tw, err := d.Detect(context.Background(), "BTCUSDT")
	if err != nil || tw == nil {
		t.Fatalf("expected tripwire, err=%v", err)
	}
	if tw.Direction != models.Short {
		t.Fatalf("crowded longs should arm SHORT, got %s", tw.Direction)
	}

	d = NewFundingSqueeze(&fakeDeriv{funding: -0.001}, market, 0.0005)
	tw, err = d.Detect(context.Background(), "BTCUSDT")
	if err != nil || tw == nil {
		t.Fatalf("expected tripwire, err=%v", err)
	}
	if tw.Direction != models.Long {
		t.Fatalf("crowded shorts should arm LONG, got %s", tw.Direction)
	}

	d = NewFundingSqueeze(&fakeDeriv{funding: 0.0001}, market, 0.0005)
	tw, err = d.Detect(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if tw != nil {
		t.Fatalf("mild funding should not trigger")
	}
}

func TestBasisArbDirections(t *testing.T) {
	d := NewBasisArb(&fakeDeriv{mark: 100.5, index: 100}, 30)
	tw, err := d.Detect(context.Background(), "BTCUSDT")
	if err != nil || tw == nil {
		t.Fatalf("expected tripwire, err=%v", err)
	}
	if tw.Direction != models.Short {
		t.Fatalf("premium should arm SHORT, got %s", tw.Direction)
	}

	d = NewBasisArb(&fakeDeriv{mark: 99.5, index: 100}, 30)
	tw, err = d.Detect(context.Background(), "BTCUSDT")
	if err != nil || tw == nil {
		t.Fatalf("expected tripwire, err=%v", err)
	}
	if tw.Direction != models.Long {
		t.Fatalf("discount should arm LONG, got %s", tw.Direction)
	}

	d = NewBasisArb(&fakeDeriv{mark: 100.1, index: 100}, 30)
	tw, err = d.Detect(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if tw != nil {
		t.Fatalf("10bps basis should not trigger")
	}
}
