package structure

import (
	"context"
	"errors"
	"testing"
	"time"

	"TrapLine/internal/domain/models"
)

func mkCandles(closes []float64, spread float64) []models.Candle {
	out := make([]models.Candle, len(closes))
	bucket := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		open := c
		if i > 0 {
			open = closes[i-1]
		}
		out[i] = models.Candle{
			Bucket: bucket.Add(time.Duration(i) * time.Minute),
			Symbol: "BTCUSDT",
			Open:   open,
			High:   c + spread,
			Low:    c - spread,
			Close:  c,
			Volume: 10,
		}
	}
	return out
}

func ramp(from float64, n int, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = from + float64(i)*step
	}
	return out
}

func TestAnalyzeInsufficientHistory(t *testing.T) {
	a := NewAnalyzer(Config{})
	_, err := a.Analyze(context.Background(), "BTCUSDT", mkCandles(ramp(100, 5, 1), 0.5))
	if !errors.Is(err, ErrInsufficientHistory) {
		t.Fatalf("expected insufficient history, got %v", err)
	}
}

func TestAnalyzeBreakoutNearHigh(t *testing.T) {
	a := NewAnalyzer(Config{})
	closes := ramp(100, 30, 1) // ends at 129, right at the rolling high
	ms, err := a.Analyze(context.Background(), "BTCUSDT", mkCandles(closes, 0.5))
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if ms.Regime != models.RegimeBreakout {
		t.Fatalf("expected BREAKOUT, got %s", ms.Regime)
	}
	if ms.Resistance < ms.Support {
		t.Fatalf("bad levels %v %v", ms.Resistance, ms.Support)
	}
	if ms.ADX <= 20 {
		t.Fatalf("monotone ramp should have strong ADX, got %v", ms.ADX)
	}
	if ms.Trend != models.TrendUp {
		t.Fatalf("expected UP trend, got %s", ms.Trend)
	}
}

func TestAnalyzeBreakdownNearLow(t *testing.T) {
	a := NewAnalyzer(Config{})
	closes := ramp(129, 30, -1) // falls to 100, at the rolling low
	ms, err := a.Analyze(context.Background(), "BTCUSDT", mkCandles(closes, 0.5))
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if ms.Regime != models.RegimeBreakdown {
		t.Fatalf("expected BREAKDOWN, got %s", ms.Regime)
	}
}

func TestAnalyzeRangeMidWindow(t *testing.T) {
	a := NewAnalyzer(Config{})
	closes := make([]float64, 30)
	for i := range closes {
		if i%2 == 0 {
			closes[i] = 102
		} else {
			closes[i] = 108
		}
	}
	closes[len(closes)-1] = 105 // mid-range close, away from both extremes
	ms, err := a.Analyze(context.Background(), "BTCUSDT", mkCandles(closes, 0.5))
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if ms.Regime != models.RegimeRange {
		t.Fatalf("expected RANGE, got %s", ms.Regime)
	}
}

func TestTrendPersistence(t *testing.T) {
	a := NewAnalyzer(Config{TrendPersist: 3})
	// Rising closes with the last one pulled back below the extreme band,
	// so the breakout branch does not mask the trend.
	closes := append(ramp(100, 29, 1), 124)
	candles := mkCandles(closes, 0.5)

	for i := 0; i < 2; i++ {
		ms, err := a.Analyze(context.Background(), "ETHUSDT", candles)
		if err != nil {
			t.Fatalf("analyze %d: %v", i, err)
		}
		if ms.Regime != models.RegimeRange {
			t.Fatalf("cycle %d should still be RANGE, got %s", i, ms.Regime)
		}
	}

	ms, err := a.Analyze(context.Background(), "ETHUSDT", candles)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if ms.Regime != models.RegimeTrendUp {
		t.Fatalf("third consecutive up cycle should be TREND_UP, got %s", ms.Regime)
	}
	if ms.TrendAge != 3 {
		t.Fatalf("expected trend age 3, got %d", ms.TrendAge)
	}
}

func TestVolRegime(t *testing.T) {
	a := NewAnalyzer(Config{})
	if got := a.VolRegime(0.02); got != models.HighVol {
		t.Fatalf("expected HIGH_VOL, got %s", got)
	}
	if got := a.VolRegime(0.005); got != models.LowVol {
		t.Fatalf("expected LOW_VOL, got %s", got)
	}
}

func TestATRFlatWindow(t *testing.T) {
	candles := mkCandles(ramp(100, 20, 0), 0.5) // constant closes, 1.0 range
	got := ATR(candles, 14)
	if got != 1.0 {
		t.Fatalf("expected ATR 1.0, got %v", got)
	}
}

func TestSMAShortInput(t *testing.T) {
	if got := SMA([]float64{1, 2}, 5); got != 0 {
		t.Fatalf("expected 0 for short input, got %v", got)
	}
	if got := SMA([]float64{1, 2, 3, 4}, 4); got != 2.5 {
		t.Fatalf("expected 2.5, got %v", got)
	}
}
