package usecase

import (
	"math"

	"TrapLine/internal/domain/models"
)

// SizeByRisk returns the notional to deploy for one intent.
//
// The risk budget is a confidence-scaled slice of equity
// (equity * maxPosPct * confidence); dividing by the fractional stop
// distance converts it to notional so a stop-out loses roughly the
// budget. A poor reward/risk ratio (target closer than stop) shrinks
// the budget proportionally, and equity*leverage caps the margin.
func SizeByRisk(equity, confidence float64, leverage int, stopPct, targetPct, maxPosPct float64) float64 {
	if equity <= 0 || stopPct <= 0 || maxPosPct <= 0 {
		return 0
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	if leverage < 1 {
		leverage = 1
	}

	risk := equity * maxPosPct * confidence
	if rr := targetPct / stopPct; rr > 0 && rr < 1 {
		risk *= rr
	}

	notional := risk / stopPct
	if math.IsNaN(notional) || math.IsInf(notional, 0) || notional <= 0 {
		return 0
	}

	if cap := equity * float64(leverage); notional > cap {
		notional = cap
	}
	return notional
}

// ResolveStop returns the tripwire's stop override, or a symmetric
// default computed from the reference price.
func ResolveStop(tw *models.Tripwire, refPrice, stopPct float64) float64 {
	if tw.StopLoss > 0 {
		return tw.StopLoss
	}
	if tw.Direction == models.Short {
		return refPrice * (1 + stopPct)
	}
	return refPrice * (1 - stopPct)
}

// ResolveTarget returns the tripwire's target override, or a symmetric
// default computed from the reference price.
func ResolveTarget(tw *models.Tripwire, refPrice, targetPct float64) float64 {
	if tw.TargetPrice > 0 {
		return tw.TargetPrice
	}
	if tw.Direction == models.Short {
		return refPrice * (1 - targetPct)
	}
	return refPrice * (1 + targetPct)
}
