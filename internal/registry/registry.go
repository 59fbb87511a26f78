package registry

import (
	"sync"
	"time"

	"TrapLine/internal/domain/models"
)

// Registry owns all mutable per-symbol pipeline state: the armed tripwire
// sets, burst volume windows, the latest price cache and anti-gaming
// bookkeeping. It is a pure state holder; the lock below only protects
// map structure. Callers must serialize check-then-mutate sequences for
// the same symbol (the router pins each symbol to one worker).
type Registry struct {
	mu        sync.RWMutex
	tripwires map[string][]*models.Tripwire
	windows   map[string]*models.VolumeWindow
	prices    map[string]float64
	gaming    map[string]*models.AntiGamingState
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tripwires: make(map[string][]*models.Tripwire),
		windows:   make(map[string]*models.VolumeWindow),
		prices:    make(map[string]float64),
		gaming:    make(map[string]*models.AntiGamingState),
	}
}

// ReplaceTripwires swaps the symbol's entire tripwire set, activation
// state included. An empty list is a valid replacement.
func (r *Registry) ReplaceTripwires(symbol string, list []*models.Tripwire) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tripwires[symbol] = list
}

// GetTripwires returns the symbol's current tripwire set, or nil.
func (r *Registry) GetTripwires(symbol string) []*models.Tripwire {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tripwires[symbol]
}

// FindTripwire looks up a tripwire by id within the symbol's current set.
// Delayed callbacks use this to detect that their tripwire was superseded
// by a newer generation cycle.
func (r *Registry) FindTripwire(symbol, id string) (*models.Tripwire, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tw := range r.tripwires[symbol] {
		if tw.ID == id {
			return tw, true
		}
	}
	return nil, false
}

// SetActivated flips a tripwire's activation state in place. Activating
// also stamps ActivatedAt; deactivating leaves the stamp so the
// post-activation cooldown still applies. Returns false when the
// tripwire is no longer in the symbol's set.
func (r *Registry) SetActivated(symbol, id string, active bool, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tw := range r.tripwires[symbol] {
		if tw.ID == id {
			tw.Activated = active
			if active {
				tw.ActivatedAt = at
			}
			return true
		}
	}
	return false
}

// SnapshotTripwires returns value copies of the symbol's set for
// read-only consumers outside the symbol's worker.
func (r *Registry) SnapshotTripwires(symbol string) []models.Tripwire {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Tripwire, 0, len(r.tripwires[symbol]))
	for _, tw := range r.tripwires[symbol] {
		out = append(out, *tw)
	}
	return out
}

// GetAllSymbols lists every symbol with a stored tripwire set.
func (r *Registry) GetAllSymbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tripwires))
	for s := range r.tripwires {
		out = append(out, s)
	}
	return out
}

// GetVolumeWindow returns the symbol's open burst window, if any.
func (r *Registry) GetVolumeWindow(symbol string) (*models.VolumeWindow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.windows[symbol]
	return w, ok
}

// SetVolumeWindow stores the symbol's burst window.
func (r *Registry) SetVolumeWindow(symbol string, w *models.VolumeWindow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows[symbol] = w
}

// ClearVolumeWindow drops the symbol's burst window.
func (r *Registry) ClearVolumeWindow(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.windows, symbol)
}

// GetLatestPrice returns the cached price for the symbol.
func (r *Registry) GetLatestPrice(symbol string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prices[symbol]
	return p, ok
}

// SetLatestPrice caches the symbol's most recent trade price.
func (r *Registry) SetLatestPrice(symbol string, price float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prices[symbol] = price
}

// RecordActivationAttempt stamps the symbol's last fire attempt.
func (r *Registry) RecordActivationAttempt(symbol string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureGaming(symbol).LastActivationAttempt = now
}

// LastActivationAttempt returns the symbol's last fire attempt, zero if none.
func (r *Registry) LastActivationAttempt(symbol string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if g, ok := r.gaming[symbol]; ok {
		return g.LastActivationAttempt
	}
	return time.Time{}
}

// IncrementFailures bumps the symbol's consecutive failure count and
// returns the new value.
func (r *Registry) IncrementFailures(symbol string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.ensureGaming(symbol)
	g.ConsecutiveFailures++
	return g.ConsecutiveFailures
}

// ResetFailures zeroes the symbol's consecutive failure count.
func (r *Registry) ResetFailures(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gaming[symbol]; ok {
		g.ConsecutiveFailures = 0
	}
}

// Failures returns the symbol's current consecutive failure count.
func (r *Registry) Failures(symbol string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if g, ok := r.gaming[symbol]; ok {
		return g.ConsecutiveFailures
	}
	return 0
}

// Blacklist bars the symbol until the given time.
func (r *Registry) Blacklist(symbol string, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureGaming(symbol).BlacklistedUntil = until
}

// Unblacklist lifts the symbol's bar ahead of its expiry.
func (r *Registry) Unblacklist(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gaming[symbol]; ok {
		g.BlacklistedUntil = time.Time{}
	}
}

// IsBlacklisted reports whether the symbol is barred at the given time.
func (r *Registry) IsBlacklisted(symbol string, now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gaming[symbol]
	return ok && g.BlacklistedUntil.After(now)
}

// BlacklistSnapshot returns symbols still barred at the given time with
// their expiry.
func (r *Registry) BlacklistSnapshot(now time.Time) map[string]time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]time.Time)
	for s, g := range r.gaming {
		if g.BlacklistedUntil.After(now) {
			out[s] = g.BlacklistedUntil
		}
	}
	return out
}

// caller holds the write lock
func (r *Registry) ensureGaming(symbol string) *models.AntiGamingState {
	g, ok := r.gaming[symbol]
	if !ok {
		g = &models.AntiGamingState{}
		r.gaming[symbol] = g
	}
	return g
}
