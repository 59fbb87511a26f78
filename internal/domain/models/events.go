package models

import "time"

// EventType enumerates every pipeline event kind.
type EventType string

const (
	EventTripwiresUpdated  EventType = "TRIPWIRES_UPDATED"
	EventTrapSprung        EventType = "TRAP_SPRUNG"
	EventTrapAborted       EventType = "TRAP_ABORTED"
	EventExecutionComplete EventType = "EXECUTION_COMPLETE"
	EventSymbolBlacklisted EventType = "SYMBOL_BLACKLISTED"
	EventBudgetUpdated     EventType = "BUDGET_UPDATED"
)

// Event is the envelope delivered to subscribers. Exactly one payload
// pointer is set, matching Type.
type Event struct {
	Type      EventType `json:"type"`
	Symbol    string    `json:"symbol,omitempty"`
	Timestamp time.Time `json:"ts"`

	TripwiresUpdated  *TripwiresUpdated  `json:"tripwires_updated,omitempty"`
	TrapSprung        *TrapSprung        `json:"trap_sprung,omitempty"`
	TrapAborted       *TrapAborted       `json:"trap_aborted,omitempty"`
	ExecutionComplete *ExecutionComplete `json:"execution_complete,omitempty"`
	SymbolBlacklisted *SymbolBlacklisted `json:"symbol_blacklisted,omitempty"`
	BudgetUpdated     *BudgetUpdated     `json:"budget_updated,omitempty"`
}

// TripwiresUpdated summarizes one generation cycle.
type TripwiresUpdated struct {
	SymbolCount int   `json:"symbol_count"`
	DurationMs  int64 `json:"duration_ms"`
}

// TrapSprung marks a burst that passed the window threshold.
type TrapSprung struct {
	TripwireID string    `json:"tripwire_id"`
	Price      float64   `json:"price"`
	TrapType   TrapType  `json:"trap_type"`
	Direction  Direction `json:"direction"`
	TradeCount int       `json:"trade_count"`
	MicroCVD   float64   `json:"micro_cvd"`
}

// TrapAborted marks a confirmation or veto failure.
type TrapAborted struct {
	TripwireID string `json:"tripwire_id,omitempty"`
	Reason     string `json:"reason"`
}

// ExecutionComplete marks a confirmed dispatch.
type ExecutionComplete struct {
	IntentID          string  `json:"intent_id"`
	FillPriceEstimate float64 `json:"fill_price_estimate"`
}

// SymbolBlacklisted marks a failure-triggered circuit break.
type SymbolBlacklisted struct {
	DurationMs int64 `json:"duration_ms"`
}

// BudgetUpdated mirrors an accepted budget feed payload.
type BudgetUpdated struct {
	PhaseID     string  `json:"phase_id"`
	MaxNotional float64 `json:"max_notional"`
	State       string  `json:"state"`
}
