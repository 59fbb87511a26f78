package models

// Requests for the ops HTTP endpoints. Defined in domain for consistency and reuse.

type TripwiresRequest struct {
	Symbol string `query:"symbol" json:"symbol" validate:"omitempty,min=1,max=32"`
}

type BlacklistRequest struct {
	Symbol string `query:"symbol" json:"symbol" validate:"omitempty,min=1,max=32"`
}

type BlacklistAddRequest struct {
	Symbol  string `json:"symbol" validate:"required,min=1,max=32"`
	Minutes int    `json:"minutes" default:"5" validate:"gte=1,lte=1440"`
}

type BlacklistRemoveRequest struct {
	Symbol string `query:"symbol" json:"symbol" validate:"required,min=1,max=32"`
}

type JournalRequest struct {
	Symbol string `query:"symbol" json:"symbol" validate:"omitempty,min=1,max=32"`
	Type   string `query:"type" json:"type" validate:"omitempty,oneof=TRIPWIRES_UPDATED TRAP_SPRUNG TRAP_ABORTED EXECUTION_COMPLETE SYMBOL_BLACKLISTED BUDGET_UPDATED"`
	From   string `query:"from" json:"from"`
	To     string `query:"to" json:"to"`
	Limit  int    `query:"limit" json:"limit" default:"200" validate:"gte=1,lte=5000"`
}

type GhostModeRequest struct {
	Enabled bool `json:"enabled"`
}
