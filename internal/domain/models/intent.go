package models

import "time"

// OrderType selected from instantaneous velocity at dispatch time.
type OrderType string

const (
	OrderMarket          OrderType = "MARKET"
	OrderAggressiveLimit OrderType = "AGGRESSIVE_LIMIT"
	OrderPassiveLimit    OrderType = "PASSIVE_LIMIT"
)

// TradingIntent is derived from an activated tripwire and exists only for
// the duration of one dispatch attempt.
type TradingIntent struct {
	ID             string
	Symbol         string
	Direction      Direction
	EntryLow       float64
	EntryHigh      float64
	StopLoss       float64
	TakeProfits    []float64
	Confidence     float64
	Leverage       int
	MaxSlippageBps int
	TrapType       TrapType
	Velocity       float64
	OrderType      OrderType
	Size           float64
	CausationID    string // originating tripwire signal id
	TTL            time.Duration
	Created        time.Time
}

// SetupType returns the wire-level intent type for the direction.
func (i *TradingIntent) SetupType() string {
	if i.Direction == Short {
		return "SELL_SETUP"
	}
	return "BUY_SETUP"
}

// IntentPayload is the body of the intent envelope.
type IntentPayload struct {
	SignalID       string     `json:"signal_id"`
	Symbol         string     `json:"symbol"`
	Direction      int        `json:"direction"`
	EntryZone      [2]float64 `json:"entry_zone"`
	StopLoss       float64    `json:"stop_loss"`
	TakeProfits    []float64  `json:"take_profits"`
	Confidence     float64    `json:"confidence"`
	Leverage       int        `json:"leverage"`
	MaxSlippageBps int        `json:"max_slippage_bps"`
	TrapType       string     `json:"trap_type"`
	Velocity       float64    `json:"velocity"`
	OrderType      string     `json:"order_type"`
	Size           float64    `json:"size"`
	Phase          string     `json:"phase"`
	Source         string     `json:"source"`
	Type           string     `json:"type"` // BUY_SETUP | SELL_SETUP
}

// IntentEnvelope is the wire form sent to the execution authority.
// Partition key is always the symbol so per-symbol ordering survives
// any transport hop.
type IntentEnvelope struct {
	ID             string        `json:"id"`
	Type           string        `json:"type"`
	Version        int           `json:"version"`
	Producer       string        `json:"producer"`
	TS             int64         `json:"ts"`
	CausationID    string        `json:"causation_id"`
	CorrelationID  string        `json:"correlation_id"`
	IdempotencyKey string        `json:"idempotency_key"`
	PartitionKey   string        `json:"partition_key"`
	TTLSec         int           `json:"ttl_sec"`
	Payload        IntentPayload `json:"payload"`
}

// Envelope wraps the intent for the wire.
func (i *TradingIntent) Envelope(producer, phase, source string) IntentEnvelope {
	return IntentEnvelope{
		ID:             i.ID,
		Type:           "cmd.execution.place.v1",
		Version:        1,
		Producer:       producer,
		TS:             i.Created.UnixMilli(),
		CausationID:    i.CausationID,
		CorrelationID:  i.CausationID,
		IdempotencyKey: i.CausationID,
		PartitionKey:   i.Symbol,
		TTLSec:         int(i.TTL.Seconds()),
		Payload: IntentPayload{
			SignalID:       i.CausationID,
			Symbol:         i.Symbol,
			Direction:      i.Direction.Sign(),
			EntryZone:      [2]float64{i.EntryLow, i.EntryHigh},
			StopLoss:       i.StopLoss,
			TakeProfits:    i.TakeProfits,
			Confidence:     i.Confidence,
			Leverage:       i.Leverage,
			MaxSlippageBps: i.MaxSlippageBps,
			TrapType:       string(i.TrapType),
			Velocity:       i.Velocity,
			OrderType:      string(i.OrderType),
			Size:           i.Size,
			Phase:          phase,
			Source:         source,
			Type:           i.SetupType(),
		},
	}
}

// DispatchAck is the authority's answer to PREPARE and CONFIRM.
type DispatchAck struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}
