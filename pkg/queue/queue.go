// Package queue implements a small Redis-backed job queue with delayed
// retries and a dead letter list.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Job binds a handler to one message type.
type Job interface {
	// Name identifies the job in logs.
	Name() string

	// Type is the message type this job consumes.
	Type() string

	// Handle processes one payload.
	Handle(ctx context.Context, payload interface{}) error
}

// Config sizes the consumer side of the queue.
type Config struct {
	Workers    int           // concurrent consumers, default 1
	RetryLimit int           // retries before dead lettering
	RetryDelay time.Duration // delay before a failed message re-runs, default 10s
}

// Message is the wire form of one queued item.
type Message struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Attempts  int         `json:"attempts"`
	Timestamp time.Time   `json:"timestamp"`
}

// ParsePayload coerces a delivered payload into *T. Raw bytes are
// unmarshalled directly; generically decoded JSON is remarshalled.
func ParsePayload[T any](payload interface{}) (*T, error) {
	switch p := payload.(type) {
	case *T:
		return p, nil
	case T:
		return &p, nil
	case json.RawMessage:
		var v T
		if err := json.Unmarshal(p, &v); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return &v, nil
	case []byte:
		var v T
		if err := json.Unmarshal(p, &v); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return &v, nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("remarshal payload %T: %w", payload, err)
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode payload %T: %w", payload, err)
		}
		return &v, nil
	}
}
