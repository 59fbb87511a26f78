package notify

import (
	"context"
	"fmt"

	domserv "TrapLine/internal/domain/service"
	"TrapLine/pkg/queue"
)

// MessageType is the queue message type for operator alerts.
const MessageType = "notify.telegram"

// Payload is the queued alert body.
type Payload struct {
	Text string `json:"text"`
}

// Job delivers queued alerts through a Notifier. Failed sends ride the
// queue's retry schedule instead of blocking the pipeline.
type Job struct {
	notifier domserv.Notifier
}

var _ queue.Job = (*Job)(nil)

// NewJob creates the alert delivery job.
func NewJob(notifier domserv.Notifier) *Job {
	return &Job{notifier: notifier}
}

func (j *Job) Name() string { return "telegram-notify" }

func (j *Job) Type() string { return MessageType }

// Handle decodes the payload and sends the alert.
func (j *Job) Handle(ctx context.Context, payload interface{}) error {
	p, err := queue.ParsePayload[Payload](payload)
	if err != nil {
		return fmt.Errorf("notify payload: %w", err)
	}
	if p.Text == "" {
		return nil
	}
	return j.notifier.Notify(ctx, p.Text)
}

// Queued is a Notifier that enqueues alerts instead of sending them
// inline. Delivery happens in the queue workers.
type Queued struct {
	q *queue.RedisQueue
}

var _ domserv.Notifier = (*Queued)(nil)

// NewQueued creates a queue-backed notifier.
func NewQueued(q *queue.RedisQueue) *Queued {
	return &Queued{q: q}
}

// Notify enqueues the alert for background delivery.
func (n *Queued) Notify(ctx context.Context, text string) error {
	return n.q.Enqueue(ctx, MessageType, Payload{Text: text})
}
