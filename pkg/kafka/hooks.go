package kafka

import "context"

// ConsumerHook observes message handling on the worker goroutine.
// BeforeHandle may veto a message by returning an error; the message
// then takes the normal failure path without reaching the handler.
// Implementations must not block.
type ConsumerHook interface {
	BeforeHandle(ctx context.Context, topic string, data []byte) error
	AfterHandle(ctx context.Context, topic string, data []byte, err error)
	OnError(ctx context.Context, topic string, data []byte, err error)
}

// NoopHook ignores every event.
type NoopHook struct{}

func (NoopHook) BeforeHandle(context.Context, string, []byte) error { return nil }

func (NoopHook) AfterHandle(context.Context, string, []byte, error) {}

func (NoopHook) OnError(context.Context, string, []byte, error) {}

// HookFuncs adapts plain functions to ConsumerHook. Nil functions are
// no-ops.
type HookFuncs struct {
	Before func(context.Context, string, []byte) error
	After  func(context.Context, string, []byte, error)
	Err    func(context.Context, string, []byte, error)
}

func (h HookFuncs) BeforeHandle(ctx context.Context, topic string, data []byte) error {
	if h.Before == nil {
		return nil
	}
	return h.Before(ctx, topic, data)
}

func (h HookFuncs) AfterHandle(ctx context.Context, topic string, data []byte, err error) {
	if h.After != nil {
		h.After(ctx, topic, data, err)
	}
}

func (h HookFuncs) OnError(ctx context.Context, topic string, data []byte, err error) {
	if h.Err != nil {
		h.Err(ctx, topic, data, err)
	}
}
