package events

import (
	"context"
	"errors"
)

// EventPublisher publishes execution events.
type EventPublisher interface {
	PublishExecuted(ctx context.Context, event *ExecutionEvent) error
}

// NoOpPublisher is an EventPublisher that does nothing (for in-process usage without events).
type NoOpPublisher struct{}

// PublishExecuted is a no-op.
func (p *NoOpPublisher) PublishExecuted(_ context.Context, _ *ExecutionEvent) error {
	return nil
}

// CallbackPublisher is an EventPublisher that calls a callback function (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, event *ExecutionEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *ExecutionEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// PublishExecuted calls the callback.
func (p *CallbackPublisher) PublishExecuted(ctx context.Context, event *ExecutionEvent) error {
	return p.callback(ctx, event)
}

// MultiPublisher fans an event out to several publishers. Every publisher is
// called; their errors are joined.
type MultiPublisher struct {
	publishers []EventPublisher
}

// NewMultiPublisher creates a MultiPublisher. Nil publishers are skipped.
func NewMultiPublisher(publishers ...EventPublisher) *MultiPublisher {
	m := &MultiPublisher{}
	for _, p := range publishers {
		if p != nil {
			m.publishers = append(m.publishers, p)
		}
	}
	return m
}

// PublishExecuted publishes to every publisher.
func (m *MultiPublisher) PublishExecuted(ctx context.Context, event *ExecutionEvent) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.PublishExecuted(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
