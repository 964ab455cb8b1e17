// Package publish delivers sampled records to in-process and external subscribers.
package publish

import (
	"context"
	"errors"
	"fmt"
)

// Sink accepts one event per sampling tick.
type Sink interface {
	Publish(ctx context.Context, event string, payload any) error
}

// Func adapts a plain function to Sink.
type Func func(ctx context.Context, event string, payload any) error

// Publish implements Sink.
func (f Func) Publish(ctx context.Context, event string, payload any) error {
	return f(ctx, event, payload)
}

// Multi delivers every event to all of its sinks, even when some fail.
type Multi struct {
	sinks []Sink
}

// NewMulti returns a fan-out sink. Nil sinks are skipped.
func NewMulti(sinks ...Sink) *Multi {
	kept := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			kept = append(kept, sink)
		}
	}
	return &Multi{sinks: kept}
}

// Len reports the number of sinks.
func (m *Multi) Len() int {
	return len(m.sinks)
}

// Publish implements Sink. Errors from individual sinks are joined.
func (m *Multi) Publish(ctx context.Context, event string, payload any) error {
	var errs []error
	for i, sink := range m.sinks {
		if err := sink.Publish(ctx, event, payload); err != nil {
			errs = append(errs, fmt.Errorf("sink %d (%T): %w", i, sink, err))
		}
	}
	return errors.Join(errs...)
}
