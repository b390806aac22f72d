package events

import (
	"context"
	"time"
)

// Sink is a fire-and-forget telemetry emitter. Call sites must treat emission
// failures as non-fatal; implementations never return errors and never block
// pipeline progress.
type Sink interface {
	Emit(ctx context.Context, eventType EventType, event Event)
}

// NoopSink discards all events.
type NoopSink struct{}

// Emit implements Sink.
func (NoopSink) Emit(context.Context, EventType, Event) {}

// BusSink publishes events onto an EventBus, swallowing publish errors.
type BusSink struct {
	bus EventBus
}

// NewBusSink creates a Sink backed by the given bus.
func NewBusSink(bus EventBus) *BusSink {
	return &BusSink{bus: bus}
}

// Emit implements Sink. Publish errors (closed bus, cancelled context) are
// dropped; telemetry must never affect pipeline outcome.
func (s *BusSink) Emit(ctx context.Context, eventType EventType, event Event) {
	if s == nil || s.bus == nil {
		return
	}
	event.Type = eventType
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	_ = s.bus.Publish(ctx, event)
}

// EmitPayload is a convenience for emitting an event with only a payload and
// session identity.
func EmitPayload(ctx context.Context, sink Sink, eventType EventType, sessionKey string, payload map[string]any) {
	if sink == nil {
		return
	}
	sink.Emit(ctx, eventType, Event{
		SessionKey: sessionKey,
		Payload:    payload,
	})
}

var (
	_ Sink = NoopSink{}
	_ Sink = (*BusSink)(nil)
)
