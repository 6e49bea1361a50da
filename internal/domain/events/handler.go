package events

import "context"

// AckFunc acknowledges processing of an event. Implementations mark the
// underlying message consumed only when called with a nil error; calling it
// with an error leaves the message unacknowledged so the transport redelivers
// it (at-least-once semantics).
type AckFunc func(error)

// HandlerFunc processes a single event envelope. The handler must call ack
// after it has durably applied the event; returning an error without acking
// leads to redelivery.
type HandlerFunc func(ctx context.Context, evt EventEnvelope, ack AckFunc) error

// EventHandler defines the contract for components that process domain events.
// Each handler must declare which event types it can process and implement the
// logic to handle those events. The event dispatcher routes events to the
// appropriate handlers based on the event type.
type EventHandler interface {
	// HandleEvent processes a domain event and returns an error if processing fails.
	HandleEvent(ctx context.Context, evt EventEnvelope, ack AckFunc) error

	// SupportedEvents returns the event types this handler can process.
	SupportedEvents() []EventType
}
