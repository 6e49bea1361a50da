// Package events provides domain event handling capabilities for communicating
// state changes and important activities across system boundaries in a
// decoupled way.
package events

import "time"

// EventType represents a domain event category, enabling type-safe event
// routing and handling. It allows the system to distinguish between different
// kinds of events like analysis scheduling, provider progress, and job results.
type EventType string

// EventMetadata carries transport-level position information for an event so
// consumers can reason about redelivery and ordering.
type EventMetadata struct {
	// Partition identifies the stream partition the event was consumed from.
	Partition int32
	// Offset is the position of the event within its partition.
	Offset int64
}

// EventEnvelope encapsulates all event data flowing through the system,
// providing a standardized format for event processing and distribution.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically containing a business
	// identifier like a JobID that events can be grouped or partitioned by.
	Key string

	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string

	// Timestamp records when this event was created, enabling temporal
	// tracking and debugging of event flows.
	Timestamp time.Time

	// Payload contains the actual event data (e.g. AnalysisScheduledEvent).
	// The concrete type depends on the EventType.
	Payload any

	// Metadata describes where in the stream the event was read from.
	Metadata EventMetadata
}
