// Package serialization provides a registry-based system for serializing and
// deserializing domain events in the event bus infrastructure. It acts as a
// translation layer between domain objects and their JSON wire format.
//
// The package implements a registry pattern where serialization and
// deserialization functions are registered per event type. This keeps the
// domain layer clean of wire-format concerns and lets new event types be
// added without touching existing code.
package serialization

import (
	"encoding/json"
	"fmt"

	"github.com/framesift/framesift/internal/domain/analysis"
	"github.com/framesift/framesift/internal/domain/events"
)

// SerializeFunc converts a domain object into a serialized byte slice.
type SerializeFunc func(payload any) ([]byte, error)

// DeserializeFunc converts a serialized byte slice back into a domain object.
type DeserializeFunc func(data []byte) (any, error)

// Global registries map event types to their serialization functions,
// enabling dynamic dispatch based on event type at runtime.
var (
	serializerRegistry   = map[events.EventType]SerializeFunc{}
	deserializerRegistry = map[events.EventType]DeserializeFunc{}
)

// RegisterSerializeFunc registers a serialization function for a given event
// type so the system can encode its payloads when publishing.
func RegisterSerializeFunc(eventType events.EventType, fn SerializeFunc) {
	serializerRegistry[eventType] = fn
}

// RegisterDeserializeFunc registers a deserialization function for a given
// event type so consumers can decode payloads back into domain objects.
func RegisterDeserializeFunc(eventType events.EventType, fn DeserializeFunc) {
	deserializerRegistry[eventType] = fn
}

// SerializePayload converts a domain object into bytes using the registered
// serializer for its event type.
func SerializePayload(eventType events.EventType, payload any) ([]byte, error) {
	fn, ok := serializerRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("no serializer registered for eventType=%s", eventType)
	}
	return fn(payload)
}

// DeserializePayload converts bytes back into a domain object using the
// registered deserializer for its event type.
func DeserializePayload(eventType events.EventType, data []byte) (any, error) {
	fn, ok := deserializerRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("no deserializer registered for eventType=%s", eventType)
	}
	return fn(data)
}

// universalEnvelope is the wire frame wrapping every message: the event type
// for routing plus the type-specific payload bytes.
type universalEnvelope struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// SerializeEventEnvelope serializes a payload and wraps it with its event
// type so consumers can route it without knowing the concrete type upfront.
func SerializeEventEnvelope(eventType events.EventType, payload any) ([]byte, error) {
	payloadBytes, err := SerializePayload(eventType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(universalEnvelope{
		EventType: string(eventType),
		Payload:   payloadBytes,
	})
}

// UnmarshalUniversalEnvelope splits a wire message into its event type and
// payload bytes without deserializing the payload.
func UnmarshalUniversalEnvelope(data []byte) (events.EventType, []byte, error) {
	var envelope universalEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", nil, fmt.Errorf("unmarshal universal envelope: %w", err)
	}
	if envelope.EventType == "" {
		return "", nil, fmt.Errorf("universal envelope missing event type")
	}
	return events.EventType(envelope.EventType), envelope.Payload, nil
}

func init() { RegisterEventSerializers() }

// RegisterEventSerializers registers handlers for all supported event types.
// It runs during package initialization, before any event processing.
func RegisterEventSerializers() {
	registerJSON[analysis.AnalysisScheduledEvent](analysis.EventTypeAnalysisScheduled)
	registerJSON[analysis.JobStartedEvent](analysis.EventTypeJobStarted)
	registerJSON[analysis.JobProgressedEvent](analysis.EventTypeJobProgressed)
	registerJSON[analysis.JobCompletedEvent](analysis.EventTypeJobCompleted)
	registerJSON[analysis.JobFailedEvent](analysis.EventTypeJobFailed)
}

// registerJSON wires JSON marshal/unmarshal for one concrete event type.
// Deserialization returns the value type, matching what handlers assert on.
func registerJSON[T any](eventType events.EventType) {
	RegisterSerializeFunc(eventType, func(payload any) ([]byte, error) {
		evt, ok := payload.(T)
		if !ok {
			return nil, fmt.Errorf("serialize %s: payload is %T", eventType, payload)
		}
		return json.Marshal(evt)
	})
	RegisterDeserializeFunc(eventType, func(data []byte) (any, error) {
		var evt T
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", eventType, err)
		}
		return evt, nil
	})
}
