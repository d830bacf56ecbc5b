// Package emit is the observability plane of the coordinator. Components
// emit lightweight events at notable moments (sortie assigned, lock expired,
// conflict detected, checkpoint written); emitters forward them to logs,
// OpenTelemetry spans, or in-memory buffers.
//
// These events are advisory and may be dropped. The durable system of
// record is the store's append-only event log; an emitter must never be the
// only place a fact is recorded.
package emit

import "github.com/flightline-ai/squawk/model"

// Event is one observability event.
type Event struct {
	// Stream and StreamID mirror the event-log partitioning so log lines
	// and spans can be correlated with durable events.
	Stream   model.StreamType
	StreamID string

	// Type is the event type, e.g. "sortie.assigned" or "lock.expired".
	Type string

	// Msg is a human-readable description.
	Msg string

	// Meta carries additional structured data. Common keys:
	//   - "mission_id": owning mission
	//   - "specialist_id": acting specialist
	//   - "error": failure detail
	//   - "duration_ms": elapsed time
	Meta map[string]any
}

// Emitter receives observability events from coordinator components.
//
// Implementations should be non-blocking, thread-safe, and resilient:
// a slow or failing backend must not stall coordination, and Emit must
// never panic.
type Emitter interface {
	Emit(event Event)
}

// MultiEmitter fans an event out to several emitters.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter returns an Emitter that forwards to every given emitter
// in order.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}

// NullEmitter discards all events. Zero overhead, safe for concurrent use.
type NullEmitter struct{}

// NewNullEmitter returns an Emitter that does nothing.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

func (*NullEmitter) Emit(Event) {}
