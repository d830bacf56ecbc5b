package emit

import "sync"

// BufferedEmitter stores events in memory, keyed by stream id. Used in
// tests and for post-hoc inspection; all events are kept until cleared, so
// it is not meant for unbounded production use.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // stream id -> events, in emit order
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.StreamID] = append(b.events[event.StreamID], event)
}

// History returns the events recorded for a stream id, in emit order. The
// returned slice is a copy.
func (b *BufferedEmitter) History(streamID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.events[streamID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// ByType returns every recorded event of the given type across all streams.
func (b *BufferedEmitter) ByType(eventType string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, events := range b.events {
		for _, ev := range events {
			if ev.Type == eventType {
				out = append(out, ev)
			}
		}
	}
	return out
}

// Clear drops events for a stream id, or everything when streamID is "".
func (b *BufferedEmitter) Clear(streamID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if streamID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, streamID)
}
