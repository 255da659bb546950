package events

import "sync"

// BufferedEmitter implements Emitter by retaining events in memory, keyed
// by execution ID. It backs tests, replay capture, and post-execution
// analysis.
//
// All events are held until cleared; long-running deployments should prefer
// a persistent sink and use this emitter for capture windows only.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// Filter narrows History queries. Zero-valued fields match everything;
// populated fields combine with AND.
type Filter struct {
	NodeID string
	Type   Type
	MinSeq int64
	MaxSeq int64 // 0 = no upper bound
}

// NewBufferedEmitter creates an empty buffered emitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit appends the event to its execution's history.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := event.Scope.ExecutionID
	b.events[id] = append(b.events[id], event)
}

// History returns every captured event for an execution in emission order.
// The returned slice is a copy.
func (b *BufferedEmitter) History(executionID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[executionID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// HistoryWithFilter returns the captured events matching the filter.
func (b *BufferedEmitter) HistoryWithFilter(executionID string, f Filter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, ev := range b.events[executionID] {
		if f.NodeID != "" && ev.Scope.NodeID != f.NodeID {
			continue
		}
		if f.Type != "" && ev.Type != f.Type {
			continue
		}
		if ev.Seq < f.MinSeq {
			continue
		}
		if f.MaxSeq > 0 && ev.Seq > f.MaxSeq {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Clear drops captured events. An empty executionID clears everything.
func (b *BufferedEmitter) Clear(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if executionID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, executionID)
}
