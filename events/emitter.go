package events

// Emitter receives domain events from workflow execution.
//
// Implementations should be:
//   - Non-blocking: avoid slowing down the execution loop
//   - Thread-safe: distinct executions emit concurrently
//   - Resilient: a failing backend must not crash the workflow
//
// Common patterns: buffering for batch delivery, filtering by event type,
// fan-out to multiple backends via MultiEmitter.
type Emitter interface {
	// Emit delivers one event. Emit must not panic; backend errors should
	// be handled internally (logged, buffered, or dropped).
	Emit(event Event)
}

// NullEmitter discards every event. Useful as a default when no observer
// is configured.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that drops all events.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit discards the event.
func (*NullEmitter) Emit(Event) {}

// MultiEmitter fans every event out to a fixed set of emitters in order.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter combines emitters; nil entries are skipped.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	out := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return &MultiEmitter{emitters: out}
}

// Emit delivers the event to every configured emitter.
func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}
