package events

import "github.com/rs/zerolog"

// LogEmitter implements Emitter by writing structured log lines through a
// zerolog logger.
//
// Example output (JSON console writer elided):
//
//	{"level":"info","event":"NODE_COMPLETED","execution_id":"exec-001","node_id":"B","seq":4,...}
//
// Node errors and execution failures log at error level; everything else at
// info.
type LogEmitter struct {
	log zerolog.Logger
}

// NewLogEmitter creates a LogEmitter writing through the given logger.
func NewLogEmitter(log zerolog.Logger) *LogEmitter {
	return &LogEmitter{log: log}
}

// Emit writes the event as one structured log line.
func (l *LogEmitter) Emit(event Event) {
	var ev *zerolog.Event
	switch event.Type {
	case NodeError, ExecutionFailed:
		ev = l.log.Error()
	default:
		ev = l.log.Info()
	}

	ev = ev.
		Str("event", string(event.Type)).
		Str("execution_id", event.Scope.ExecutionID).
		Int64("seq", event.Seq).
		Time("ts", event.Timestamp)

	if event.Scope.NodeID != "" {
		ev = ev.Str("node_id", event.Scope.NodeID)
	}
	if event.Status != "" {
		ev = ev.Str("status", event.Status)
	}
	if event.Error != "" {
		ev = ev.Str("error", event.Error)
	}
	if event.Reason != "" {
		ev = ev.Str("reason", event.Reason)
	}
	if event.Usage != nil && !event.Usage.IsZero() {
		ev = ev.
			Int64("tokens_in", event.Usage.Input).
			Int64("tokens_out", event.Usage.Output)
	}
	if len(event.Meta) > 0 {
		ev = ev.Interface("meta", event.Meta)
	}

	ev.Msg("execution event")
}
