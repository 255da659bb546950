package events

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by recording each event as an
// OpenTelemetry span.
//
// Each event becomes a point-in-time span named after the event type with
// attributes for execution ID, node ID, and sequence number. Error-class
// events set the span status to error.
//
// Usage:
//
//	tracer := otel.Tracer("dipeo")
//	emitter := events.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter recording spans through the given
// tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit records the event as an immediately-ended span.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), string(event.Type))
	defer span.End()

	span.SetAttributes(
		attribute.String("dipeo.execution_id", event.Scope.ExecutionID),
		attribute.Int64("dipeo.seq", event.Seq),
	)
	if event.Scope.NodeID != "" {
		span.SetAttributes(attribute.String("dipeo.node_id", event.Scope.NodeID))
	}
	if event.Status != "" {
		span.SetAttributes(attribute.String("dipeo.status", event.Status))
	}
	if event.Reason != "" {
		span.SetAttributes(attribute.String("dipeo.skip_reason", event.Reason))
	}
	if event.Usage != nil && !event.Usage.IsZero() {
		span.SetAttributes(
			attribute.Int64("dipeo.llm.tokens_in", event.Usage.Input),
			attribute.Int64("dipeo.llm.tokens_out", event.Usage.Output),
			attribute.Int64("dipeo.llm.tokens_cached", event.Usage.Cached),
		)
	}
	if event.Error != "" {
		span.SetStatus(codes.Error, event.Error)
		span.RecordError(errors.New(event.Error))
	}
}

// Flush forces export of buffered spans; call before shutdown.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}
