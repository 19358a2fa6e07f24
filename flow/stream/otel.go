package stream

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelSink decorates another Sink with OpenTelemetry tracing.
//
// Each event becomes one span, ended immediately (events are points in
// time, not durations):
//   - Span name: string(event.Kind), e.g. "started", "completed"
//   - Attributes: run_id, step_name, sequence_number
//   - Status: error for failed events
//
// The event is then forwarded to the wrapped sink unchanged, so tracing
// can be layered on top of any transport:
//
//	tracer := otel.Tracer("searchflow")
//	sink := stream.NewOTelSink(tracer, stream.NewJSONLSink(w))
type OTelSink struct {
	tracer trace.Tracer
	next   Sink
}

// NewOTelSink creates an OTelSink tracing into tracer and forwarding to
// next. If next is nil, events are traced and discarded.
func NewOTelSink(tracer trace.Tracer, next Sink) *OTelSink {
	if next == nil {
		next = NewNullSink()
	}
	return &OTelSink{tracer: tracer, next: next}
}

// Write records a span for the event and forwards it to the wrapped sink.
func (o *OTelSink) Write(event Event) error {
	_, span := o.tracer.Start(context.Background(), string(event.Kind))

	span.SetAttributes(
		attribute.String("run_id", event.RunID),
		attribute.String("step_name", event.StepName),
		attribute.Int64("sequence_number", int64(event.Sequence)), // #nosec G115 -- sequence numbers stay far below int64 range
	)

	if event.Kind == KindFailed {
		msg := fmt.Sprintf("%v", event.Payload)
		span.SetStatus(codes.Error, msg)
		span.RecordError(errors.New(msg))
	}

	span.End()
	return o.next.Write(event)
}

// Close closes the wrapped sink.
func (o *OTelSink) Close() error {
	return o.next.Close()
}
