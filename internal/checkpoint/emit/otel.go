package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by recording each event as an
// OpenTelemetry span.
//
// Each span carries:
//   - Name: event.Msg (e.g. "checkpoint_submitted")
//   - Attributes: finrisk.task_id, finrisk.instance_id,
//     finrisk.control_type, plus every Meta entry under its own key
//   - Status: error when Meta["error"] is set
//
// Spans are started and ended immediately; lifecycle events are points in
// time, not durations.
//
// Usage:
//
//	tracer := otel.Tracer("finrisk")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter that records events on the tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit records the event as a completed span.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Msg)
	defer span.End()

	o.addIdentityAttributes(span, event)
	o.addMetaAttributes(span, event.Meta)

	if msg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, msg)
		span.RecordError(fmt.Errorf("%s", msg))
	}
}

// Flush forces export of buffered spans. Call before shutdown so batch
// span processors drain; providers without ForceFlush are a no-op.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) addIdentityAttributes(span trace.Span, event Event) {
	if event.TaskID != "" {
		span.SetAttributes(attribute.String("finrisk.task_id", event.TaskID))
	}
	if event.InstanceID != "" {
		span.SetAttributes(attribute.String("finrisk.instance_id", event.InstanceID))
	}
	if event.ControlType != "" {
		span.SetAttributes(attribute.String("finrisk.control_type", event.ControlType))
	}
}

func (o *OTelEmitter) addMetaAttributes(span trace.Span, meta map[string]any) {
	for key, value := range meta {
		attrKey := "finrisk." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}
