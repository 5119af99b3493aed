package emit

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns events into OpenTelemetry spans.
//
// Each event becomes one short span named after Msg, with the execution and
// node identity as "nodegraph.*" attributes. Events whose Meta carries an
// "error" string get an error status and a recorded error.
//
// Example:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//	emitter := emit.NewOTelEmitter(otel.Tracer("nodegraph"))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter using tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit implements Emitter.
func (o *OTelEmitter) Emit(event Event) {
	o.record(context.Background(), event)
}

// EmitBatch records several events under ctx.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		o.record(ctx, event)
	}
	return nil
}

// Flush forces the global tracer provider to export buffered spans, when it
// supports flushing.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) record(ctx context.Context, event Event) {
	var opts []trace.SpanStartOption
	if !event.Time.IsZero() {
		opts = append(opts, trace.WithTimestamp(event.Time))
	}
	_, span := o.tracer.Start(ctx, event.Msg, opts...)
	defer span.End()

	span.SetAttributes(identity(event)...)
	span.SetAttributes(metaAttributes(event.Meta)...)

	if msg, ok := event.Meta["error"].(string); ok && msg != "" {
		span.SetStatus(codes.Error, msg)
		span.RecordError(errors.New(msg))
	}
}

// identity returns the attributes naming what the event is about. Plugin
// events have no execution and are identified by Meta["plugin_id"] alone.
func identity(event Event) []attribute.KeyValue {
	var kv []attribute.KeyValue
	if event.ExecutionID != "" {
		kv = append(kv,
			attribute.String("nodegraph.execution_id", event.ExecutionID),
			attribute.String("nodegraph.workflow_id", event.WorkflowID))
	}
	if event.NodeID != "" {
		kv = append(kv,
			attribute.String("nodegraph.node_id", event.NodeID),
			attribute.String("nodegraph.node_type", event.NodeType),
			attribute.Int("nodegraph.attempt", event.Attempt))
	}
	return kv
}

// metaAttributes maps Meta to "nodegraph.<key>" attributes. Nested values
// such as redacted params are encoded as JSON.
func metaAttributes(meta map[string]interface{}) []attribute.KeyValue {
	kv := make([]attribute.KeyValue, 0, len(meta))
	for key, value := range meta {
		k := "nodegraph." + key
		switch v := value.(type) {
		case string:
			kv = append(kv, attribute.String(k, v))
		case bool:
			kv = append(kv, attribute.Bool(k, v))
		case int:
			kv = append(kv, attribute.Int(k, v))
		case int64:
			kv = append(kv, attribute.Int64(k, v))
		case float64:
			kv = append(kv, attribute.Float64(k, v))
		case time.Duration:
			kv = append(kv, attribute.Int64(k, v.Milliseconds()))
		case []string:
			kv = append(kv, attribute.StringSlice(k, v))
		default:
			b, err := json.Marshal(v)
			if err != nil {
				kv = append(kv, attribute.String(k, fmt.Sprint(v)))
				continue
			}
			kv = append(kv, attribute.String(k, string(b)))
		}
	}
	return kv
}
