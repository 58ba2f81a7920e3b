package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StartRecordingSpan creates a child span covering one recording session
// phase ("start", "stop").
func StartRecordingSpan(ctx context.Context, phase, recordingID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "recording."+phase,
		trace.WithAttributes(
			attribute.String("recording.id", recordingID),
			attribute.String("recording.phase", phase),
		),
	)
}

// StartReplaySpan creates a child span covering one replay phase
// ("load", "start").
func StartReplaySpan(ctx context.Context, phase, recordingID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "replay."+phase,
		trace.WithAttributes(
			attribute.String("recording.id", recordingID),
			attribute.String("replay.phase", phase),
		),
	)
}

// StartLookupSpan creates a child span for one IO edge lookup.
func StartLookupSpan(ctx context.Context, eventType, toolName string, callIndex int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "replay.lookup",
		trace.WithAttributes(
			attribute.String("lookup.event_type", eventType),
			attribute.String("lookup.tool_name", toolName),
			attribute.Int("lookup.call_index", callIndex),
		),
	)
}

// SetLookupResult adds the outcome of a lookup to the current span.
func SetLookupResult(ctx context.Context, matched bool, mismatchKind string) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Bool("lookup.matched", matched))
	if mismatchKind != "" {
		span.SetAttributes(attribute.String("lookup.mismatch_kind", mismatchKind))
	}
}

// SetRecordingAttributes adds session-level attributes to the current
// span.
func SetRecordingAttributes(ctx context.Context, adapterName string, eventCount, chunkCount int, compressed bool) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("recording.adapter", adapterName),
		attribute.Int("recording.event_count", eventCount),
		attribute.Int("recording.chunk_count", chunkCount),
		attribute.Bool("recording.compressed", compressed),
	)
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
