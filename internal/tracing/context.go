package tracing

import (
	"context"

	"github.com/google/uuid"
)

// Trace context keys. A run's trace ID and parent span ID ride along the
// context so deeply-nested calls (tool execution, delegated sub-runs) can
// emit spans without threading explicit parameters through every layer.

type traceContextKey string

const (
	ctxTraceID             traceContextKey = "trace_id"
	ctxCollector           traceContextKey = "trace_collector"
	ctxParentSpanID        traceContextKey = "trace_parent_span_id"
	ctxAnnounceParentSpan  traceContextKey = "trace_announce_parent_span_id"
	ctxDelegateParentTrace traceContextKey = "trace_delegate_parent_trace_id"
)

// WithTraceID attaches the root trace ID for the current run.
func WithTraceID(ctx context.Context, traceID uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxTraceID, traceID)
}

// TraceIDFromContext returns the current run's trace ID, or uuid.Nil.
func TraceIDFromContext(ctx context.Context) uuid.UUID {
	v, _ := ctx.Value(ctxTraceID).(uuid.UUID)
	return v
}

// WithCollector attaches the span collector for the current run.
func WithCollector(ctx context.Context, collector *Collector) context.Context {
	return context.WithValue(ctx, ctxCollector, collector)
}

// CollectorFromContext returns the current run's collector, or nil.
func CollectorFromContext(ctx context.Context) *Collector {
	v, _ := ctx.Value(ctxCollector).(*Collector)
	return v
}

// WithParentSpanID attaches the span ID that child spans (LLM/tool calls)
// should nest under.
func WithParentSpanID(ctx context.Context, spanID uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxParentSpanID, spanID)
}

// ParentSpanIDFromContext returns the current parent span ID, or uuid.Nil.
func ParentSpanIDFromContext(ctx context.Context) uuid.UUID {
	v, _ := ctx.Value(ctxParentSpanID).(uuid.UUID)
	return v
}

// WithAnnounceParentSpanID attaches the root span an announce run (a
// subagent result being relayed back into its parent's session) should
// nest its own agent span under.
func WithAnnounceParentSpanID(ctx context.Context, spanID uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxAnnounceParentSpan, spanID)
}

// AnnounceParentSpanIDFromContext returns the announce parent span ID, or
// uuid.Nil.
func AnnounceParentSpanIDFromContext(ctx context.Context) uuid.UUID {
	v, _ := ctx.Value(ctxAnnounceParentSpan).(uuid.UUID)
	return v
}

// WithDelegateParentTraceID attaches the originating trace ID when a tool
// (delegate, subagent) kicks off work that should be attributed back to
// the caller's trace rather than starting a fresh one.
func WithDelegateParentTraceID(ctx context.Context, traceID uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxDelegateParentTrace, traceID)
}

// DelegateParentTraceIDFromContext returns the delegate's originating trace
// ID, or uuid.Nil.
func DelegateParentTraceIDFromContext(ctx context.Context) uuid.UUID {
	v, _ := ctx.Value(ctxDelegateParentTrace).(uuid.UUID)
	return v
}
