package tracing

import (
	"context"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/openclaw/openclaw/internal/store"
)

// Collector buffers and forwards spans to the managed-mode tracing store.
// A nil *Collector means tracing is disabled; every call site checks for
// nil before touching it.
type Collector struct {
	backend store.TracingStore
	verbose bool
}

// NewCollector wraps a TracingStore for span emission. Verbose mode (full
// message/output bodies instead of short previews) is controlled by the
// GOCLAW_TRACE_VERBOSE environment variable.
func NewCollector(backend store.TracingStore) *Collector {
	return &Collector{
		backend: backend,
		verbose: os.Getenv("GOCLAW_TRACE_VERBOSE") == "1",
	}
}

// Verbose reports whether full span bodies should be recorded.
func (c *Collector) Verbose() bool {
	if c == nil {
		return false
	}
	return c.verbose
}

// EmitSpan persists span, logging (not failing the caller's run) on error.
func (c *Collector) EmitSpan(span store.SpanData) {
	if c == nil || c.backend == nil {
		return
	}
	if err := c.backend.EmitSpan(span); err != nil {
		slog.Warn("tracing: failed to emit span", "error", err, "span_type", span.SpanType, "trace_id", span.TraceID)
	}
}

// CreateTrace persists the top-level trace record that a run's spans will
// nest under.
func (c *Collector) CreateTrace(ctx context.Context, trace *store.TraceData) error {
	if c == nil || c.backend == nil {
		return nil
	}
	return c.backend.CreateTrace(ctx, trace)
}

// FinishTrace marks a trace's terminal status, logging (not failing the
// caller's run) on error.
func (c *Collector) FinishTrace(ctx context.Context, traceID uuid.UUID, status store.TraceStatus, errMsg, outputPreview string) {
	if c == nil || c.backend == nil {
		return
	}
	if err := c.backend.FinishTrace(ctx, traceID, status, errMsg, outputPreview); err != nil {
		slog.Warn("tracing: failed to finish trace", "error", err, "trace_id", traceID)
	}
}
