package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SpanType tags what kind of work a span represents.
type SpanType string

const (
	SpanTypeAgent    SpanType = "agent"
	SpanTypeLLMCall  SpanType = "llm_call"
	SpanTypeToolCall SpanType = "tool_call"
)

// SpanStatus is the terminal outcome of a span.
type SpanStatus string

const (
	SpanStatusCompleted SpanStatus = "completed"
	SpanStatusError     SpanStatus = "error"
)

// SpanLevelDefault is the default verbosity level recorded on a span when
// nothing more specific (e.g. "DEBUG") applies.
const SpanLevelDefault = "DEFAULT"

// TraceStatus is the lifecycle state of a top-level trace.
type TraceStatus string

const (
	TraceStatusRunning   TraceStatus = "running"
	TraceStatusCompleted TraceStatus = "completed"
	TraceStatusError     TraceStatus = "error"
	TraceStatusCancelled TraceStatus = "cancelled"
)

// TraceData is the top-level trace record for one agent run — the parent
// all of that run's spans (agent/llm_call/tool_call) nest under.
type TraceData struct {
	ID               uuid.UUID  `json:"id"`
	RunID            string     `json:"runId"`
	SessionKey       string     `json:"sessionKey"`
	UserID           string     `json:"userId,omitempty"`
	AgentID          *uuid.UUID `json:"agentId,omitempty"`
	ParentTraceID    *uuid.UUID `json:"parentTraceId,omitempty"`
	Channel          string     `json:"channel,omitempty"`
	Name             string     `json:"name"`
	Status           TraceStatus `json:"status"`
	InputPreview     string     `json:"inputPreview,omitempty"`
	OutputPreview    string     `json:"outputPreview,omitempty"`
	Error            string     `json:"error,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	StartTime        time.Time  `json:"startTime"`
	EndTime          *time.Time `json:"endTime,omitempty"`
	DurationMS       int        `json:"durationMs,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// SpanData is one recorded unit of work (agent run, LLM call, or tool call)
// within a trace, persisted for later inspection via the traces API.
type SpanData struct {
	ID           uuid.UUID  `json:"id"`
	TraceID      uuid.UUID  `json:"traceId"`
	ParentSpanID *uuid.UUID `json:"parentSpanId,omitempty"`
	AgentID      *uuid.UUID `json:"agentId,omitempty"`

	SpanType SpanType   `json:"spanType"`
	Name     string     `json:"name"`
	Status   SpanStatus `json:"status"`
	Level    string     `json:"level"`
	Error    string     `json:"error,omitempty"`

	StartTime  time.Time  `json:"startTime"`
	EndTime    *time.Time `json:"endTime,omitempty"`
	DurationMS int        `json:"durationMs"`

	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`

	InputTokens  int `json:"inputTokens,omitempty"`
	OutputTokens int `json:"outputTokens,omitempty"`

	InputPreview  string `json:"inputPreview,omitempty"`
	OutputPreview string `json:"outputPreview,omitempty"`
	FinishReason  string `json:"finishReason,omitempty"`

	ToolName   string `json:"toolName,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`

	Metadata []byte `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// TracingStore persists traces and spans for the managed-mode traces API.
type TracingStore interface {
	CreateTrace(ctx context.Context, trace *TraceData) error
	FinishTrace(ctx context.Context, traceID uuid.UUID, status TraceStatus, errMsg, outputPreview string) error

	EmitSpan(span SpanData) error
	ListByTrace(traceID uuid.UUID) ([]SpanData, error)
	ListRecentTraces(agentID *uuid.UUID, limit int) ([]SpanData, error)
}
