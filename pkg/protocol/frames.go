package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the wire-protocol version advertised on /health and
// negotiated during the "connect" RPC.
const ProtocolVersion = 1

// Frame type discriminators. Every WS message is one of these three shapes;
// ParseFrameType lets a reader dispatch without fully unmarshaling first.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// RequestFrame is a client→server RPC call.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ErrorInfo carries a machine-readable code plus a human message.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseFrame is the server's reply to one RequestFrame, matched by ID.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Meta    interface{} `json:"meta,omitempty"`
}

// EventFrame is an unsolicited server→client push (chat deltas, agent
// lifecycle, cache invalidation, ...).
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// Error codes surfaced in ResponseFrame.Error.Code.
const (
	ErrInvalidRequest = "INVALID_REQUEST"
	ErrUnavailable    = "UNAVAILABLE"
	ErrNotFound       = "NOT_FOUND"
	ErrInternal       = "INTERNAL"
	ErrUnauthorized   = "UNAUTHORIZED"
)

// NewEvent builds an EventFrame ready to broadcast or send to one client.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{Type: FrameTypeEvent, Event: name, Payload: payload}
}

// NewOKResponse builds a successful ResponseFrame for the given request ID.
func NewOKResponse(id string, payload interface{}) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true, Payload: payload}
}

// NewOKResponseMeta builds a successful ResponseFrame carrying extra meta
// (e.g. the chat.send run-id echoed alongside a streaming ack).
func NewOKResponseMeta(id string, payload, meta interface{}) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true, Payload: payload, Meta: meta}
}

// NewErrorResponse builds a failed ResponseFrame for the given request ID.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: false, Error: &ErrorInfo{Code: code, Message: message}}
}

// frameTypeProbe is the minimal shape needed to read just the "type" field
// out of a raw WS message without unmarshaling the whole frame.
type frameTypeProbe struct {
	Type string `json:"type"`
}

// ParseFrameType sniffs the "type" discriminator out of a raw WS message.
func ParseFrameType(raw []byte) (string, error) {
	var probe frameTypeProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", fmt.Errorf("protocol: parse frame type: %w", err)
	}
	if probe.Type == "" {
		return "", fmt.Errorf("protocol: missing frame type")
	}
	return probe.Type, nil
}
