package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openclaw/openclaw/pkg/protocol"
)

// writeWait bounds a single WS write; a slow/dead peer must not block the
// dispatcher's send loop indefinitely.
const writeWait = 10 * time.Second

// Client wraps one WebSocket connection: a single reader goroutine decoding
// RequestFrames into the MethodRouter, and a serialized writer so concurrent
// SendResponse/SendEvent/BroadcastEvent calls never interleave on the wire
// (gorilla/websocket connections are not safe for concurrent writers).
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	mu     sync.Mutex // serializes conn writes
	closed bool

	authenticated bool
	token         string
}

// NewClient wraps an upgraded WebSocket connection for server s.
func NewClient(conn *websocket.Conn, s *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
	}
}

// ID returns the client's connection identifier, used as the event-bus
// subscription key.
func (c *Client) ID() string { return c.id }

// Run reads frames until the connection closes or ctx is done, dispatching
// each RequestFrame through the server's MethodRouter. Non-request frames
// (echoed responses/events from a misbehaving peer) are ignored.
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		frameType, err := protocol.ParseFrameType(raw)
		if err != nil {
			continue
		}
		if frameType != protocol.FrameTypeRequest {
			continue
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}

		if req.Method == protocol.MethodConnect {
			c.handleConnect(&req)
			continue
		}
		if !c.authenticated && c.server.cfg.Gateway.Token != "" {
			c.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnauthorized, "connect required before other methods"))
			continue
		}

		c.server.router.Dispatch(ctx, c, &req)
	}
}

// handleConnect authenticates the client against the configured gateway
// token. An empty configured
// token means the gateway runs unauthenticated (local/dev mode).
func (c *Client) handleConnect(req *protocol.RequestFrame) {
	var params struct {
		Token string `json:"token"`
	}
	if req.Params != nil {
		_ = json.Unmarshal(req.Params, &params)
	}

	want := c.server.cfg.Gateway.Token
	if want != "" && params.Token != want {
		c.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnauthorized, "invalid token"))
		return
	}

	c.authenticated = true
	c.token = params.Token
	c.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"protocolVersion": protocol.ProtocolVersion,
	}))
}

// SendResponse writes a ResponseFrame to this client's connection.
func (c *Client) SendResponse(resp *protocol.ResponseFrame) {
	c.writeJSON(resp)
}

// SendEvent writes an EventFrame to this client's connection.
func (c *Client) SendEvent(evt protocol.EventFrame) {
	c.writeJSON(&evt)
}

func (c *Client) writeJSON(v interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(v); err != nil {
		slog.Debug("gateway.client_write_failed", "client", c.id, "error", err)
	}
}

// Close marks the client closed and closes the underlying connection.
// Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.conn.Close()
}
