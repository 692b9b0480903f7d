package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/openclaw/openclaw/pkg/protocol"
)

// HandlerFunc processes one decoded RequestFrame for a connected client.
// Handlers own their own response: they must call client.SendResponse
// exactly once (directly, or asynchronously after spawning background work,
// as internal/gateway/methods/zalo_personal_qr.go does for its QR flow).
type HandlerFunc func(ctx context.Context, client *Client, req *protocol.RequestFrame)

// MethodRouter dispatches incoming RequestFrames to registered handlers by
// method name. One router per Server; handlers are registered once at
// startup from internal/gateway/methods and never removed.
type MethodRouter struct {
	server *Server

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewMethodRouter creates a router bound to server s (used by handlers that
// need server-level collaborators such as the policy engine or rate limiter).
func NewMethodRouter(s *Server) *MethodRouter {
	return &MethodRouter{server: s, handlers: make(map[string]HandlerFunc)}
}

// Register binds a method name to its handler. Re-registering the same
// method overwrites the previous handler (last writer wins).
func (r *MethodRouter) Register(method string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = handler
}

// Dispatch routes req to its registered handler, or replies INVALID_REQUEST
// if no handler is registered for req.Method.
func (r *MethodRouter) Dispatch(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	r.mu.RLock()
	handler, ok := r.handlers[req.Method]
	r.mu.RUnlock()

	if !ok {
		slog.Warn("gateway.unknown_method", "method", req.Method, "id", req.ID)
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "unknown method: "+req.Method))
		return
	}

	handler(ctx, client, req)
}
