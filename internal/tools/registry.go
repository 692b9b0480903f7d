package tools

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/openclaw/openclaw/internal/providers"
)

// AsyncCallback receives the eventual result of a tool call that runs past
// the turn that invoked it (e.g. a spawned subagent finishing later).
type AsyncCallback func(ctx context.Context, result *Result)

// Tool is the common shape every built-in and MCP-bridged tool implements.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Registry holds the set of tools available to one agent (or subagent)
// instance and mediates every invocation through rate limiting and
// optional argument scrubbing before dispatch.
type Registry struct {
	mu          sync.RWMutex
	tools       map[string]Tool
	rateLimiter *ToolRateLimiter
	scrub       bool
}

// NewRegistry returns an empty Registry. Scrubbing (redacting tool args in
// logs/traces) defaults to on; callers disable it explicitly.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool), scrub: true}
}

// Register adds (or replaces) a tool under its own Name().
func (r *Registry) Register(t Tool) {
	if t == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes a tool by name. No-op if absent.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the tool registered under name, if any.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns registered tool names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count reports how many tools are registered.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// SetRateLimiter installs a shared rate limiter applied to every Execute
// call. A nil limiter disables limiting.
func (r *Registry) SetRateLimiter(rl *ToolRateLimiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rateLimiter = rl
}

// SetScrubbing toggles whether tool-call arguments are redacted before
// being attached to traces/logs.
func (r *Registry) SetScrubbing(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scrub = enabled
}

// ProviderDefs returns the tool schema list sent to the LLM on every turn.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, ToProviderDef(r.tools[name]))
	}
	return defs
}

// ToProviderDef converts one Tool's schema into the wire shape sent to the LLM.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}

// Execute runs one tool call by name with no channel/session context.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	return r.ExecuteWithContext(ctx, name, args, "", "", "", "", nil)
}

// ExecuteWithContext runs one tool call, threading channel/chat/session
// identity through ctx (via the With* helpers in context_keys.go) so tools
// that need routing context (sandbox key, workspace, permissions) can read
// it without widening every Tool.Execute signature. extra carries
// additional per-call metadata (e.g. delegation depth) for tools that look
// it up via ctx; nil is the common case.
func (r *Registry) ExecuteWithContext(ctx context.Context, name string, args map[string]interface{}, channel, chatID, peerKind, sessionKey string, extra map[string]interface{}) *Result {
	r.mu.RLock()
	t, ok := r.tools[name]
	limiter := r.rateLimiter
	r.mu.RUnlock()
	if !ok {
		return ErrorResult("unknown tool: " + name)
	}

	if limiter != nil && !limiter.Allow(name) {
		return ErrorResult("tool rate limit exceeded: " + name)
	}

	ctx = WithToolChannel(ctx, channel)
	ctx = WithToolChatID(ctx, chatID)
	ctx = WithToolPeerKind(ctx, peerKind)
	if sandboxKey, ok := extra["sandboxKey"].(string); ok && sandboxKey != "" {
		ctx = WithToolSandboxKey(ctx, sandboxKey)
	}
	_ = sessionKey // not currently read by any tool; accepted for call-site symmetry with req fields
	return t.Execute(ctx, args)
}

// ToolRateLimiter bounds per-tool invocation rate using a token bucket per
// tool name, refilled at the configured hourly rate.
type ToolRateLimiter struct {
	mu       sync.Mutex
	perHour  int
	limiters map[string]*rate.Limiter
}

// NewToolRateLimiter builds a limiter allowing perHour calls/hour per tool
// name, with burst equal to one hour's worth (min 1). perHour<=0 disables
// limiting (Allow always returns true).
func NewToolRateLimiter(perHour int) *ToolRateLimiter {
	return &ToolRateLimiter{perHour: perHour, limiters: make(map[string]*rate.Limiter)}
}

// Allow reports whether another call to the named tool is permitted now.
func (l *ToolRateLimiter) Allow(name string) bool {
	if l == nil || l.perHour <= 0 {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[name]
	if !ok {
		every := time.Hour / time.Duration(l.perHour)
		lim = rate.NewLimiter(rate.Every(every), l.perHour)
		l.limiters[name] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
