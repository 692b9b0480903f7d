package agent

import (
	"context"
	"fmt"
	"sync"
)

// Agent is anything that can execute one RunRequest and produce a
// RunResult: satisfied by *Loop, and by whatever a ResolverFunc builds in
// managed mode.
type Agent interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}

// ResolverFunc builds an Agent for an agent key. Config mode registers
// Loops directly via Router.Add; managed mode installs a ResolverFunc (see
// NewManagedResolver) that resolves agent keys against the database on
// demand — Router caches whatever it returns until invalidated.
type ResolverFunc func(agentKey string) (Agent, error)

// agentEntry is the cached resolution for one agent key.
type agentEntry struct {
	agent Agent
}

// Router is the process-wide registry mapping an agentID/agentKey to the
// Agent that should execute its runs. It is the single owner of agent
// instances: config-mode agents are registered once at startup via Add;
// managed-mode agents are resolved lazily through the installed
// ResolverFunc and cached until InvalidateAgent/InvalidateAll is called
// (e.g. on an agent-edited cache-invalidation event).
type Router struct {
	mu       sync.Mutex
	agents   map[string]*agentEntry
	resolver ResolverFunc
}

// NewRouter creates an empty Router. Config mode populates it via Add;
// managed mode installs a resolver via SetResolver instead (or in addition,
// for any statically-registered agents).
func NewRouter() *Router {
	return &Router{agents: make(map[string]*agentEntry)}
}

// Add registers (or replaces) the Agent for agentID. Used by config mode,
// where every agent.Loop is constructed once at startup and never
// re-resolved.
func (r *Router) Add(agentID string, a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agentID] = &agentEntry{agent: a}
}

// SetResolver installs the managed-mode resolver used on a cache miss.
// Statically-registered agents (via Add) still take priority over it.
func (r *Router) SetResolver(resolver ResolverFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolver = resolver
}

// Get returns the Agent for agentKey, resolving and caching it through the
// installed ResolverFunc on a cache miss.
func (r *Router) Get(agentKey string) (Agent, error) {
	r.mu.Lock()
	if entry, ok := r.agents[agentKey]; ok {
		resolver := entry.agent
		r.mu.Unlock()
		return resolver, nil
	}
	resolver := r.resolver
	r.mu.Unlock()

	if resolver == nil {
		return nil, fmt.Errorf("agent not found: %s", agentKey)
	}

	a, err := resolver(agentKey)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.agents[agentKey] = &agentEntry{agent: a}
	r.mu.Unlock()
	return a, nil
}

// List returns the currently registered/cached agent keys.
func (r *Router) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.agents))
	for k := range r.agents {
		keys = append(keys, k)
	}
	return keys
}
