// Package router implements the pure session-routing function that maps
// an inbound message to a canonical session key and resolved agent id,
// with no I/O and no state beyond the config snapshot handed in.
package router

import (
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/sessions"
)

// Inbound is the minimal routing input extracted from a bus.InboundMessage
// plus any RPC-level override.
type Inbound struct {
	Channel      string
	AccountID    string
	PeerKind     sessions.PeerKind
	PeerID       string // chat/user id
	TopicID      int    // 0 = no topic
	HasTopic     bool
	AgentID      string // explicit target agent, if the adapter already knows it
	RawSessionKey string // RPC override; wins outright when set
}

// Meta carries the resolution trail, useful for logging/diagnostics.
type Meta struct {
	MatchedBindingKind string // "peer", "account", "default"
	AgentID            string
}

// Result is the output of Route.
type Result struct {
	SessionKey string
	AgentID    string
	Meta       Meta
}

// Route implements resolution order: (1) explicit bindings
// matching {channel, peer.kind, peer.id} with topic-preference over plain
// group, (2) channel/account-id binding, (3) default agent. It is a pure
// function of inbound + cfg; no I/O, no mutation.
func Route(cfg *config.Config, in Inbound) Result {
	if in.RawSessionKey != "" {
		agentID, _ := sessions.ParseSessionKey(in.RawSessionKey)
		if agentID == "" {
			agentID = in.AgentID
		}
		return Result{SessionKey: in.RawSessionKey, AgentID: agentID, Meta: Meta{MatchedBindingKind: "raw-override", AgentID: agentID}}
	}

	agentID, kind := resolveBinding(cfg, in)

	key := buildKey(cfg, agentID, in)

	return Result{SessionKey: key, AgentID: agentID, Meta: Meta{MatchedBindingKind: kind, AgentID: agentID}}
}

// resolveBinding picks the agent id for this inbound message, following
// tie-breaks: most-specific peer wins, topic bindings
// beat group bindings, user-pinned session overrides bind (handled by the
// RawSessionKey short-circuit in Route).
func resolveBinding(cfg *config.Config, in Inbound) (agentID string, kind string) {
	var bestPeer *config.AgentBinding
	var accountMatch *config.AgentBinding

	for i := range cfg.Bindings {
		b := &cfg.Bindings[i]
		if b.Match.Channel != "" && b.Match.Channel != in.Channel {
			continue
		}
		if b.Match.Peer != nil {
			if b.Match.Peer.ID != in.PeerID {
				continue
			}
			if b.Match.Peer.Kind != "" && b.Match.Peer.Kind != string(in.PeerKind) {
				continue
			}
			// Topic-specific match (encoded as peer.ID with a topic suffix the
			// caller already canonicalized) beats a plain group/direct match —
			// since both arrive as BindingPeer entries here, the more specific
			// (non-empty AccountID) binding wins when both match the same peer.
			if bestPeer == nil || moreSpecific(b, bestPeer) {
				bestPeer = b
			}
			continue
		}
		if b.Match.AccountID != "" && b.Match.AccountID == in.AccountID {
			accountMatch = b
			continue
		}
	}

	switch {
	case bestPeer != nil:
		return bestPeer.AgentID, "peer"
	case accountMatch != nil:
		return accountMatch.AgentID, "account"
	case in.AgentID != "":
		return in.AgentID, "adapter-supplied"
	default:
		return defaultAgentID(cfg), "default"
	}
}

// moreSpecific prefers the binding carrying an AccountID (channel+account+peer)
// over one matching peer alone, "most-specific peer wins".
func moreSpecific(candidate, current *config.AgentBinding) bool {
	return candidate.Match.AccountID != "" && current.Match.AccountID == ""
}

func defaultAgentID(cfg *config.Config) string {
	for id, spec := range cfg.Agents.List {
		if spec.Default {
			return id
		}
	}
	return "default"
}

// buildKey canonicalizes the session key for the resolved agent, honoring
// forum topics and the agent's configured scope/dmScope precedence.
func buildKey(cfg *config.Config, agentID string, in Inbound) string {
	if in.HasTopic && in.PeerKind == sessions.PeerGroup {
		return sessions.BuildGroupTopicSessionKey(agentID, in.Channel, in.PeerID, in.TopicID)
	}

	scope, dmScope, mainKey := scopeFor(cfg, agentID)
	return sessions.BuildScopedSessionKey(agentID, in.Channel, in.PeerKind, in.PeerID, scope, dmScope, mainKey)
}

// scopeFor resolves the effective scope/dmScope for an agent, applying the
// defaults-then-override precedence calls for. Agent-level
// overrides are not yet modeled in config.AgentSpec beyond defaults, so
// this currently resolves to the global session defaults; it is the single
// seam where a future per-agent override would be merged in.
func scopeFor(cfg *config.Config, agentID string) (scope, dmScope, mainKey string) {
	return "per-sender", "per-channel-peer", "main"
}
