package router

import (
	"testing"

	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/sessions"
)

func TestRoute_DefaultAgent(t *testing.T) {
	cfg := &config.Config{}
	res := Route(cfg, Inbound{Channel: "telegram", PeerKind: sessions.PeerDirect, PeerID: "123"})
	if res.Meta.MatchedBindingKind != "default" {
		t.Fatalf("expected default binding, got %s", res.Meta.MatchedBindingKind)
	}
	want := sessions.BuildSessionKey("default", "telegram", sessions.PeerDirect, "123")
	if res.SessionKey != want {
		t.Fatalf("sessionKey = %q, want %q", res.SessionKey, want)
	}
}

func TestRoute_PeerBindingBeatsAccount(t *testing.T) {
	cfg := &config.Config{
		Bindings: []config.AgentBinding{
			{AgentID: "acct-agent", Match: config.BindingMatch{Channel: "slack", AccountID: "A1"}},
			{AgentID: "peer-agent", Match: config.BindingMatch{Channel: "slack", Peer: &config.BindingPeer{Kind: "direct", ID: "U1"}}},
		},
	}
	res := Route(cfg, Inbound{Channel: "slack", AccountID: "A1", PeerKind: sessions.PeerDirect, PeerID: "U1"})
	if res.AgentID != "peer-agent" {
		t.Fatalf("agentID = %q, want peer-agent", res.AgentID)
	}
}

func TestRoute_GroupTopic(t *testing.T) {
	cfg := &config.Config{}
	res := Route(cfg, Inbound{Channel: "telegram", PeerKind: sessions.PeerGroup, PeerID: "-100", HasTopic: true, TopicID: 7})
	want := sessions.BuildGroupTopicSessionKey("default", "telegram", "-100", 7)
	if res.SessionKey != want {
		t.Fatalf("sessionKey = %q, want %q", res.SessionKey, want)
	}
}

func TestRoute_RawSessionKeyOverride(t *testing.T) {
	cfg := &config.Config{}
	res := Route(cfg, Inbound{RawSessionKey: "agent:custom:direct:99"})
	if res.SessionKey != "agent:custom:direct:99" {
		t.Fatalf("unexpected override result: %+v", res)
	}
	if res.AgentID != "custom" {
		t.Fatalf("agentID = %q, want custom", res.AgentID)
	}
}
