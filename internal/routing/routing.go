// Package routing resolves incoming agent requests to an agent and a stable
// session key. Resolution is pure: identical inputs yield identical keys
// across restarts.
package routing

import (
	"strings"

	"github.com/wingman-ai/wingman/internal/config"
	"github.com/wingman-ai/wingman/pkg/protocol"
)

// Resolver maps request routing onto configured agents.
type Resolver struct {
	bindings     []config.Binding
	defaultAgent string
	firstAgent   string
}

// New builds a resolver from the agents config.
func New(agents config.AgentsConfig, defaultAgent string) *Resolver {
	first := ""
	if len(agents.List) > 0 {
		first = agents.List[0].ID
	}
	return &Resolver{
		bindings:     agents.Bindings,
		defaultAgent: defaultAgent,
		firstAgent:   first,
	}
}

// Resolve picks the agent and session key for a request.
func (r *Resolver) Resolve(req *protocol.AgentRequestPayload) (agentID, sessionKey string) {
	agentID = req.AgentID
	if agentID == "" {
		agentID = r.matchBinding(req.Routing)
	}
	if agentID == "" {
		agentID = r.defaultAgent
	}
	if agentID == "" {
		agentID = r.firstAgent
	}

	sessionKey = req.SessionKey
	if sessionKey == "" {
		sessionKey = DeriveKey(agentID, req.Routing)
	}
	return agentID, sessionKey
}

// matchBinding returns the agent of the first binding whose specified fields
// all equal the request's routing, or "".
func (r *Resolver) matchBinding(rt *protocol.Routing) string {
	if rt == nil {
		return ""
	}
	for _, b := range r.bindings {
		if bindingMatches(b.Match, rt) {
			return b.AgentID
		}
	}
	return ""
}

func bindingMatches(m config.BindingMatch, rt *protocol.Routing) bool {
	if m.Channel != "" && m.Channel != rt.Channel {
		return false
	}
	if m.AccountID != "" && m.AccountID != rt.AccountID {
		return false
	}
	if m.GuildID != "" && m.GuildID != rt.GuildID {
		return false
	}
	if m.TeamID != "" && m.TeamID != rt.TeamID {
		return false
	}
	if m.PeerKind != "" && (rt.Peer == nil || m.PeerKind != rt.Peer.Kind) {
		return false
	}
	if m.PeerID != "" && (rt.Peer == nil || m.PeerID != rt.Peer.ID) {
		return false
	}
	// A binding with no fields set matches nothing.
	return m != (config.BindingMatch{})
}

// DeriveKey derives the deterministic session key for an agent and routing
// address. DM peers and unrouted requests collapse onto the agent's main
// session.
func DeriveKey(agentID string, rt *protocol.Routing) string {
	if rt == nil || (rt.Peer != nil && rt.Peer.Kind == "dm") || isEmptyRouting(rt) {
		return "agent:" + agentID + ":main"
	}

	parts := []string{"agent", agentID, rt.Channel}
	bare := true
	if rt.AccountID != "" {
		parts = append(parts, "account:"+rt.AccountID)
		bare = false
	}
	if rt.Peer != nil {
		parts = append(parts, rt.Peer.Kind+":"+rt.Peer.ID)
		bare = false
	}
	if rt.ThreadID != "" {
		parts = append(parts, "thread:"+rt.ThreadID)
		bare = false
	}
	if bare {
		parts = append(parts, "main")
	}
	return strings.Join(parts, ":")
}

func isEmptyRouting(rt *protocol.Routing) bool {
	return rt.Channel == "" && rt.AccountID == "" && rt.GuildID == "" &&
		rt.TeamID == "" && rt.ThreadID == "" && rt.Peer == nil
}
