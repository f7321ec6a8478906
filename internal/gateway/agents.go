package gateway

import (
	"github.com/wingman-ai/wingman/internal/config"
	"github.com/wingman-ai/wingman/internal/routing"
	"github.com/wingman-ai/wingman/internal/runner"
	"github.com/wingman-ai/wingman/pkg/protocol"
)

// Agents returns a snapshot of the configured agents. Implements api.Core.
func (g *Gateway) Agents() []config.AgentConfig {
	g.agentsMu.RLock()
	defer g.agentsMu.RUnlock()
	return append([]config.AgentConfig(nil), g.cfg.Agents.List...)
}

// Agent looks up one agent. Implements api.Core.
func (g *Gateway) Agent(id string) (config.AgentConfig, bool) {
	g.agentsMu.RLock()
	defer g.agentsMu.RUnlock()
	if a := g.cfg.Agent(id); a != nil {
		return *a, true
	}
	return config.AgentConfig{}, false
}

// UpsertAgent creates or updates an agent definition at runtime and rebuilds
// the routing resolver. Implements api.Core.
func (g *Gateway) UpsertAgent(agent config.AgentConfig, create bool) error {
	run, err := runner.New(agent.Runner)
	if err != nil {
		return protocol.E(protocol.CodeInvalid, "%v", err)
	}

	g.agentsMu.Lock()
	defer g.agentsMu.Unlock()

	existing := g.cfg.Agent(agent.ID)
	if create && existing != nil {
		return protocol.E(protocol.CodeConflict, "agent %s already exists", agent.ID)
	}
	if !create && existing == nil {
		return protocol.E(protocol.CodeNotFound, "agent %s not found", agent.ID)
	}

	if existing != nil {
		*existing = agent
	} else {
		g.cfg.Agents.List = append(g.cfg.Agents.List, agent)
	}
	g.runners[agent.ID] = run
	g.resolver = routing.New(g.cfg.Agents, g.cfg.DefaultAgent)
	g.logger.Info("agent configuration updated", "agentId", agent.ID, "created", create)
	return nil
}
