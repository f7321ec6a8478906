package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wingman-ai/wingman/internal/config"
	"github.com/wingman-ai/wingman/pkg/protocol"
)

// agentView is the API shape of an agent; runner credentials (headers, env)
// stay server-side.
type agentView struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	RunnerKind string `json:"runnerKind"`
}

func viewOf(a config.AgentConfig) agentView {
	return agentView{ID: a.ID, Name: a.Name, RunnerKind: a.Runner.Kind}
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.core.Agents()
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, viewOf(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": views})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.core.Agent(chi.URLParam(r, "agentID"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(agent))
}

// handlePutAgent creates (POST) or updates (PUT) an agent definition.
func (s *Server) handlePutAgent(w http.ResponseWriter, r *http.Request) {
	var agent config.AgentConfig
	if !decodeBody(w, r, &agent) {
		return
	}
	agent.ID = chi.URLParam(r, "agentID")
	if agent.ID == "" {
		writeError(w, http.StatusBadRequest, "agent id is required")
		return
	}

	create := r.Method == http.MethodPost
	if err := s.core.UpsertAgent(agent, create); err != nil {
		if protocol.CodeOf(err) == protocol.CodeInternal {
			s.logger.Error("upsert agent failed", "agentId", agent.ID, "error", err)
		}
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(agent))
}
