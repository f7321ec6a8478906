package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wingman-ai/wingman/internal/routing"
	"github.com/wingman-ai/wingman/internal/store"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context(), r.URL.Query().Get("agentId"))
	if err != nil {
		s.logger.Error("list sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID    string `json:"agentId"`
		SessionKey string `json:"sessionKey,omitempty"`
		Name       string `json:"name,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agentId is required")
		return
	}
	if _, ok := s.core.Agent(req.AgentID); !ok {
		writeError(w, http.StatusNotFound, "unknown agent")
		return
	}

	key := req.SessionKey
	if key == "" {
		key = routing.DeriveKey(req.AgentID, nil)
	}
	sess, err := s.store.CreateSession(r.Context(), req.AgentID, key, req.Name)
	if err != nil {
		s.logger.Error("create session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.logger.Error("get session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, err := s.store.GetSession(r.Context(), id)
	if err == nil && sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := s.store.DeleteSession(r.Context(), id); err != nil {
		s.logger.Error("delete session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.logger.Error("get session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	messages, err := s.store.GetMessages(r.Context(), id)
	if err != nil {
		s.logger.Error("get messages failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, err := s.store.GetSession(r.Context(), id)
	if err == nil && sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := s.store.ClearMessages(r.Context(), id); err != nil {
		s.logger.Error("clear messages failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to clear messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
