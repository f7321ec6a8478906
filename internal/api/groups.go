package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"groups": s.groups.All()})
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "groupID")
	g := s.groups.Get(id)
	if g == nil {
		writeError(w, http.StatusNotFound, "group not found")
		return
	}
	s.groups.Delete(id)
	for _, member := range g.Members {
		s.nodes.LeftGroup(member, id)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
