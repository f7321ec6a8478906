package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wingman-ai/wingman/internal/credentials"
)

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.creds.List()
	if err != nil {
		s.logger.Error("list providers failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read credentials")
		return
	}
	if providers == nil {
		providers = []credentials.ProviderStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

func (s *Server) handleSetProvider(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string    `json:"name"`
		APIKey       string    `json:"apiKey,omitempty"`
		AccessToken  string    `json:"accessToken,omitempty"`
		RefreshToken string    `json:"refreshToken,omitempty"`
		ExpiresAt    time.Time `json:"expiresAt,omitzero"`
		TokenType    string    `json:"tokenType,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.APIKey == "" && req.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "apiKey or accessToken is required")
		return
	}

	err := s.creds.Set(req.Name, credentials.Credential{
		APIKey:       req.APIKey,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    req.ExpiresAt,
		TokenType:    req.TokenType,
	})
	if err != nil {
		s.logger.Error("set provider failed", "provider", req.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.creds.Delete(name); err != nil {
		s.logger.Error("delete provider failed", "provider", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
