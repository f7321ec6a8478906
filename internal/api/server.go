// Package api provides the gateway's HTTP surface: health and stats, the
// WebSocket endpoint, the HTTP bridge, and the management API.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/wingman-ai/wingman/internal/auth"
	"github.com/wingman-ai/wingman/internal/config"
	"github.com/wingman-ai/wingman/internal/credentials"
	"github.com/wingman-ai/wingman/internal/group"
	"github.com/wingman-ai/wingman/internal/hub"
	"github.com/wingman-ai/wingman/internal/registry"
	"github.com/wingman-ai/wingman/internal/store"
	"github.com/wingman-ai/wingman/pkg/protocol"
)

const maxBodyBytes = 4 * 1024 * 1024

// Core is the gateway surface the API needs beyond its direct dependencies.
type Core interface {
	// ConnectNode registers a node for a transport the API manages (the
	// HTTP bridge).
	ConnectNode(client *protocol.ClientInfo) (string, error)
	// MessagesProcessed returns the process-lifetime inbound frame count.
	MessagesProcessed() int64
	// Agents returns the current agent list.
	Agents() []config.AgentConfig
	// Agent looks up one agent.
	Agent(id string) (config.AgentConfig, bool)
	// UpsertAgent creates (create=true) or updates an agent definition.
	UpsertAgent(agent config.AgentConfig, create bool) error
}

// Server is the HTTP API server.
type Server struct {
	cfg          *config.Config
	core         Core
	hub          *hub.Hub
	nodes        *registry.Registry
	groups       *group.Registry
	store        store.Store
	creds        *credentials.Manager
	auth         *auth.Authenticator
	bridgeTokens *auth.BridgeTokens
	logger       *slog.Logger
	mux          *chi.Mux
	version      string
	startTime    time.Time
}

// NewServer creates the API server and mounts all routes.
func NewServer(
	cfg *config.Config,
	core Core,
	h *hub.Hub,
	nodes *registry.Registry,
	groups *group.Registry,
	st store.Store,
	creds *credentials.Manager,
	authn *auth.Authenticator,
	bridgeTokens *auth.BridgeTokens,
	version string,
	logger *slog.Logger,
) *Server {
	srv := &Server{
		cfg:          cfg,
		core:         core,
		hub:          h,
		nodes:        nodes,
		groups:       groups,
		store:        st,
		creds:        creds,
		auth:         authn,
		bridgeTokens: bridgeTokens,
		logger:       logger.With("component", "api"),
		version:      version,
		startTime:    time.Now(),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Gateway.AllowedOrigins))

	// Unauthenticated: health and the WebSocket endpoint (the handshake
	// authenticates itself).
	mux.Get("/health", srv.handleHealth)
	mux.Get("/ws", h.HandleWS)

	// Bridge: connect authenticates inside the handler, the rest uses the
	// minted node token.
	mux.Post("/bridge/send", srv.handleBridgeSend)
	mux.Get("/bridge/poll", srv.handleBridgePoll)

	// Authenticated API routes.
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)

		r.Get("/stats", srv.handleStats)

		r.Get("/api/sessions", srv.handleListSessions)
		r.Post("/api/sessions", srv.handleCreateSession)
		r.Get("/api/sessions/{sessionID}", srv.handleGetSession)
		r.Delete("/api/sessions/{sessionID}", srv.handleDeleteSession)
		r.Get("/api/sessions/{sessionID}/messages", srv.handleGetMessages)
		r.Delete("/api/sessions/{sessionID}/messages", srv.handleClearMessages)

		r.Get("/api/agents", srv.handleListAgents)
		r.Get("/api/agents/{agentID}", srv.handleGetAgent)
		r.Post("/api/agents/{agentID}", srv.handlePutAgent)
		r.Put("/api/agents/{agentID}", srv.handlePutAgent)

		r.Get("/api/groups", srv.handleListGroups)
		r.Delete("/api/groups/{groupID}", srv.handleDeleteGroup)

		r.Get("/api/fs/roots", srv.handleFsRoots)
		r.Get("/api/fs/list", srv.handleFsList)
		r.Post("/api/fs/mkdir", srv.handleFsMkdir)
		r.Get("/api/fs/file", srv.handleFsFile)

		r.Get("/api/providers", srv.handleListProviders)
		r.Post("/api/providers", srv.handleSetProvider)
		r.Delete("/api/providers/{name}", srv.handleDeleteProvider)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// --- Health and stats ---

type statsBody struct {
	Uptime            int64             `json:"uptime"` // seconds
	TotalNodes        int               `json:"totalNodes"`
	TotalGroups       int               `json:"totalGroups"`
	MessagesProcessed int64             `json:"messagesProcessed"`
	StartedAt         time.Time         `json:"startedAt"`
	ActiveSessions    int               `json:"activeSessions"`
	Nodes             []*registry.Node  `json:"nodes,omitempty"`
	Groups            []*group.Group    `json:"groups,omitempty"`
}

func (s *Server) stats(withDetail bool) statsBody {
	body := statsBody{
		Uptime:            int64(time.Since(s.startTime).Seconds()),
		TotalNodes:        s.nodes.Count(),
		TotalGroups:       s.groups.Count(),
		MessagesProcessed: s.core.MessagesProcessed(),
		StartedAt:         s.startTime,
	}
	if withDetail {
		body.Nodes = s.nodes.All()
		body.Groups = s.groups.All()
	}
	return body
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	body := s.stats(false)
	if err := s.store.Ping(r.Context()); err != nil {
		status = "degraded"
		s.logger.Warn("health check: store unreachable", "error", err)
	} else if sessions, err := s.store.ListSessions(r.Context(), ""); err == nil {
		body.ActiveSessions = len(sessions)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"version":   s.version,
		"stats":     body,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	body := s.stats(true)
	if sessions, err := s.store.ListSessions(r.Context(), ""); err == nil {
		body.ActiveSessions = len(sessions)
	}
	writeJSON(w, http.StatusOK, body)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeCodedError maps a gateway error to its HTTP status.
func writeCodedError(w http.ResponseWriter, err error) {
	code := protocol.CodeOf(err)
	writeJSON(w, httpStatus(code), map[string]string{
		"error": err.Error(),
		"code":  string(code),
	})
}

func httpStatus(code protocol.ErrorCode) int {
	switch code {
	case protocol.CodeInvalid:
		return http.StatusBadRequest
	case protocol.CodeUnauthorized:
		return http.StatusUnauthorized
	case protocol.CodeNotFound:
		return http.StatusNotFound
	case protocol.CodeConflict:
		return http.StatusConflict
	case protocol.CodeRateLimited, protocol.CodeBusy:
		return http.StatusTooManyRequests
	case protocol.CodeCapacityExceeded, protocol.CodeBackpressure:
		return http.StatusServiceUnavailable
	case protocol.CodeNotConnected:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
