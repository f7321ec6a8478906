package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wingman-ai/wingman/internal/auth"
	"github.com/wingman-ai/wingman/internal/config"
	"github.com/wingman-ai/wingman/internal/credentials"
	"github.com/wingman-ai/wingman/internal/group"
	"github.com/wingman-ai/wingman/internal/hub"
	"github.com/wingman-ai/wingman/internal/registry"
	"github.com/wingman-ai/wingman/internal/store"
	"github.com/wingman-ai/wingman/pkg/protocol"
)

type fakeCore struct {
	mu     sync.Mutex
	agents []config.AgentConfig
}

func (f *fakeCore) ConnectNode(client *protocol.ClientInfo) (string, error) {
	return "bridge-node-1", nil
}

func (f *fakeCore) MessagesProcessed() int64 { return 42 }

func (f *fakeCore) Agents() []config.AgentConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]config.AgentConfig, len(f.agents))
	copy(out, f.agents)
	return out
}

func (f *fakeCore) Agent(id string) (config.AgentConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.agents {
		if a.ID == id {
			return a, true
		}
	}
	return config.AgentConfig{}, false
}

func (f *fakeCore) UpsertAgent(agent config.AgentConfig, create bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, a := range f.agents {
		if a.ID == agent.ID {
			if create {
				return protocol.E(protocol.CodeConflict, "agent already exists")
			}
			f.agents[i] = agent
			return nil
		}
	}
	if !create {
		return protocol.E(protocol.CodeNotFound, "agent not found")
	}
	f.agents = append(f.agents, agent)
	return nil
}

type testServer struct {
	http   *httptest.Server
	core   *fakeCore
	store  store.Store
	groups *group.Registry
	nodes  *registry.Registry
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := &config.Config{}
	cfg.Gateway.Auth = config.AuthConfig{Mode: "token", Token: "secret"}
	cfg.Gateway.MaxFrameBytes = 1 << 20
	cfg.Gateway.PollTimeout = config.Duration{Duration: 50 * time.Millisecond}
	if mutate != nil {
		mutate(cfg)
	}

	core := &fakeCore{agents: []config.AgentConfig{
		{ID: "main", Name: "Main", Runner: config.RunnerConfig{Kind: "http", URL: "http://127.0.0.1:1"}},
	}}

	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite() error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bridgeTokens, err := auth.NewBridgeTokens()
	if err != nil {
		t.Fatalf("NewBridgeTokens() error: %v", err)
	}

	nodes := registry.New(registry.Options{MaxNodes: 16, MessageRateLimit: 100, MessageWindow: time.Minute}, logger)
	groups := group.New(logger)
	h := hub.New(logger, hub.Callbacks{
		Authenticate: func(string, http.Header, *protocol.AuthPayload) error { return nil },
		Connect:      func(*protocol.ClientInfo) (string, error) { return "", nil },
		Frame:        func(string, *protocol.Frame) {},
		Disconnect:   func(string) {},
	}, hub.Options{})

	creds := credentials.NewManager(filepath.Join(t.TempDir(), "credentials.json"))
	srv := NewServer(cfg, core, h, nodes, groups, st, creds, auth.New(cfg.Gateway.Auth), bridgeTokens, "test", logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{http: ts, core: core, store: st, groups: groups, nodes: nodes}
}

// request performs an authenticated API call and decodes the JSON response.
func (ts *testServer) request(t *testing.T, method, path string, body any, out any) *http.Response {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, buf)
	if err != nil {
		t.Fatalf("NewRequest() error: %v", err)
	}
	req.Header.Set("Authorization", "Bearer secret")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := ts.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return res
}

func TestHealthUnauthenticated(t *testing.T) {
	ts := newTestServer(t, nil)

	res, err := http.Get(ts.http.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET /health = %d", res.StatusCode)
	}

	var body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body.Status != "healthy" || body.Version != "test" {
		t.Errorf("health = %+v", body)
	}
	if res.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
}

func TestAuthMiddlewareRejectsBadToken(t *testing.T) {
	ts := newTestServer(t, nil)

	res, err := http.Get(ts.http.URL + "/stats")
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", res.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.http.URL+"/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", res.StatusCode)
	}
}

func TestStats(t *testing.T) {
	ts := newTestServer(t, nil)

	var body struct {
		TotalNodes        int   `json:"totalNodes"`
		MessagesProcessed int64 `json:"messagesProcessed"`
	}
	res := ts.request(t, http.MethodGet, "/stats", nil, &body)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET /stats = %d", res.StatusCode)
	}
	if body.MessagesProcessed != 42 {
		t.Errorf("messagesProcessed = %d", body.MessagesProcessed)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	var sess store.Session
	res := ts.request(t, http.MethodPost, "/api/sessions",
		map[string]string{"agentId": "main", "name": "Scratch"}, &sess)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create session = %d", res.StatusCode)
	}
	if sess.ID == "" || sess.AgentID != "main" || sess.Name != "Scratch" {
		t.Fatalf("session = %+v", sess)
	}

	var got store.Session
	if res := ts.request(t, http.MethodGet, "/api/sessions/"+sess.ID, nil, &got); res.StatusCode != http.StatusOK {
		t.Fatalf("get session = %d", res.StatusCode)
	}
	if got.ID != sess.ID {
		t.Errorf("got session %q", got.ID)
	}

	var msgs struct {
		Messages []store.Message `json:"messages"`
	}
	if res := ts.request(t, http.MethodGet, "/api/sessions/"+sess.ID+"/messages", nil, &msgs); res.StatusCode != http.StatusOK {
		t.Fatalf("get messages = %d", res.StatusCode)
	}
	if msgs.Messages == nil || len(msgs.Messages) != 0 {
		t.Errorf("messages = %v, want empty list", msgs.Messages)
	}

	var list struct {
		Sessions []store.Session `json:"sessions"`
	}
	ts.request(t, http.MethodGet, "/api/sessions?agentId=main", nil, &list)
	if len(list.Sessions) != 1 {
		t.Errorf("sessions = %d", len(list.Sessions))
	}

	if res := ts.request(t, http.MethodDelete, "/api/sessions/"+sess.ID, nil, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("delete session = %d", res.StatusCode)
	}
	if res := ts.request(t, http.MethodGet, "/api/sessions/"+sess.ID, nil, nil); res.StatusCode != http.StatusNotFound {
		t.Errorf("get deleted session = %d, want 404", res.StatusCode)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	if res := ts.request(t, http.MethodPost, "/api/sessions", map[string]string{}, nil); res.StatusCode != http.StatusBadRequest {
		t.Errorf("missing agentId = %d, want 400", res.StatusCode)
	}
	if res := ts.request(t, http.MethodPost, "/api/sessions", map[string]string{"agentId": "ghost"}, nil); res.StatusCode != http.StatusNotFound {
		t.Errorf("unknown agent = %d, want 404", res.StatusCode)
	}
}

func TestSessionNotFound(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, path := range []string{"/api/sessions/nope", "/api/sessions/nope/messages"} {
		if res := ts.request(t, http.MethodGet, path, nil, nil); res.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, res.StatusCode)
		}
	}
	if res := ts.request(t, http.MethodDelete, "/api/sessions/nope/messages", nil, nil); res.StatusCode != http.StatusNotFound {
		t.Errorf("clear unknown session = %d, want 404", res.StatusCode)
	}
}

func TestAgentEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	var list struct {
		Agents []agentView `json:"agents"`
	}
	ts.request(t, http.MethodGet, "/api/agents", nil, &list)
	if len(list.Agents) != 1 || list.Agents[0].ID != "main" {
		t.Fatalf("agents = %+v", list.Agents)
	}
	if list.Agents[0].RunnerKind != "http" {
		t.Errorf("runnerKind = %q", list.Agents[0].RunnerKind)
	}

	if res := ts.request(t, http.MethodGet, "/api/agents/ghost", nil, nil); res.StatusCode != http.StatusNotFound {
		t.Errorf("unknown agent = %d, want 404", res.StatusCode)
	}

	body := config.AgentConfig{Name: "Helper", Runner: config.RunnerConfig{Kind: "command", Command: "agent"}}
	if res := ts.request(t, http.MethodPost, "/api/agents/helper", body, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("create agent = %d", res.StatusCode)
	}
	if res := ts.request(t, http.MethodPost, "/api/agents/helper", body, nil); res.StatusCode != http.StatusConflict {
		t.Errorf("duplicate create = %d, want 409", res.StatusCode)
	}

	body.Name = "Helper v2"
	if res := ts.request(t, http.MethodPut, "/api/agents/helper", body, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("update agent = %d", res.StatusCode)
	}
	agent, ok := ts.core.Agent("helper")
	if !ok || agent.Name != "Helper v2" {
		t.Errorf("agent after update = %+v", agent)
	}

	if res := ts.request(t, http.MethodPut, "/api/agents/ghost", body, nil); res.StatusCode != http.StatusNotFound {
		t.Errorf("update unknown agent = %d, want 404", res.StatusCode)
	}
}

func TestProviderEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	if res := ts.request(t, http.MethodPost, "/api/providers", map[string]string{"name": "anthropic"}, nil); res.StatusCode != http.StatusBadRequest {
		t.Errorf("provider without key = %d, want 400", res.StatusCode)
	}
	if res := ts.request(t, http.MethodPost, "/api/providers",
		map[string]string{"name": "anthropic", "apiKey": "sk-test"}, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("set provider = %d", res.StatusCode)
	}

	var list struct {
		Providers []credentials.ProviderStatus `json:"providers"`
	}
	ts.request(t, http.MethodGet, "/api/providers", nil, &list)
	if len(list.Providers) != 1 || list.Providers[0].Name != "anthropic" || !list.Providers[0].HasAPIKey {
		t.Fatalf("providers = %+v", list.Providers)
	}

	if res := ts.request(t, http.MethodDelete, "/api/providers/anthropic", nil, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("delete provider = %d", res.StatusCode)
	}
	list.Providers = nil
	ts.request(t, http.MethodGet, "/api/providers", nil, &list)
	if len(list.Providers) != 0 {
		t.Errorf("providers after delete = %+v", list.Providers)
	}
}

func TestGroupEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	g := ts.groups.Join("ops", "parallel", "n1")

	var list struct {
		Groups []*group.Group `json:"groups"`
	}
	ts.request(t, http.MethodGet, "/api/groups", nil, &list)
	if len(list.Groups) != 1 {
		t.Fatalf("groups = %d", len(list.Groups))
	}

	if res := ts.request(t, http.MethodDelete, "/api/groups/"+g.ID, nil, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("delete group = %d", res.StatusCode)
	}
	if res := ts.request(t, http.MethodDelete, "/api/groups/"+g.ID, nil, nil); res.StatusCode != http.StatusNotFound {
		t.Errorf("delete missing group = %d, want 404", res.StatusCode)
	}
}

func TestBridgeConnectAndSend(t *testing.T) {
	ts := newTestServer(t, nil)

	connect := protocol.New(protocol.TypeConnect, nil)
	connect.ID = "c1"
	connect.Auth = &protocol.AuthPayload{Token: "secret"}
	raw, _ := json.Marshal(connect)

	res, err := http.Post(ts.http.URL+"/bridge/send", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST /bridge/send: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bridge connect = %d", res.StatusCode)
	}

	var frame protocol.Frame
	if err := json.NewDecoder(res.Body).Decode(&frame); err != nil {
		t.Fatalf("decode connect response: %v", err)
	}
	var payload protocol.ResPayload
	if err := frame.Decode(&payload); err != nil {
		t.Fatalf("decode res payload: %v", err)
	}
	if frame.ID != "c1" || payload.ClientID == "" || payload.Token == "" {
		t.Fatalf("connect response = %+v payload %+v", frame, payload)
	}

	ping := protocol.New(protocol.TypePing, nil)
	raw, _ = json.Marshal(ping)
	req, _ := http.NewRequest(http.MethodPost, ts.http.URL+"/bridge/send", bytes.NewReader(raw))
	req.Header.Set("X-Node-ID", payload.ClientID)
	req.Header.Set("Authorization", "Bearer "+payload.Token)
	res2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("bridge send: %v", err)
	}
	res2.Body.Close()
	if res2.StatusCode != http.StatusAccepted {
		t.Errorf("bridge send = %d, want 202", res2.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, ts.http.URL+"/bridge/poll", nil)
	req.Header.Set("X-Node-ID", payload.ClientID)
	req.Header.Set("Authorization", "Bearer "+payload.Token)
	res3, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("bridge poll: %v", err)
	}
	defer res3.Body.Close()
	if res3.StatusCode != http.StatusOK {
		t.Fatalf("bridge poll = %d", res3.StatusCode)
	}
	var poll struct {
		Frames []protocol.Frame `json:"frames"`
	}
	if err := json.NewDecoder(res3.Body).Decode(&poll); err != nil {
		t.Fatalf("decode poll: %v", err)
	}
	if poll.Frames == nil {
		t.Error("poll must return an empty list, not null")
	}
}

func TestBridgeRejectsBadIdentity(t *testing.T) {
	ts := newTestServer(t, nil)

	ping := protocol.New(protocol.TypePing, nil)
	raw, _ := json.Marshal(ping)

	res, err := http.Post(ts.http.URL+"/bridge/send", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("bridge send: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("send without X-Node-ID = %d, want 400", res.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.http.URL+"/bridge/send", bytes.NewReader(raw))
	req.Header.Set("X-Node-ID", "n1")
	req.Header.Set("Authorization", "Bearer forged")
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("bridge send: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Errorf("forged bridge token = %d, want 401", res.StatusCode)
	}
}

func TestBridgeConnectRequiresAuth(t *testing.T) {
	ts := newTestServer(t, nil)

	connect := protocol.New(protocol.TypeConnect, nil)
	connect.Auth = &protocol.AuthPayload{Token: "wrong"}
	raw, _ := json.Marshal(connect)

	res, err := http.Post(ts.http.URL+"/bridge/send", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("bridge connect: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad connect auth = %d, want 401", res.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Gateway.AllowedOrigins = []string{"http://app.example"}
	})

	req, _ := http.NewRequest(http.MethodOptions, ts.http.URL+"/api/sessions", nil)
	req.Header.Set("Origin", "http://app.example")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Errorf("preflight = %d, want 204", res.StatusCode)
	}
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "http://app.example" {
		t.Errorf("Allow-Origin = %q", got)
	}
}
