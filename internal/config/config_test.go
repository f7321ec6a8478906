package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wingman.config.json")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Gateway.Host != "127.0.0.1" || cfg.Gateway.Port != 7433 {
		t.Errorf("default addr = %s", cfg.Addr())
	}
	if cfg.Gateway.Auth.Mode != "none" {
		t.Errorf("default auth mode = %q", cfg.Gateway.Auth.Mode)
	}
	if cfg.Gateway.MailboxDepth != 256 {
		t.Errorf("default mailbox depth = %d", cfg.Gateway.MailboxDepth)
	}
	if cfg.Gateway.MaxRequestDuration.Duration != 10*time.Minute {
		t.Errorf("default max request duration = %s", cfg.Gateway.MaxRequestDuration)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("default storage driver = %q", cfg.Storage.Driver)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `{
		"logLevel": "debug",
		"gateway": {
			"port": 9000,
			"auth": {"mode": "token", "token": "secret"},
			"gracefulShutdown": "7s",
			"messageWindow": 30000
		},
		"agents": {
			"list": [{"id": "a1", "runner": {"kind": "http", "url": "http://localhost:1"}}],
			"bindings": [{"agentId": "a1", "match": {"channel": "discord"}}]
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Gateway.Port != 9000 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
	if cfg.Gateway.GracefulShutdown.Duration != 7*time.Second {
		t.Errorf("gracefulShutdown = %s", cfg.Gateway.GracefulShutdown)
	}
	// Plain numbers are milliseconds.
	if cfg.Gateway.MessageWindow.Duration != 30*time.Second {
		t.Errorf("messageWindow = %s", cfg.Gateway.MessageWindow)
	}
	if cfg.DefaultAgent != "a1" {
		t.Errorf("defaultAgent should fall back to first agent, got %q", cfg.DefaultAgent)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"token mode without token", `{"gateway": {"auth": {"mode": "token"}}, "agents": {}}`},
		{"password mode without password", `{"gateway": {"auth": {"mode": "password"}}, "agents": {}}`},
		{"unknown auth mode", `{"gateway": {"auth": {"mode": "oauth"}}, "agents": {}}`},
		{"agent without id", `{"gateway": {}, "agents": {"list": [{"runner": {"kind": "http", "url": "u"}}]}}`},
		{"duplicate agent id", `{"gateway": {}, "agents": {"list": [
			{"id": "a", "runner": {"kind": "http", "url": "u"}},
			{"id": "a", "runner": {"kind": "http", "url": "u"}}]}}`},
		{"http runner without url", `{"gateway": {}, "agents": {"list": [{"id": "a", "runner": {"kind": "http"}}]}}`},
		{"command runner without command", `{"gateway": {}, "agents": {"list": [{"id": "a", "runner": {"kind": "command"}}]}}`},
		{"unknown runner kind", `{"gateway": {}, "agents": {"list": [{"id": "a", "runner": {"kind": "grpc"}}]}}`},
		{"binding to unknown agent", `{"gateway": {}, "agents": {"bindings": [{"agentId": "ghost", "match": {"channel": "x"}}]}}`},
		{"unknown default agent", `{"defaultAgent": "ghost", "gateway": {}, "agents": {}}`},
		{"unknown storage driver", `{"gateway": {}, "agents": {}, "storage": {"driver": "mysql"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("Load() should fail")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WINGMAN_LOG_LEVEL", "debug")
	t.Setenv("WINGMAN_GATEWAY_TOKEN", "env-token")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("logLevel = %q", cfg.LogLevel)
	}
	if cfg.Gateway.Auth.Mode != "token" || cfg.Gateway.Auth.Token != "env-token" {
		t.Errorf("env token not applied: %+v", cfg.Gateway.Auth)
	}
}

func TestDurationMarshal(t *testing.T) {
	d := Duration{90 * time.Second}
	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"1m30s"` {
		t.Errorf("marshal = %s", data)
	}

	var back Duration
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Duration != 90*time.Second {
		t.Errorf("round trip = %s", back)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "gateway.json")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	cfg.Gateway.Port = 7500

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	back, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if back.Gateway.Port != 7500 {
		t.Errorf("reloaded port = %d", back.Gateway.Port)
	}
}
