// Package config handles gateway configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the top-level gateway configuration, normally read from
// <workspace>/.wingman/wingman.config.json.
type Config struct {
	LogLevel       string          `json:"logLevel,omitempty"`
	RecursionLimit int             `json:"recursionLimit,omitempty"`
	DefaultAgent   string          `json:"defaultAgent,omitempty"`
	Gateway        GatewayConfig   `json:"gateway"`
	Agents         AgentsConfig    `json:"agents"`
	Storage        StorageConfig   `json:"storage,omitempty"`
	Search         json.RawMessage `json:"search,omitempty"` // opaque, consumed by the agent runtime
	Skills         json.RawMessage `json:"skills,omitempty"` // opaque, consumed by the agent runtime
}

// GatewayConfig defines the server process behavior.
type GatewayConfig struct {
	Host string     `json:"host,omitempty"`
	Port int        `json:"port,omitempty"`
	Auth AuthConfig `json:"auth,omitempty"`

	FsRoots []string `json:"fsRoots,omitempty"`

	MaxNodes         int      `json:"maxNodes,omitempty"`
	MessageRateLimit int      `json:"messageRateLimit,omitempty"`
	MessageWindow    Duration `json:"messageWindow,omitempty"`
	PingInterval     Duration `json:"pingInterval,omitempty"`
	PingTimeout      Duration `json:"pingTimeout,omitempty"`

	MaxFrameBytes         int64    `json:"maxFrameBytes,omitempty"`
	MailboxDepth          int      `json:"mailboxDepth,omitempty"`
	PollTimeout           Duration `json:"pollTimeout,omitempty"`
	MaxConcurrentRequests int      `json:"maxConcurrentRequests,omitempty"`
	MaxRequestDuration    Duration `json:"maxRequestDuration,omitempty"`
	GracefulShutdown      Duration `json:"gracefulShutdown,omitempty"`

	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

// AuthConfig selects the connection gating mode.
type AuthConfig struct {
	Mode           string `json:"mode,omitempty"` // "none", "token", "password"
	Token          string `json:"token,omitempty"`
	Password       string `json:"password,omitempty"`
	PasswordHash   string `json:"passwordHash,omitempty"` // bcrypt, alternative to Password
	AllowTailscale bool   `json:"allowTailscale,omitempty"`
}

// AgentsConfig holds the resolved agent set and routing bindings.
type AgentsConfig struct {
	List     []AgentConfig `json:"list,omitempty"`
	Bindings []Binding     `json:"bindings,omitempty"`
}

// AgentConfig describes one agent the gateway can dispatch to.
type AgentConfig struct {
	ID     string       `json:"id"`
	Name   string       `json:"name,omitempty"`
	Runner RunnerConfig `json:"runner"`
}

// RunnerConfig tells the gateway how to invoke the agent runtime.
type RunnerConfig struct {
	Kind    string            `json:"kind"` // "http" or "command"
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	WorkDir string            `json:"workDir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout Duration          `json:"timeout,omitempty"`
}

// Binding routes incoming requests to an agent by matching routing fields.
// Only the fields present in Match participate in the comparison.
type Binding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch is the pattern side of a binding.
type BindingMatch struct {
	Channel   string `json:"channel,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	GuildID   string `json:"guildId,omitempty"`
	TeamID    string `json:"teamId,omitempty"`
	PeerKind  string `json:"peerKind,omitempty"`
	PeerID    string `json:"peerId,omitempty"`
}

// StorageConfig selects the session persistence backend.
type StorageConfig struct {
	Driver string `json:"driver,omitempty"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn,omitempty"`
}

// Duration is a JSON-friendly time.Duration (accepts strings like "30s", "5m",
// or plain numbers interpreted as milliseconds).
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Millisecond
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// HomeDir returns the gateway state directory ($HOME/.wingman).
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wingman"
	}
	return filepath.Join(home, ".wingman")
}

// WorkspacePath returns the config path inside a workspace.
func WorkspacePath(workspace string) string {
	return filepath.Join(workspace, ".wingman", "wingman.config.json")
}

// ResolvePath picks the config file: explicit path, WINGMAN_GATEWAY_CONFIG,
// then the workspace default relative to the current directory.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("WINGMAN_GATEWAY_CONFIG"); env != "" {
		return env
	}
	return WorkspacePath(".")
}

// Load reads and validates a config file, then applies env overrides and
// defaults. A missing file yields the default config.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("WINGMAN_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("WINGMAN_GATEWAY_TOKEN"); v != "" {
		c.Gateway.Auth.Mode = "token"
		c.Gateway.Auth.Token = v
	}
}

func (c *Config) validate() error {
	switch c.Gateway.Auth.Mode {
	case "", "none":
	case "token":
		if c.Gateway.Auth.Token == "" {
			return fmt.Errorf("gateway.auth.token is required for token mode")
		}
	case "password":
		if c.Gateway.Auth.Password == "" && c.Gateway.Auth.PasswordHash == "" {
			return fmt.Errorf("gateway.auth.password or passwordHash is required for password mode")
		}
	default:
		return fmt.Errorf("gateway.auth.mode must be none, token, or password")
	}

	seen := make(map[string]bool)
	for i, agent := range c.Agents.List {
		if agent.ID == "" {
			return fmt.Errorf("agents.list[%d].id is required", i)
		}
		if seen[agent.ID] {
			return fmt.Errorf("duplicate agent id: %s", agent.ID)
		}
		seen[agent.ID] = true
		switch agent.Runner.Kind {
		case "http":
			if agent.Runner.URL == "" {
				return fmt.Errorf("agents.list[%d].runner.url is required for http runner", i)
			}
		case "command":
			if agent.Runner.Command == "" {
				return fmt.Errorf("agents.list[%d].runner.command is required for command runner", i)
			}
		case "":
			return fmt.Errorf("agents.list[%d].runner.kind is required", i)
		default:
			return fmt.Errorf("agents.list[%d].runner.kind must be http or command", i)
		}
	}
	for i, b := range c.Agents.Bindings {
		if b.AgentID == "" {
			return fmt.Errorf("agents.bindings[%d].agentId is required", i)
		}
		if !seen[b.AgentID] {
			return fmt.Errorf("agents.bindings[%d] references unknown agent %q", i, b.AgentID)
		}
	}
	if c.DefaultAgent != "" && !seen[c.DefaultAgent] {
		return fmt.Errorf("defaultAgent %q is not in agents.list", c.DefaultAgent)
	}

	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver must be sqlite or postgres")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Gateway.Host == "" {
		c.Gateway.Host = "127.0.0.1"
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 7433
	}
	if c.Gateway.Auth.Mode == "" {
		c.Gateway.Auth.Mode = "none"
	}
	if c.Gateway.MaxNodes == 0 {
		c.Gateway.MaxNodes = 1000
	}
	if c.Gateway.MessageRateLimit == 0 {
		c.Gateway.MessageRateLimit = 100
	}
	if c.Gateway.MessageWindow.Duration == 0 {
		c.Gateway.MessageWindow.Duration = 60 * time.Second
	}
	if c.Gateway.PingInterval.Duration == 0 {
		c.Gateway.PingInterval.Duration = 30 * time.Second
	}
	if c.Gateway.PingTimeout.Duration == 0 {
		c.Gateway.PingTimeout.Duration = 90 * time.Second
	}
	if c.Gateway.MaxFrameBytes == 0 {
		c.Gateway.MaxFrameBytes = 1024 * 1024
	}
	if c.Gateway.MailboxDepth == 0 {
		c.Gateway.MailboxDepth = 256
	}
	if c.Gateway.PollTimeout.Duration == 0 {
		c.Gateway.PollTimeout.Duration = 25 * time.Second
	}
	if c.Gateway.MaxConcurrentRequests == 0 {
		c.Gateway.MaxConcurrentRequests = 32
	}
	if c.Gateway.MaxRequestDuration.Duration == 0 {
		c.Gateway.MaxRequestDuration.Duration = 10 * time.Minute
	}
	if c.Gateway.GracefulShutdown.Duration == 0 {
		c.Gateway.GracefulShutdown.Duration = 5 * time.Second
	}
	if c.DefaultAgent == "" && len(c.Agents.List) > 0 {
		c.DefaultAgent = c.Agents.List[0].ID
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" && c.Storage.Driver == "sqlite" {
		c.Storage.DSN = filepath.Join(HomeDir(), "gateway.db")
	}
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}

// Agent returns the agent config with the given ID, or nil.
func (c *Config) Agent(id string) *AgentConfig {
	for i := range c.Agents.List {
		if c.Agents.List[i].ID == id {
			return &c.Agents.List[i]
		}
	}
	return nil
}

// Save writes the config as indented JSON, creating parent directories.
// Used by the daemon to persist the effective config for restart.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
