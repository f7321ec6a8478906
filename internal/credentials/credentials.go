// Package credentials manages stored provider credentials in
// ~/.wingman/credentials.json.
package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Credential holds the secret material for one provider.
type Credential struct {
	APIKey       string    `json:"apiKey,omitempty"`
	AccessToken  string    `json:"accessToken,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitzero"`
	TokenType    string    `json:"tokenType,omitempty"`
}

// file is the on-disk layout of credentials.json.
type file struct {
	Version   int                   `json:"version"`
	UpdatedAt time.Time             `json:"updatedAt"`
	Providers map[string]Credential `json:"providers"`
}

// Manager reads and writes the credentials file. Environment variables of the
// form <PROVIDER>_API_KEY take precedence over stored keys.
type Manager struct {
	path string

	mu    sync.Mutex
	cache *file
}

// NewManager creates a manager for the credentials file at path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) load() (*file, error) {
	if m.cache != nil {
		return m.cache, nil
	}
	f := &file{Version: 1, Providers: map[string]Credential{}}
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			m.cache = f
			return f, nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	if f.Providers == nil {
		f.Providers = map[string]Credential{}
	}
	m.cache = f
	return f, nil
}

func (m *Manager) save(f *file) error {
	f.Version = 1
	f.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	m.cache = f
	return nil
}

// envKey returns the environment variable consulted before stored keys,
// e.g. "anthropic" -> ANTHROPIC_API_KEY.
func envKey(provider string) string {
	name := strings.ToUpper(provider)
	name = strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	return name + "_API_KEY"
}

// Resolve returns the credential for a provider, with the environment
// variable taking precedence over the stored API key. A nil result means no
// credential is configured.
func (m *Manager) Resolve(provider string) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred := Credential{}
	f, err := m.load()
	if err != nil {
		return nil, err
	}
	if stored, ok := f.Providers[provider]; ok {
		cred = stored
	}
	if v := os.Getenv(envKey(provider)); v != "" {
		cred.APIKey = v
	}
	if cred == (Credential{}) {
		return nil, nil
	}
	return &cred, nil
}

// Set stores or replaces the credential for a provider.
func (m *Manager) Set(provider string, cred Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.load()
	if err != nil {
		return err
	}
	f.Providers[provider] = cred
	return m.save(f)
}

// Delete removes a provider's stored credential. Deleting an unknown
// provider is a no-op.
func (m *Manager) Delete(provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.load()
	if err != nil {
		return err
	}
	if _, ok := f.Providers[provider]; !ok {
		return nil
	}
	delete(f.Providers, provider)
	return m.save(f)
}

// ProviderStatus describes one configured provider without exposing secrets.
type ProviderStatus struct {
	Name      string    `json:"name"`
	HasAPIKey bool      `json:"hasApiKey"`
	HasOAuth  bool      `json:"hasOauth"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
	FromEnv   bool      `json:"fromEnv"`
}

// List returns the status of every configured provider, sorted by name.
func (m *Manager) List() ([]ProviderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.load()
	if err != nil {
		return nil, err
	}
	var out []ProviderStatus
	for name, cred := range f.Providers {
		out = append(out, ProviderStatus{
			Name:      name,
			HasAPIKey: cred.APIKey != "" || os.Getenv(envKey(name)) != "",
			HasOAuth:  cred.AccessToken != "",
			ExpiresAt: cred.ExpiresAt,
			FromEnv:   os.Getenv(envKey(name)) != "",
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
