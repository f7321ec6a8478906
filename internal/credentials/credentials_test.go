package credentials

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	// The developer machine may carry real provider keys; an empty value
	// counts as unset during resolution.
	t.Setenv("ANTHROPIC_API_KEY", "")
	return NewManager(filepath.Join(t.TempDir(), "credentials.json"))
}

func TestResolveUnknownProvider(t *testing.T) {
	m := newTestManager(t)
	cred, err := m.Resolve("anthropic")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if cred != nil {
		t.Errorf("Resolve() = %+v, want nil", cred)
	}
}

func TestSetAndResolve(t *testing.T) {
	m := newTestManager(t)
	if err := m.Set("anthropic", Credential{APIKey: "sk-123"}); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	cred, err := m.Resolve("anthropic")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if cred == nil || cred.APIKey != "sk-123" {
		t.Errorf("Resolve() = %+v", cred)
	}
}

func TestPersistedAcrossManagers(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	path := filepath.Join(t.TempDir(), "credentials.json")
	if err := NewManager(path).Set("openai", Credential{AccessToken: "tok"}); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	cred, err := NewManager(path).Resolve("openai")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if cred == nil || cred.AccessToken != "tok" {
		t.Errorf("Resolve() = %+v", cred)
	}

	// Secrets are not world readable.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("file mode = %o, want 600", info.Mode().Perm())
	}
}

func TestEnvOverridesStoredKey(t *testing.T) {
	m := newTestManager(t)
	if err := m.Set("anthropic", Credential{APIKey: "stored"}); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	t.Setenv("ANTHROPIC_API_KEY", "from-env")

	cred, err := m.Resolve("anthropic")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if cred.APIKey != "from-env" {
		t.Errorf("APIKey = %q, want env value", cred.APIKey)
	}
}

func TestEnvOnlyProvider(t *testing.T) {
	m := newTestManager(t)
	t.Setenv("MY_PROVIDER_API_KEY", "env-key")

	cred, err := m.Resolve("my-provider")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if cred == nil || cred.APIKey != "env-key" {
		t.Errorf("Resolve() = %+v", cred)
	}
}

func TestDelete(t *testing.T) {
	m := newTestManager(t)
	if err := m.Set("anthropic", Credential{APIKey: "sk"}); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := m.Delete("anthropic"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if cred, _ := m.Resolve("anthropic"); cred != nil {
		t.Errorf("Resolve() after delete = %+v", cred)
	}
	// Deleting an unknown provider is a no-op.
	if err := m.Delete("ghost"); err != nil {
		t.Errorf("Delete(ghost) error: %v", err)
	}
}

func TestListSortedWithoutSecrets(t *testing.T) {
	m := newTestManager(t)
	_ = m.Set("zeta", Credential{APIKey: "z"})
	_ = m.Set("alpha", Credential{AccessToken: "a"})

	list, err := m.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "zeta" {
		t.Fatalf("List() = %+v", list)
	}
	if !list[0].HasOAuth || list[0].HasAPIKey {
		t.Errorf("alpha status = %+v", list[0])
	}
	if !list[1].HasAPIKey || list[1].HasOAuth {
		t.Errorf("zeta status = %+v", list[1])
	}
}
