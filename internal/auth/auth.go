// Package auth gates incoming gateway connections.
package auth

import (
	"crypto/subtle"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/wingman-ai/wingman/internal/config"
	"github.com/wingman-ai/wingman/pkg/protocol"
)

// Headers that identify a connection arriving over a tailnet proxy.
const (
	tailscaleUserHeader  = "Tailscale-User-Login"
	tailscaleLoginHeader = "X-Tailscale-User"
)

// Failed-handshake cooldown: after this many failures from one source within
// the window, further attempts are rejected until the window slides.
const (
	cooldownLimit  = 10
	cooldownWindow = time.Minute
)

// Authenticator validates connect handshakes according to the configured mode.
type Authenticator struct {
	mode           string
	password       string
	passwordHash   string
	allowTailscale bool

	mu       sync.Mutex
	tokens   map[string]struct{}
	failures map[string][]time.Time // source IP -> failure timestamps
}

// New builds an Authenticator from config. Tokens may be added later at
// runtime with AddToken.
func New(cfg config.AuthConfig) *Authenticator {
	a := &Authenticator{
		mode:           cfg.Mode,
		password:       cfg.Password,
		passwordHash:   cfg.PasswordHash,
		allowTailscale: cfg.AllowTailscale,
		tokens:         make(map[string]struct{}),
		failures:       make(map[string][]time.Time),
	}
	if cfg.Token != "" {
		a.tokens[cfg.Token] = struct{}{}
	}
	return a
}

// Mode returns the configured auth mode.
func (a *Authenticator) Mode() string { return a.mode }

// AddToken registers an additional accepted token.
func (a *Authenticator) AddToken(token string) {
	if token == "" {
		return
	}
	a.mu.Lock()
	a.tokens[token] = struct{}{}
	a.mu.Unlock()
}

// Authenticate checks the connect handshake. source is the remote address
// used for brute-force cooldown, keyed per IP; header carries the original
// HTTP request headers (for tailscale identification) and may be nil for
// non-HTTP transports.
func (a *Authenticator) Authenticate(source string, header http.Header, creds *protocol.AuthPayload) error {
	// RemoteAddr carries the ephemeral port; cooldown is per host.
	if host, _, err := net.SplitHostPort(source); err == nil {
		source = host
	}

	if a.allowTailscale && header != nil {
		if header.Get(tailscaleUserHeader) != "" || header.Get(tailscaleLoginHeader) != "" {
			return nil
		}
	}

	if a.inCooldown(source) {
		return protocol.E(protocol.CodeRateLimited, "too many failed handshakes")
	}

	var ok bool
	switch a.mode {
	case "", "none":
		ok = true
	case "token":
		ok = creds != nil && a.tokenValid(creds.Token)
	case "password":
		ok = creds != nil && a.passwordValid(creds.Password)
	}

	if !ok {
		a.recordFailure(source)
		return protocol.E(protocol.CodeUnauthorized, "authentication failed")
	}
	return nil
}

func (a *Authenticator) tokenValid(token string) bool {
	if token == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	// Compare against every accepted token in constant time so set membership
	// does not leak through timing.
	valid := false
	for t := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			valid = true
		}
	}
	return valid
}

func (a *Authenticator) passwordValid(password string) bool {
	if password == "" {
		return false
	}
	if a.passwordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(a.passwordHash), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(a.password), []byte(password)) == 1
}

func (a *Authenticator) inCooldown(source string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.prune(source)) >= cooldownLimit
}

func (a *Authenticator) recordFailure(source string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[source] = append(a.prune(source), time.Now())
}

// prune drops failure records older than the window. Caller holds the lock.
func (a *Authenticator) prune(source string) []time.Time {
	cutoff := time.Now().Add(-cooldownWindow)
	kept := a.failures[source][:0]
	for _, ts := range a.failures[source] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(a.failures, source)
		return nil
	}
	a.failures[source] = kept
	return kept
}
