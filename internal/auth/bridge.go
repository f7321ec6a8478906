package auth

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wingman-ai/wingman/pkg/protocol"
)

// BridgeClaims is the JWT payload minted for HTTP bridge nodes after a
// successful connect handshake.
type BridgeClaims struct {
	NodeID string `json:"nid"`
	jwt.RegisteredClaims
}

// BridgeTokens mints and validates per-node tokens for the HTTP bridge.
// The signing secret is process-local, so bridge sessions do not survive a
// gateway restart; clients reconnect the same way WebSocket clients do.
type BridgeTokens struct {
	secret []byte
	expiry time.Duration
}

// NewBridgeTokens creates a token minter with a random secret.
func NewBridgeTokens() (*BridgeTokens, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate bridge secret: %w", err)
	}
	return &BridgeTokens{secret: secret, expiry: 24 * time.Hour}, nil
}

// Mint issues a token bound to a node ID.
func (b *BridgeTokens) Mint(nodeID string) (string, error) {
	claims := &BridgeClaims{
		NodeID: nodeID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(b.expiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(b.secret)
}

// Validate checks the token and that it is bound to the given node ID.
func (b *BridgeTokens) Validate(tokenStr, nodeID string) error {
	token, err := jwt.ParseWithClaims(tokenStr, &BridgeClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return b.secret, nil
	})
	if err != nil {
		return protocol.E(protocol.CodeUnauthorized, "invalid bridge token")
	}
	claims, ok := token.Claims.(*BridgeClaims)
	if !ok || claims.NodeID != nodeID {
		return protocol.E(protocol.CodeUnauthorized, "bridge token does not match node")
	}
	return nil
}
