// Package auth provides node credential services: JWT bearer tokens,
// wallet signature verification, and API key hashing.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stratomesh/stratomesh/internal/config"
)

// NodeClaims are the JWT claims carried by a node bearer credential. The
// token is bound to the node identity triple so a leaked credential cannot
// be replayed for a different machine or wallet.
type NodeClaims struct {
	NodeID    string `json:"node_id"`
	Wallet    string `json:"wallet"`
	MachineID string `json:"machine_id"`
	jwt.RegisteredClaims
}

// JWTManager mints and verifies node bearer credentials.
type JWTManager struct {
	secret      []byte
	issuer      string
	audience    string
	tokenExpiry time.Duration
}

// NewJWTManager creates a new JWT manager with the given configuration.
func NewJWTManager(cfg config.JWTConfig) *JWTManager {
	return &JWTManager{
		secret:      []byte(cfg.Secret),
		issuer:      cfg.Issuer,
		audience:    cfg.Audience,
		tokenExpiry: cfg.TokenExpiry,
	}
}

// Mint creates a long-lived bearer credential for a registered node.
func (m *JWTManager) Mint(nodeID, wallet, machineID string) (string, error) {
	now := time.Now()

	claims := &NodeClaims{
		NodeID:    nodeID,
		Wallet:    wallet,
		MachineID: machineID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   nodeID,
			Audience:  jwt.ClaimStrings{m.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        fmt.Sprintf("%s-%d", nodeID, now.UnixNano()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign node credential: %w", err)
	}
	return signed, nil
}

// Verify validates a node credential and returns the claims if valid.
func (m *JWTManager) Verify(tokenString string) (*NodeClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &NodeClaims{}, func(t *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
	)

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*NodeClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}

// TokenExpiry returns the credential lifetime.
func (m *JWTManager) TokenExpiry() time.Duration {
	return m.tokenExpiry
}
