// Package auth provides tests for the node credential manager.
package auth

import (
	"testing"
	"time"

	"github.com/stratomesh/stratomesh/internal/config"
)

func testJWTConfig(secret string) config.JWTConfig {
	return config.JWTConfig{
		Secret:      secret,
		Issuer:      "stratomesh-orchestrator",
		Audience:    "stratomesh-node",
		TokenExpiry: 8760 * time.Hour,
	}
}

func TestJWTManager_Mint(t *testing.T) {
	manager := NewJWTManager(testJWTConfig("test-secret-key-at-least-32-bytes-long"))

	token, err := manager.Mint("node-abc", "0x742d35Cc6634C0532925a3b844Bc454e4438f44e", "machine-1")
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	if token == "" {
		t.Error("Expected token to be set")
	}
}

func TestJWTManager_Verify_ValidToken(t *testing.T) {
	manager := NewJWTManager(testJWTConfig("test-secret-key-at-least-32-bytes-long"))

	token, err := manager.Mint("node-abc", "0x742d35Cc6634C0532925a3b844Bc454e4438f44e", "machine-1")
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	claims, err := manager.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	if claims.NodeID != "node-abc" {
		t.Errorf("Expected node ID 'node-abc', got '%s'", claims.NodeID)
	}

	if claims.Wallet != "0x742d35Cc6634C0532925a3b844Bc454e4438f44e" {
		t.Errorf("Unexpected wallet in claims: '%s'", claims.Wallet)
	}

	if claims.MachineID != "machine-1" {
		t.Errorf("Expected machine ID 'machine-1', got '%s'", claims.MachineID)
	}

	if claims.Subject != "node-abc" {
		t.Errorf("Expected subject to be the node ID, got '%s'", claims.Subject)
	}
}

func TestJWTManager_Verify_InvalidToken(t *testing.T) {
	manager := NewJWTManager(testJWTConfig("test-secret-key-at-least-32-bytes-long"))

	_, err := manager.Verify("invalid-token")
	if err == nil {
		t.Fatal("Expected error for invalid token")
	}
}

func TestJWTManager_Verify_WrongSecret(t *testing.T) {
	manager1 := NewJWTManager(testJWTConfig("secret-key-one-at-least-32-bytes"))
	manager2 := NewJWTManager(testJWTConfig("secret-key-two-at-least-32-bytes"))

	token, err := manager1.Mint("node-abc", "0x742d35Cc6634C0532925a3b844Bc454e4438f44e", "machine-1")
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	// Try to verify with different secret
	_, err = manager2.Verify(token)
	if err == nil {
		t.Fatal("Expected error when verifying with wrong secret")
	}
}

func TestJWTManager_Verify_WrongAudience(t *testing.T) {
	cfg := testJWTConfig("test-secret-key-at-least-32-bytes-long")
	manager1 := NewJWTManager(cfg)

	cfg.Audience = "some-other-service"
	manager2 := NewJWTManager(cfg)

	token, err := manager1.Mint("node-abc", "0x742d35Cc6634C0532925a3b844Bc454e4438f44e", "machine-1")
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	_, err = manager2.Verify(token)
	if err == nil {
		t.Fatal("Expected error when verifying token minted for a different audience")
	}
}

func TestHashCredential_RoundTrip(t *testing.T) {
	manager := NewJWTManager(testJWTConfig("test-secret-key-at-least-32-bytes-long"))

	// Real credentials are far longer than bcrypt's 72-byte input limit;
	// hashing must still round-trip.
	token, err := manager.Mint("node-abc", "0x742d35Cc6634C0532925a3b844Bc454e4438f44e", "machine-1")
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if len(token) <= 72 {
		t.Fatalf("Expected a token longer than 72 bytes, got %d", len(token))
	}

	hash, err := HashCredential(token)
	if err != nil {
		t.Fatalf("HashCredential failed: %v", err)
	}

	if hash == token {
		t.Fatal("Hash must not equal the credential")
	}

	if !CheckCredential(hash, token) {
		t.Error("CheckCredential rejected the credential it was hashed from")
	}

	if CheckCredential(hash, token+"tampered") {
		t.Error("CheckCredential accepted a modified credential")
	}
}
