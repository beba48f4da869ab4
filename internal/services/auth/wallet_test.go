package auth

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// signMessage produces an EIP-191 personal-sign signature with the legacy
// v offset that browser wallets emit.
func signMessage(t *testing.T, message string) (wallet, signature string) {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	digest := accounts.TextHash([]byte(message))
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	sig[64] += 27

	return crypto.PubkeyToAddress(key.PublicKey).Hex(), hexutil.Encode(sig)
}

func TestRecoverWallet(t *testing.T) {
	message := "stratomesh-register:machine-1"
	wallet, signature := signMessage(t, message)

	recovered, err := RecoverWallet(message, signature)
	if err != nil {
		t.Fatalf("RecoverWallet failed: %v", err)
	}

	if !strings.EqualFold(recovered, wallet) {
		t.Errorf("Recovered %s, want %s", recovered, wallet)
	}
}

func TestVerifyWalletSignature(t *testing.T) {
	message := "stratomesh-register:machine-1"
	wallet, signature := signMessage(t, message)

	if err := VerifyWalletSignature(wallet, message, signature); err != nil {
		t.Fatalf("VerifyWalletSignature failed: %v", err)
	}

	// Lowercased address must still verify
	if err := VerifyWalletSignature(strings.ToLower(wallet), message, signature); err != nil {
		t.Errorf("Case-insensitive comparison failed: %v", err)
	}
}

func TestVerifyWalletSignature_WrongSigner(t *testing.T) {
	message := "stratomesh-register:machine-1"
	_, signature := signMessage(t, message)
	otherWallet, _ := signMessage(t, message)

	if err := VerifyWalletSignature(otherWallet, message, signature); err == nil {
		t.Fatal("Expected error for a signature from a different key")
	}
}

func TestVerifyWalletSignature_TamperedMessage(t *testing.T) {
	wallet, signature := signMessage(t, "stratomesh-register:machine-1")

	if err := VerifyWalletSignature(wallet, "stratomesh-register:machine-2", signature); err == nil {
		t.Fatal("Expected error for a signature over a different message")
	}
}

func TestRecoverWallet_Malformed(t *testing.T) {
	if _, err := RecoverWallet("message", "not-hex"); err == nil {
		t.Error("Expected error for non-hex signature")
	}
	if _, err := RecoverWallet("message", "0xdeadbeef"); err == nil {
		t.Error("Expected error for short signature")
	}
}

func TestValidWalletAddress(t *testing.T) {
	valid := []string{
		"0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
		"0x0000000000000000000000000000000000000001",
	}
	invalid := []string{
		"",
		"742d35Cc6634C0532925a3b844Bc454e4438f44e!",
		"0x742d",
		"not-an-address",
	}

	for _, s := range valid {
		if !ValidWalletAddress(s) {
			t.Errorf("ValidWalletAddress(%q) = false, want true", s)
		}
	}
	for _, s := range invalid {
		if ValidWalletAddress(s) {
			t.Errorf("ValidWalletAddress(%q) = true, want false", s)
		}
	}
}
