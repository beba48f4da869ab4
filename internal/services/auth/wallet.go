package auth

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ValidWalletAddress reports whether s is a well-formed hex wallet address.
func ValidWalletAddress(s string) bool {
	return common.IsHexAddress(s)
}

// RecoverWallet recovers the signer address from an EIP-191 personal-sign
// signature over message. The signature is the usual 65-byte r||s||v hex
// blob; v may be 0/1 or the legacy 27/28.
func RecoverWallet(message, signature string) (string, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", fmt.Errorf("malformed signature: %w", err)
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}

	// Wallets emit the legacy recovery id offset by 27.
	if sig[64] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[64] -= 27
	}

	digest := accounts.TextHash([]byte(message))
	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", fmt.Errorf("signature recovery failed: %w", err)
	}

	return crypto.PubkeyToAddress(*pubKey).Hex(), nil
}

// VerifyWalletSignature checks that signature over message recovers wallet.
func VerifyWalletSignature(wallet, message, signature string) error {
	recovered, err := RecoverWallet(message, signature)
	if err != nil {
		return err
	}
	if !strings.EqualFold(recovered, wallet) {
		return fmt.Errorf("signature recovers %s, not %s", recovered, wallet)
	}
	return nil
}
