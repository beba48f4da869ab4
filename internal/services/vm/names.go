package vm

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/stratomesh/stratomesh/internal/domain"
)

const (
	maxNameLength = 40
	minNameLength = 2
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$`)

// SanitizeName folds an arbitrary display name into DNS-safe form: lowercase,
// spaces and underscores become hyphens, anything outside [a-z0-9-] is
// stripped, hyphen runs collapse, and the result is trimmed and truncated.
// An empty result falls back to "vm".
func SanitizeName(raw string) string {
	s := strings.ToLower(raw)
	s = strings.ReplaceAll(s, " ", "-")
	s = strings.ReplaceAll(s, "_", "-")

	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	s = b.String()

	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	s = strings.Trim(s, "-")

	if len(s) > maxNameLength {
		s = strings.TrimRight(s[:maxNameLength], "-")
	}
	if s == "" {
		return "vm"
	}
	return s
}

// ValidateName checks a canonical VM name: 2-40 chars, starts with a letter,
// ends with a letter or digit, only [a-z0-9-] inside.
func ValidateName(name string) error {
	if len(name) < minNameLength || len(name) > maxNameLength {
		return domain.ValidationError(fmt.Sprintf("vm name must be %d-%d characters, got %d", minNameLength, maxNameLength, len(name)))
	}
	if !namePattern.MatchString(name) {
		return domain.ValidationError(fmt.Sprintf("vm name %q must start with a letter and contain only lowercase letters, digits, and hyphens", name))
	}
	return nil
}

// randomHex returns n bytes of CSPRNG output as 2n hex characters.
func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// GenerateCanonicalName produces a unique per-owner name from a raw display
// name. System VMs pass through unchanged. Otherwise the name is sanitized
// and suffixed with 4 hex characters; after 5 collisions it falls through to
// an 8-hex suffix. The function is total: any raw input yields a usable name.
func (s *Service) GenerateCanonicalName(ctx context.Context, raw, ownerID string) (string, error) {
	if ownerID == domain.SystemOwnerID {
		return raw, nil
	}

	base := SanitizeName(raw)
	if base[0] < 'a' || base[0] > 'z' {
		// Sanitizing can leave a leading digit; the suffix fixes everything
		// else the pattern requires.
		base = "vm-" + base
	}

	// Leave room for "-xxxx".
	if len(base) > maxNameLength-5 {
		base = strings.TrimRight(base[:maxNameLength-5], "-")
	}

	for attempt := 0; attempt < 5; attempt++ {
		suffix, err := randomHex(2)
		if err != nil {
			return "", err
		}
		candidate := base + "-" + suffix
		inUse, err := s.repo.VMNameInUseByOwner(ctx, ownerID, candidate)
		if err != nil {
			return "", fmt.Errorf("name uniqueness check failed: %w", err)
		}
		if !inUse {
			return candidate, nil
		}
	}

	// 5 collisions on a 16-bit suffix means a crowded namespace; widen to
	// 32 bits and verify loudly instead of assuming.
	wide := base
	if len(wide) > maxNameLength-9 {
		wide = strings.TrimRight(wide[:maxNameLength-9], "-")
	}
	suffix, err := randomHex(4)
	if err != nil {
		return "", err
	}
	candidate := wide + "-" + suffix
	inUse, err := s.repo.VMNameInUseByOwner(ctx, ownerID, candidate)
	if err != nil {
		return "", fmt.Errorf("name uniqueness check failed: %w", err)
	}
	if inUse {
		return "", domain.NewError(domain.KindValidation, "NAME_EXHAUSTED",
			fmt.Sprintf("could not find a free name for %q after widening the suffix", raw), domain.ErrAlreadyExists)
	}
	return candidate, nil
}

// GeneratePremiumName validates a caller-chosen name and enforces global
// uniqueness with no suffix. Deleted VMs do not hold their names.
func (s *Service) GeneratePremiumName(ctx context.Context, raw string) (string, error) {
	name := SanitizeName(raw)
	if err := ValidateName(name); err != nil {
		return "", err
	}
	inUse, err := s.repo.VMNameInUseGlobally(ctx, name)
	if err != nil {
		return "", fmt.Errorf("name uniqueness check failed: %w", err)
	}
	if inUse {
		return "", domain.NewError(domain.KindValidation, "NAME_TAKEN",
			fmt.Sprintf("vm name %q is already in use", name), domain.ErrAlreadyExists)
	}
	return name, nil
}
