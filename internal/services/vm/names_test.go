package vm

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/domain"
	"github.com/stratomesh/stratomesh/internal/scheduler"
)

func TestSanitizeName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"My Web Server", "my-web-server"},
		{"db_primary", "db-primary"},
		{"Hello, World!", "hello-world"},
		{"--weird--input--", "weird-input"},
		{"___", "vm"},
		{"ALLCAPS", "allcaps"},
		{"a  b", "a-b"},
		{strings.Repeat("x", 60), strings.Repeat("x", 40)},
	}
	for _, tc := range cases {
		if got := SanitizeName(tc.in); got != tc.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestValidateName(t *testing.T) {
	valid := []string{"ab", "web-server", "a1", "x-2-y", strings.Repeat("a", 40)}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) unexpectedly failed: %v", name, err)
		}
	}
	invalid := []string{"", "a", "1abc", "-abc", "abc-", "ab_cd", "AB", strings.Repeat("a", 41)}
	for _, name := range invalid {
		if err := ValidateName(name); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("ValidateName(%q) = %v, want validation error", name, err)
		}
	}
}

func newNameService(store *mockStore) *Service {
	logger := zap.NewNop()
	lc := NewLifecycle(store, &mockQuotas{}, &recordHook{}, &recordEvents{}, logger)
	sched := scheduler.New(store, testSchedulingConfig(), logger)
	return NewService(store, &mockQuotas{}, lc, sched, &recordEvents{}, NewTemplateCatalog(), testImages(), testSchedulingConfig(), logger)
}

func TestGenerateCanonicalName_SuffixesAndRepairs(t *testing.T) {
	store := newMockStore()
	svc := newNameService(store)
	ctx := context.Background()

	suffixed := regexp.MustCompile(`^my-server-[0-9a-f]{4}$`)
	name, err := svc.GenerateCanonicalName(ctx, "My Server", "user-1")
	if err != nil {
		t.Fatalf("GenerateCanonicalName failed: %v", err)
	}
	if !suffixed.MatchString(name) {
		t.Errorf("expected base plus 4-hex suffix, got %q", name)
	}

	// Leading digit gets repaired with a prefix, not rejected.
	name, err = svc.GenerateCanonicalName(ctx, "3proxy", "user-1")
	if err != nil {
		t.Fatalf("GenerateCanonicalName failed: %v", err)
	}
	if !strings.HasPrefix(name, "vm-3proxy-") {
		t.Errorf("expected vm- prefix repair for leading digit, got %q", name)
	}

	// Long input still yields a valid 40-char-max name.
	name, err = svc.GenerateCanonicalName(ctx, strings.Repeat("verylong", 12), "user-1")
	if err != nil {
		t.Fatalf("GenerateCanonicalName failed: %v", err)
	}
	if len(name) > 40 {
		t.Errorf("name %q exceeds 40 chars", name)
	}
	if err := ValidateName(name); err != nil {
		t.Errorf("generated name %q fails validation: %v", name, err)
	}
}

func TestGenerateCanonicalName_SystemPassthrough(t *testing.T) {
	store := newMockStore()
	svc := newNameService(store)

	name, err := svc.GenerateCanonicalName(context.Background(), "dht-node-abc123", domain.SystemOwnerID)
	if err != nil {
		t.Fatalf("GenerateCanonicalName failed: %v", err)
	}
	if name != "dht-node-abc123" {
		t.Errorf("system names must pass through unsuffixed, got %q", name)
	}
}

func TestGeneratePremiumName(t *testing.T) {
	store := newMockStore()
	svc := newNameService(store)
	ctx := context.Background()

	name, err := svc.GeneratePremiumName(ctx, "My API")
	if err != nil {
		t.Fatalf("GeneratePremiumName failed: %v", err)
	}
	if name != "my-api" {
		t.Errorf("premium names carry no suffix, got %q", name)
	}

	// Occupied by another owner: premium uniqueness is global.
	store.vms["vm-1"] = &domain.VirtualMachine{
		ID: "vm-1", Name: "my-api", OwnerID: "someone-else", Status: domain.VMStatusRunning,
	}
	if _, err := svc.GeneratePremiumName(ctx, "My API"); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists for taken premium name, got %v", err)
	}

	// A Deleted holder does not block the name.
	store.vms["vm-1"].Status = domain.VMStatusDeleted
	if _, err := svc.GeneratePremiumName(ctx, "My API"); err != nil {
		t.Errorf("deleted VMs must not hold premium names: %v", err)
	}
}

func TestGeneratePassword_Format(t *testing.T) {
	pattern := regexp.MustCompile(`^[a-z]+-[a-z]+-[a-z]+-\d{2}$`)
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		pw, err := GeneratePassword()
		if err != nil {
			t.Fatalf("GeneratePassword failed: %v", err)
		}
		if !pattern.MatchString(pw) {
			t.Fatalf("password %q does not match adjective-noun-verb-NN", pw)
		}
		seen[pw] = true
	}
	if len(seen) < 2 {
		t.Error("20 generated passwords collapsed to one value; entropy source broken")
	}
}
