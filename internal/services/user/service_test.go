package user

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/domain"
)

// mockRepo is an in-memory Repository for tests.
type mockRepo struct {
	users map[string]*domain.User
}

func newMockRepo() *mockRepo {
	return &mockRepo{users: make(map[string]*domain.User)}
}

func (m *mockRepo) SaveUser(ctx context.Context, u *domain.User) error {
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *mockRepo) GetUser(ctx context.Context, id string) (*domain.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *mockRepo) GetUserByWallet(ctx context.Context, wallet string) (*domain.User, error) {
	for _, u := range m.users {
		if u.Wallet == wallet {
			cp := *u
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func TestDeriveOwnerID_Stable(t *testing.T) {
	a := DeriveOwnerID("0xAbC123")
	b := DeriveOwnerID("0xabc123")
	if a != b {
		t.Errorf("owner id should be case-insensitive over wallets: %s != %s", a, b)
	}
	if DeriveOwnerID("0xother") == a {
		t.Error("distinct wallets must derive distinct owner ids")
	}
}

func TestGetOrCreate_CreatesWithDefaults(t *testing.T) {
	svc := NewService(newMockRepo(), zap.NewNop())

	u, err := svc.GetOrCreate(context.Background(), "", "0xWallet1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if u.Quota.MaxVMs != DefaultMaxVMs {
		t.Errorf("expected default MaxVMs %d, got %d", DefaultMaxVMs, u.Quota.MaxVMs)
	}
	if u.Wallet != "0xwallet1" {
		t.Errorf("wallet should be normalized lowercase, got %s", u.Wallet)
	}

	again, err := svc.GetOrCreate(context.Background(), "", "0xWALLET1")
	if err != nil {
		t.Fatalf("second GetOrCreate failed: %v", err)
	}
	if again.ID != u.ID {
		t.Errorf("GetOrCreate should be idempotent, got ids %s and %s", u.ID, again.ID)
	}
}

func TestGetOrCreate_RequiresIdentity(t *testing.T) {
	svc := NewService(newMockRepo(), zap.NewNop())

	_, err := svc.GetOrCreate(context.Background(), "", "")
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestChargeQuota_EnforcesLimits(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, zap.NewNop())
	ctx := context.Background()

	if err := svc.ChargeQuota(ctx, "", "0xw", 4, 8<<30, 100<<30); err != nil {
		t.Fatalf("first charge should fit: %v", err)
	}

	ownerID := DeriveOwnerID("0xw")
	u, _ := repo.GetUser(ctx, ownerID)
	if u.Usage.VMs != 1 || u.Usage.Cores != 4 {
		t.Errorf("usage not recorded: %+v", u.Usage)
	}

	// Exhaust the core quota.
	err := svc.ChargeQuota(ctx, ownerID, "0xw", DefaultMaxCores, 1<<30, 1<<30)
	if !errors.Is(err, domain.ErrResourceExhausted) {
		t.Errorf("expected quota error, got %v", err)
	}
	var derr *domain.Error
	if !errors.As(err, &derr) || derr.Kind != domain.KindQuota {
		t.Errorf("expected Kind=Quota, got %v", err)
	}

	// Failed charge must not mutate usage.
	u, _ = repo.GetUser(ctx, ownerID)
	if u.Usage.VMs != 1 || u.Usage.Cores != 4 {
		t.Errorf("usage mutated by failed charge: %+v", u.Usage)
	}
}

func TestReleaseQuota_FlooredAndTolerant(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, zap.NewNop())
	ctx := context.Background()

	if err := svc.ChargeQuota(ctx, "", "0xw", 2, 2<<30, 20<<30); err != nil {
		t.Fatalf("charge failed: %v", err)
	}
	ownerID := DeriveOwnerID("0xw")

	if err := svc.ReleaseQuota(ctx, ownerID, 2, 2<<30, 20<<30); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	// Double release floors at zero.
	if err := svc.ReleaseQuota(ctx, ownerID, 2, 2<<30, 20<<30); err != nil {
		t.Fatalf("double release should succeed: %v", err)
	}

	u, _ := repo.GetUser(ctx, ownerID)
	if u.Usage.VMs != 0 || u.Usage.Cores != 0 || u.Usage.MemoryBytes != 0 {
		t.Errorf("usage should floor at zero, got %+v", u.Usage)
	}

	// Unknown owners are skipped, not errors.
	if err := svc.ReleaseQuota(ctx, "user-unknown", 1, 1, 1); err != nil {
		t.Errorf("release for unknown owner should be nil, got %v", err)
	}
}
