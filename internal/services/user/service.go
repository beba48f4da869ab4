package user

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/domain"
)

// Default quota granted to a newly created owner account.
const (
	DefaultMaxVMs          = 10
	DefaultMaxCores        = 32
	DefaultMaxMemoryBytes  = 64 << 30 // 64 GiB
	DefaultMaxStorageBytes = 1 << 40  // 1 TiB
)

// Service maintains owner records and enforces per-owner quotas. Usage is
// charged when a VM is admitted and released when the lifecycle manager
// reaches Deleted, so double-delete cannot drive usage negative.
type Service struct {
	repo   Repository
	logger *zap.Logger
}

// NewService creates a user service.
func NewService(repo Repository, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.Named("user-service"),
	}
}

// DeriveOwnerID returns the stable owner id for a wallet address. The id is
// a truncated hash so it is safe in names, paths, and DNS labels.
func DeriveOwnerID(wallet string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(wallet)))
	return "user-" + hex.EncodeToString(sum[:6])
}

// GetOrCreate resolves an owner record. When ownerID is empty it is derived
// from the wallet. Missing records are created with the default quota.
func (s *Service) GetOrCreate(ctx context.Context, ownerID, wallet string) (*domain.User, error) {
	wallet = strings.ToLower(wallet)
	if ownerID == "" {
		if wallet == "" {
			return nil, domain.ValidationError("owner id or wallet is required")
		}
		ownerID = DeriveOwnerID(wallet)
	}

	u, err := s.repo.GetUser(ctx, ownerID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to load user %s: %w", ownerID, err)
	}

	if wallet != "" {
		if byWallet, werr := s.repo.GetUserByWallet(ctx, wallet); werr == nil {
			return byWallet, nil
		}
	}

	now := time.Now()
	u = &domain.User{
		ID:     ownerID,
		Wallet: wallet,
		Quota: domain.Quota{
			MaxVMs:          DefaultMaxVMs,
			MaxCores:        DefaultMaxCores,
			MaxMemoryBytes:  DefaultMaxMemoryBytes,
			MaxStorageBytes: DefaultMaxStorageBytes,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.SaveUser(ctx, u); err != nil {
		return nil, fmt.Errorf("failed to create user %s: %w", ownerID, err)
	}

	s.logger.Info("Created owner account",
		zap.String("user_id", u.ID),
		zap.String("wallet", u.Wallet),
	)
	return u, nil
}

// Get retrieves an owner record by id.
func (s *Service) Get(ctx context.Context, ownerID string) (*domain.User, error) {
	return s.repo.GetUser(ctx, ownerID)
}

// CheckQuota verifies the owner could hold one more VM of the given shape
// without recording anything. ChargeQuota re-checks before committing.
func (s *Service) CheckQuota(ctx context.Context, ownerID, wallet string, cores int, memoryBytes, storageBytes int64) error {
	u, err := s.GetOrCreate(ctx, ownerID, wallet)
	if err != nil {
		return err
	}
	return u.CheckQuota(cores, memoryBytes, storageBytes)
}

// ChargeQuota verifies the owner can hold one more VM of the given shape and
// records the usage. System VMs are exempt and never reach here.
func (s *Service) ChargeQuota(ctx context.Context, ownerID, wallet string, cores int, memoryBytes, storageBytes int64) error {
	u, err := s.GetOrCreate(ctx, ownerID, wallet)
	if err != nil {
		return err
	}

	if err := u.CheckQuota(cores, memoryBytes, storageBytes); err != nil {
		s.logger.Warn("Quota exceeded",
			zap.String("user_id", u.ID),
			zap.Int("requested_cores", cores),
			zap.Int64("requested_memory_bytes", memoryBytes),
			zap.Error(err),
		)
		return err
	}

	u.AddUsage(cores, memoryBytes, storageBytes)
	if err := s.repo.SaveUser(ctx, u); err != nil {
		return fmt.Errorf("failed to persist quota usage for %s: %w", u.ID, err)
	}
	return nil
}

// ReleaseQuota returns a VM shape to the owner. Unknown owners are logged
// and ignored so recovered VMs with foreign owner ids never block deletion.
func (s *Service) ReleaseQuota(ctx context.Context, ownerID string, cores int, memoryBytes, storageBytes int64) error {
	u, err := s.repo.GetUser(ctx, ownerID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("Quota release for unknown owner, skipping",
				zap.String("user_id", ownerID),
			)
			return nil
		}
		return fmt.Errorf("failed to load user %s: %w", ownerID, err)
	}

	u.ReleaseUsage(cores, memoryBytes, storageBytes)
	if err := s.repo.SaveUser(ctx, u); err != nil {
		return fmt.Errorf("failed to persist quota release for %s: %w", u.ID, err)
	}
	return nil
}
