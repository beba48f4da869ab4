// Package user manages owner accounts and their resource quotas.
package user

import (
	"context"

	"github.com/stratomesh/stratomesh/internal/domain"
)

// Repository defines the data access surface the user service needs.
// The DataStore satisfies it.
type Repository interface {
	// SaveUser stores or replaces a user record.
	SaveUser(ctx context.Context, u *domain.User) error

	// GetUser retrieves a user by id.
	GetUser(ctx context.Context, id string) (*domain.User, error)

	// GetUserByWallet retrieves a user by wallet address.
	GetUserByWallet(ctx context.Context, wallet string) (*domain.User, error)
}
