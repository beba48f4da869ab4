// Package scheduler defines data-access interfaces for the scheduler.
package scheduler

import (
	"context"

	"github.com/stratomesh/stratomesh/internal/domain"
)

// NodeSource defines the node access the scheduler needs.
type NodeSource interface {
	// GetActiveNodes returns all Online nodes.
	GetActiveNodes(ctx context.Context) ([]*domain.Node, error)

	// GetNode retrieves a node by ID.
	GetNode(ctx context.Context, id string) (*domain.Node, error)
}
