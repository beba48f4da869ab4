package access

import (
	"context"

	"github.com/stratomesh/stratomesh/internal/domain"
)

// Repository is the slice of the data store port allocation needs: the VM
// record that carries the mappings, the node records that decide the path,
// and the command plumbing.
type Repository interface {
	GetVM(ctx context.Context, id string) (*domain.VirtualMachine, error)
	SaveVM(ctx context.Context, v *domain.VirtualMachine) error

	GetNode(ctx context.Context, id string) (*domain.Node, error)

	RegisterCommand(ctx context.Context, reg *domain.CommandRegistration) error
	AppendCommand(ctx context.Context, nodeID string, cmd domain.NodeCommand) error
}
