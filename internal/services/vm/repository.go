// Package vm provides VM creation, scheduling, and the lifecycle manager
// that owns every status transition.
package vm

import (
	"context"

	"github.com/stratomesh/stratomesh/internal/domain"
)

// Repository is the data access surface the VM service and lifecycle manager
// need. The DataStore satisfies it; tests use an in-memory mock.
type Repository interface {
	// SaveVM stores or replaces a VM record.
	SaveVM(ctx context.Context, vm *domain.VirtualMachine) error

	// GetVM retrieves a VM by id.
	GetVM(ctx context.Context, id string) (*domain.VirtualMachine, error)

	// GetAllVMs returns every VM record.
	GetAllVMs(ctx context.Context) ([]*domain.VirtualMachine, error)

	// GetVMsByOwner returns all VMs belonging to one owner.
	GetVMsByOwner(ctx context.Context, ownerID string) ([]*domain.VirtualMachine, error)

	// VMNameInUseByOwner reports whether a non-Deleted VM of this owner
	// already carries the name.
	VMNameInUseByOwner(ctx context.Context, ownerID, name string) (bool, error)

	// VMNameInUseGlobally reports whether any non-Deleted VM carries the name.
	VMNameInUseGlobally(ctx context.Context, name string) (bool, error)

	// GetNode retrieves a node by id.
	GetNode(ctx context.Context, id string) (*domain.Node, error)

	// SaveNode stores or replaces a node record.
	SaveNode(ctx context.Context, n *domain.Node) error

	// ReserveAndAssign charges capacity on the node and records the VM's
	// node assignment as one atomic update.
	ReserveAndAssign(ctx context.Context, nodeID, vmID string, res domain.Resources) error

	// ReleaseReservation returns capacity with floored subtraction.
	ReleaseReservation(ctx context.Context, nodeID string, res domain.Resources) error

	// RegisterCommand records the command/VM correlation for ack routing.
	RegisterCommand(ctx context.Context, reg *domain.CommandRegistration) error

	// AppendCommand queues a command for delivery in the node's next
	// heartbeat response.
	AppendCommand(ctx context.Context, nodeID string, cmd domain.NodeCommand) error
}

// QuotaManager guards per-owner resource limits. The user service satisfies
// it; system VMs bypass it entirely.
type QuotaManager interface {
	CheckQuota(ctx context.Context, ownerID, wallet string, cores int, memoryBytes, storageBytes int64) error
	ChargeQuota(ctx context.Context, ownerID, wallet string, cores int, memoryBytes, storageBytes int64) error
	ReleaseQuota(ctx context.Context, ownerID string, cores int, memoryBytes, storageBytes int64) error
}

// EventPublisher emits operator-visible events. The event bus satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, eventType domain.EventType, resourceID, nodeID string, data map[string]string)
}
