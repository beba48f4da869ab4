// Package node provides worker registration, heartbeat intake, command
// acknowledgment routing, and the health watchdog.
package node

import (
	"context"
	"time"

	"github.com/stratomesh/stratomesh/internal/domain"
)

// Repository is the data access surface the node service needs. The
// DataStore satisfies it; tests use an in-memory mock.
type Repository interface {
	// GetNode retrieves a node by id.
	GetNode(ctx context.Context, id string) (*domain.Node, error)

	// SaveNode stores or replaces a node record.
	SaveNode(ctx context.Context, n *domain.Node) error

	// GetAllNodes returns every node record.
	GetAllNodes(ctx context.Context) ([]*domain.Node, error)

	// GetVM retrieves a VM by id.
	GetVM(ctx context.Context, id string) (*domain.VirtualMachine, error)

	// SaveVM stores or replaces a VM record.
	SaveVM(ctx context.Context, vm *domain.VirtualMachine) error

	// GetVMsByNode returns every VM assigned to the node, Deleted included.
	GetVMsByNode(ctx context.Context, nodeID string) ([]*domain.VirtualMachine, error)

	// GetActiveVMsByNode returns the node's non-Deleted VMs.
	GetActiveVMsByNode(ctx context.Context, nodeID string) ([]*domain.VirtualMachine, error)

	// ReserveAndAssign charges capacity on the node and records the VM's
	// node assignment as one atomic update.
	ReserveAndAssign(ctx context.Context, nodeID, vmID string, res domain.Resources) error

	// TryCompleteCommand removes and returns the registration for a command
	// id; exactly one caller ever receives it.
	TryCompleteCommand(ctx context.Context, commandID string) (*domain.CommandRegistration, error)

	// SweepExpiredCommands removes registrations older than maxAge and
	// returns them for orphan reporting.
	SweepExpiredCommands(ctx context.Context, maxAge time.Duration) ([]*domain.CommandRegistration, error)

	// DrainCommands atomically empties the node's pending-command queue.
	DrainCommands(ctx context.Context, nodeID string) []domain.NodeCommand
}

// EventPublisher emits operator-visible events. The event bus satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, eventType domain.EventType, resourceID, nodeID string, data map[string]string)
}

// RelayCoordinator is the slice of the relay service the node service needs:
// the orchestrator WireGuard identity at registration, relay assignment for
// NAT'd nodes, and the per-heartbeat CGNAT reconciliation.
type RelayCoordinator interface {
	// OrchestratorPublicKey returns the control plane's WireGuard public
	// key, generating the keypair on first use.
	OrchestratorPublicKey(ctx context.Context) (string, error)

	// EnsureRelayAssignment assigns or repairs the node's relay attachment.
	EnsureRelayAssignment(ctx context.Context, nodeID string) error

	// ReconcileCgnat compares the node's self-reported relay assignment
	// against the tracked one and returns the authoritative assignment when
	// the agent must be corrected. A nil result with nil error means the
	// agent's view already agrees or the node's reconciliation slot is busy.
	ReconcileCgnat(ctx context.Context, n *domain.Node, reported *domain.CgnatInfo) (*domain.CgnatInfo, error)
}

// PendingScheduler retries placement of Pending VMs when new capacity
// arrives. The VM service satisfies it.
type PendingScheduler interface {
	SchedulePendingVMs(ctx context.Context) int
}

// LeaderChecker gates background loops to the elected control-plane
// instance.
type LeaderChecker interface {
	IsLeader() bool
}
