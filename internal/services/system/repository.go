// Package system deploys and supervises the platform workloads nodes owe:
// DHT peers, relay gateways, block stores, and ingress gateways. A
// background reconciler drives each node's obligations from Pending through
// Deploying to Ready, and redeploys workloads whose VMs stopped serving.
package system

import (
	"context"

	"github.com/stratomesh/stratomesh/internal/domain"
	"github.com/stratomesh/stratomesh/internal/services/vm"
)

// Repository is the data access surface the reconciler needs. The DataStore
// satisfies it.
type Repository interface {
	// GetAllNodes returns every node record.
	GetAllNodes(ctx context.Context) ([]*domain.Node, error)

	// GetNode retrieves a node by id.
	GetNode(ctx context.Context, id string) (*domain.Node, error)

	// SaveNode stores or replaces a node record.
	SaveNode(ctx context.Context, n *domain.Node) error

	// GetVM retrieves a VM by id.
	GetVM(ctx context.Context, id string) (*domain.VirtualMachine, error)
}

// VMManager is the slice of the VM service the reconciler drives: creating
// system VMs and clearing dead ones before redeployment.
type VMManager interface {
	Create(ctx context.Context, req vm.CreateRequest) (*vm.CreateResult, error)
	Delete(ctx context.Context, vmID string) error
}

// GatewayManager provisions and supervises relay gateways; the relay service
// satisfies it.
type GatewayManager interface {
	// PrepareRelay allocates the gateway's subnet and WireGuard identity and
	// returns the labels the gateway VM must carry.
	PrepareRelay(ctx context.Context, n *domain.Node) (map[string]string, error)

	// ActivateRelay marks the gateway live once its VM runs and cross-peers
	// it with the existing gateways.
	ActivateRelay(ctx context.Context, nodeID, vmID string) error

	// SetGatewayStatus records a gateway health transition.
	SetGatewayStatus(ctx context.Context, nodeID string, status domain.RelayStatus) error
}

// LeaderChecker gates the reconciler loop to the elected control-plane
// instance.
type LeaderChecker interface {
	IsLeader() bool
}
