package relay

import (
	"context"

	"github.com/stratomesh/stratomesh/internal/domain"
)

// Repository is the slice of the data store the relay coordinator needs:
// node records for relay and client state, VM records to verify a gateway is
// actually running, and the command plumbing for WireGuard peer updates.
type Repository interface {
	GetNode(ctx context.Context, id string) (*domain.Node, error)
	SaveNode(ctx context.Context, n *domain.Node) error
	GetAllNodes(ctx context.Context) ([]*domain.Node, error)

	GetVM(ctx context.Context, id string) (*domain.VirtualMachine, error)

	// RegisterCommand correlates an AddPeer command with the relay VM so
	// the ack path can route the acknowledgment.
	RegisterCommand(ctx context.Context, reg *domain.CommandRegistration) error

	// AppendCommand queues a command for delivery in the node's next
	// heartbeat response.
	AppendCommand(ctx context.Context, nodeID string, cmd domain.NodeCommand) error
}

// EventPublisher emits operator-visible events. The event bus satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, eventType domain.EventType, resourceID, nodeID string, data map[string]string)
}
