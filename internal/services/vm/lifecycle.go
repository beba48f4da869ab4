package vm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/domain"
	"github.com/stratomesh/stratomesh/internal/ingress"
)

// Lifecycle is the single writer of VM status. Every transition funnels
// through it so the side effects (resource release, quota accounting,
// ingress hooks, events) run exactly once per state change.
type Lifecycle struct {
	repo    Repository
	quotas  QuotaManager
	ingress ingress.Hook
	events  EventPublisher
	logger  *zap.Logger

	// Private-ip poll tuning for the Running hook; tests shrink these.
	ipPollInterval time.Duration
	ipPollAttempts int
}

// NewLifecycle creates the lifecycle manager.
func NewLifecycle(repo Repository, quotas QuotaManager, hook ingress.Hook, events EventPublisher, logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		repo:           repo,
		quotas:         quotas,
		ingress:        hook,
		events:         events,
		logger:         logger.Named("vm-lifecycle"),
		ipPollInterval: 300 * time.Millisecond,
		ipPollAttempts: 5,
	}
}

// Transition moves a VM to a new status, persists it, and runs the status's
// side effects. A same-status call only refreshes the message; an illegal
// step is rejected without touching the record.
func (l *Lifecycle) Transition(ctx context.Context, vm *domain.VirtualMachine, to domain.VMStatus, message string) error {
	logger := l.logger.With(
		zap.String("vm_id", vm.ID),
		zap.String("from", string(vm.Status)),
		zap.String("to", string(to)),
	)

	from := vm.Status
	if from == to {
		if message != "" && message != vm.StatusMessage {
			vm.StatusMessage = message
			return l.repo.SaveVM(ctx, vm)
		}
		return nil
	}

	if !domain.CanTransition(from, to) {
		logger.Error("Rejected illegal lifecycle transition")
		return domain.InvariantError(fmt.Sprintf("illegal vm transition %s -> %s", from, to))
	}

	vm.Status = to
	vm.StatusMessage = message
	switch to {
	case domain.VMStatusRunning:
		vm.PowerState = domain.PowerStateRunning
		if vm.Billing.StartedAt == nil {
			now := time.Now()
			vm.Billing.StartedAt = &now
		}
	case domain.VMStatusStopped, domain.VMStatusDeleted:
		vm.PowerState = domain.PowerStateOff
	}

	if err := l.repo.SaveVM(ctx, vm); err != nil {
		return fmt.Errorf("failed to persist vm %s transition: %w", vm.ID, err)
	}
	logger.Info("VM transitioned", zap.String("message", message))

	switch to {
	case domain.VMStatusRunning:
		l.afterRunning(ctx, vm)
	case domain.VMStatusDeleted:
		l.afterDeleted(ctx, vm)
	case domain.VMStatusError:
		l.events.Publish(ctx, domain.EventVMError, vm.ID, vm.NodeID, map[string]string{
			"name":    vm.Name,
			"message": message,
		})
	}
	return nil
}

// afterRunning polls briefly for the agent-assigned private ip, then
// registers the VM with the ingress layer. Ingress failures degrade the
// feature, never the transition.
func (l *Lifecycle) afterRunning(ctx context.Context, vm *domain.VirtualMachine) {
	current := vm
poll:
	for attempt := 0; attempt < l.ipPollAttempts && current.Network.PrivateIP == ""; attempt++ {
		select {
		case <-ctx.Done():
			break poll
		case <-time.After(l.ipPollInterval):
		}
		refreshed, err := l.repo.GetVM(ctx, vm.ID)
		if err != nil {
			break poll
		}
		current = refreshed
	}

	if reg, err := l.ingress.OnVMStarted(ctx, current); err != nil {
		l.logger.Warn("Ingress registration failed, continuing without it",
			zap.String("vm_id", vm.ID), zap.Error(err))
	} else if reg != nil && !reg.IsDnsConfigured {
		l.logger.Debug("Ingress registered without DNS record", zap.String("vm_id", vm.ID))
	}

	l.events.Publish(ctx, domain.EventVMRunning, vm.ID, vm.NodeID, map[string]string{
		"name":       vm.Name,
		"private_ip": current.Network.PrivateIP,
	})
}

// afterDeleted releases everything the VM held: node reservation (floored),
// passthrough GPU, owner quota, ingress registration.
func (l *Lifecycle) afterDeleted(ctx context.Context, vm *domain.VirtualMachine) {
	if vm.NodeID != "" {
		if err := l.repo.ReleaseReservation(ctx, vm.NodeID, vm.ReservedResources()); err != nil {
			l.logger.Error("Failed to release reservation for deleted VM",
				zap.String("vm_id", vm.ID),
				zap.String("node_id", vm.NodeID),
				zap.Error(err))
		}
		if vm.GPUPCIAddress != "" {
			l.releaseGPU(ctx, vm.NodeID, vm.GPUPCIAddress)
		}
	}

	if !vm.IsSystem() {
		if err := l.quotas.ReleaseQuota(ctx, vm.OwnerID, vm.Spec.VirtualCPUCores, vm.Spec.MemoryBytes, vm.Spec.DiskBytes); err != nil {
			l.logger.Error("Failed to release owner quota",
				zap.String("vm_id", vm.ID),
				zap.String("owner_id", vm.OwnerID),
				zap.Error(err))
		}
	}

	if err := l.ingress.OnVMDeleted(ctx, vm); err != nil {
		l.logger.Warn("Ingress removal failed, continuing",
			zap.String("vm_id", vm.ID), zap.Error(err))
	}

	l.events.Publish(ctx, domain.EventVMDeleted, vm.ID, vm.NodeID, map[string]string{
		"name":     vm.Name,
		"owner_id": vm.OwnerID,
	})
}

func (l *Lifecycle) releaseGPU(ctx context.Context, nodeID, pciAddress string) {
	node, err := l.repo.GetNode(ctx, nodeID)
	if err != nil {
		l.logger.Warn("Could not load node to release GPU",
			zap.String("node_id", nodeID), zap.Error(err))
		return
	}
	if !node.SetGPUAvailability(pciAddress, true) {
		l.logger.Warn("GPU to release not present in node inventory",
			zap.String("node_id", nodeID),
			zap.String("pci_address", pciAddress))
		return
	}
	if err := l.repo.SaveNode(ctx, node); err != nil {
		l.logger.Error("Failed to persist GPU release",
			zap.String("node_id", nodeID), zap.Error(err))
	}
}
