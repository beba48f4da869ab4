package node

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/domain"
)

// HandleAck routes a command acknowledgment to its VM. The lookup falls
// through four strategies of decreasing authority; which one fired is
// logged. An ack that resolves to nothing is absorbed as a protocol event
// so the ack path never fails the node.
func (s *Service) HandleAck(ctx context.Context, nodeID, commandID string, ack domain.CommandAck) error {
	logger := s.logger.With(
		zap.String("method", "HandleAck"),
		zap.String("node_id", nodeID),
		zap.String("command_id", commandID),
		zap.Bool("success", ack.Success),
	)

	if nodeID == "" || commandID == "" {
		return domain.ValidationError("node id and command id are required")
	}

	target, cmdType, lookup := s.resolveAckTarget(ctx, nodeID, commandID)
	if target == nil {
		s.logger.Error("SYSTEM_EVENT: Orphaned command acknowledgment",
			zap.String("event_type", "COMMAND_ORPHANED"),
			zap.String("command_id", commandID),
			zap.String("node_id", nodeID),
			zap.String("error_message", ack.ErrorMessage))
		s.events.Publish(ctx, domain.EventCommandOrphaned, commandID, nodeID, map[string]string{
			"error_message": ack.ErrorMessage,
		})
		return nil
	}

	logger = logger.With(
		zap.String("vm_id", target.ID),
		zap.String("command_type", string(cmdType)),
		zap.String("lookup", lookup),
	)
	logger.Info("Command acknowledgment resolved")

	// Only the command being acked releases the correlation slot; an ack
	// racing a newer command must not clear it.
	if target.ActiveCommandID == commandID {
		target.ClearActiveCommand()
	}

	if !ack.Success {
		return s.applyFailureAck(ctx, target, ack, logger)
	}
	return s.applySuccessAck(ctx, target, cmdType, ack, logger)
}

// resolveAckTarget finds the VM a command id belongs to. Strategies, in
// order: the command registry, the VM's active-command pointer, a command id
// embedded in a status message (records predating command correlation), and
// finally, for lost delete acks only, any VM still draining on the node.
func (s *Service) resolveAckTarget(ctx context.Context, nodeID, commandID string) (*domain.VirtualMachine, domain.CommandType, string) {
	// 1. Registry (authoritative, consumed exactly once).
	if reg, err := s.repo.TryCompleteCommand(ctx, commandID); err == nil {
		target, verr := s.repo.GetVM(ctx, reg.VMID)
		if verr != nil {
			s.logger.Warn("Registered command targets a missing VM",
				zap.String("command_id", commandID),
				zap.String("vm_id", reg.VMID),
				zap.Error(verr))
			return nil, reg.Type, "registry"
		}
		return target, reg.Type, "registry"
	}

	vms, err := s.repo.GetVMsByNode(ctx, nodeID)
	if err != nil {
		s.logger.Warn("Could not list node VMs for ack fallback",
			zap.String("node_id", nodeID), zap.Error(err))
		return nil, "", ""
	}

	// 2. Active-command pointer on the VM record.
	for _, v := range vms {
		if v.ActiveCommandID == commandID {
			return v, v.ActiveCommandType, "active_command"
		}
	}

	// 3. Legacy: the command id embedded in a status message.
	for _, v := range vms {
		if v.StatusMessage != "" && strings.Contains(v.StatusMessage, commandID) {
			cmdType := v.ActiveCommandType
			if cmdType == "" {
				cmdType = inferCommandType(v)
			}
			return v, cmdType, "status_message_legacy"
		}
	}

	// 4. A delete ack whose correlation was lost still has to land
	// somewhere, or the VM drains forever.
	for _, v := range vms {
		if v.Status == domain.VMStatusDeleting {
			return v, domain.CommandDeleteVM, "deleting_vm"
		}
	}

	return nil, "", ""
}

// inferCommandType guesses the in-flight command for records that predate
// command correlation, from the status the VM is parked in.
func inferCommandType(v *domain.VirtualMachine) domain.CommandType {
	switch v.Status {
	case domain.VMStatusProvisioning:
		if v.Billing.StartedAt != nil {
			return domain.CommandStartVM
		}
		return domain.CommandCreateVM
	case domain.VMStatusStopping:
		return domain.CommandStopVM
	case domain.VMStatusDeleting:
		return domain.CommandDeleteVM
	}
	return ""
}

// applyFailureAck maps a failed command onto the lifecycle. A delete that
// failed because the guest is already gone is success in disguise and
// reconciles to Deleted instead of parking the VM in Error.
func (s *Service) applyFailureAck(ctx context.Context, v *domain.VirtualMachine, ack domain.CommandAck, logger *zap.Logger) error {
	if v.Status == domain.VMStatusDeleting && isNotFoundMessage(ack.ErrorMessage) {
		logger.Info("Delete failed because the workload is already absent, reconciling to Deleted")
		return s.applyLifecycleAck(ctx, v, domain.VMStatusDeleted,
			"Reconciled: workload already absent on node", logger)
	}

	logger.Warn("Command failed on node", zap.String("error_message", ack.ErrorMessage))
	return s.applyLifecycleAck(ctx, v, domain.VMStatusError, ack.ErrorMessage, logger)
}

// applySuccessAck runs the state change a successful command implies.
func (s *Service) applySuccessAck(ctx context.Context, v *domain.VirtualMachine, cmdType domain.CommandType, ack domain.CommandAck, logger *zap.Logger) error {
	switch cmdType {
	case domain.CommandCreateVM:
		return s.applyLifecycleAck(ctx, v, domain.VMStatusRunning, "Provisioned on node", logger)
	case domain.CommandStartVM:
		return s.applyLifecycleAck(ctx, v, domain.VMStatusRunning, "Started on node", logger)
	case domain.CommandStopVM:
		return s.applyLifecycleAck(ctx, v, domain.VMStatusStopped, "Stopped on node", logger)
	case domain.CommandDeleteVM:
		return s.applyLifecycleAck(ctx, v, domain.VMStatusDeleted, "Deleted from node", logger)
	case domain.CommandAllocatePort:
		return s.applyPortAllocation(ctx, v, ack, logger)
	case domain.CommandRemovePort, domain.CommandAddPeer, domain.CommandRemovePeer:
		// Acknowledgment is the whole contract; the issuing service already
		// updated its own state.
		logger.Debug("Acknowledgment-only command completed")
		return s.repo.SaveVM(ctx, v)
	default:
		logger.Warn("Success ack with unknown command type")
		return s.repo.SaveVM(ctx, v)
	}
}

// applyLifecycleAck runs the transition an ack implies. A record that moved
// on in the meantime (a user delete racing a create ack) absorbs the step;
// the cleared correlation fields are still persisted.
func (s *Service) applyLifecycleAck(ctx context.Context, v *domain.VirtualMachine, to domain.VMStatus, message string, logger *zap.Logger) error {
	if err := s.lifecycle.Transition(ctx, v, to, message); err != nil {
		logger.Warn("Acked transition no longer applies",
			zap.String("to", string(to)), zap.Error(err))
		return s.repo.SaveVM(ctx, v)
	}
	return nil
}

// applyPortAllocation fills the placeholder port mapping with the
// agent-allocated public port.
func (s *Service) applyPortAllocation(ctx context.Context, v *domain.VirtualMachine, ack domain.CommandAck, logger *zap.Logger) error {
	publicPort, err := strconv.Atoi(ack.Data[domain.AckDataPublicPort])
	if err != nil || publicPort <= 0 {
		logger.Warn("AllocatePort ack without a usable public port",
			zap.String("public_port", ack.Data[domain.AckDataPublicPort]))
		return s.repo.SaveVM(ctx, v)
	}

	vmPort, _ := strconv.Atoi(ack.Data[domain.AckDataVMPort])
	protocol := ack.Data[domain.AckDataProtocol]

	var mapping *domain.PortMapping
	if vmPort > 0 && protocol != "" {
		mapping = v.Network.FindPortMapping(vmPort, protocol)
	}
	if mapping == nil {
		// Agents that do not echo the mapping key can still fill a lone
		// placeholder.
		var placeholders []*domain.PortMapping
		for i := range v.Network.PortMappings {
			if v.Network.PortMappings[i].PublicPort == 0 {
				placeholders = append(placeholders, &v.Network.PortMappings[i])
			}
		}
		if len(placeholders) == 1 {
			mapping = placeholders[0]
		}
	}
	if mapping == nil {
		logger.Warn("AllocatePort ack does not match any pending mapping",
			zap.Int("vm_port", vmPort), zap.String("protocol", protocol))
		return s.repo.SaveVM(ctx, v)
	}

	mapping.PublicPort = publicPort
	logger.Info("Port mapping completed",
		zap.Int("vm_port", mapping.VMPort),
		zap.Int("public_port", publicPort),
		zap.String("protocol", mapping.Protocol))
	return s.repo.SaveVM(ctx, v)
}

// isNotFoundMessage matches agent wordings for a workload that does not
// exist: any "not found" substring, or the bare NOT_FOUND code.
func isNotFoundMessage(msg string) bool {
	return msg == "NOT_FOUND" || strings.Contains(strings.ToLower(msg), "not found")
}
