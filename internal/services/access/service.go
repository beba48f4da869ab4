// Package access exposes VM ports to the outside world through node-side
// forwarding rules. Directly reachable nodes take one AllocatePort command;
// VMs on relay'd nodes take the three-hop path: the relay opens a public
// port toward the node's tunnel address, then the node forwards the tunnel
// traffic to the VM.
package access

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/config"
	"github.com/stratomesh/stratomesh/internal/domain"
)

// Service owns external port allocation and removal.
type Service struct {
	repo   Repository
	cfg    config.AccessConfig
	logger *zap.Logger
}

// New wires the access service.
func New(repo Repository, cfg config.AccessConfig, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		cfg:    cfg,
		logger: logger.Named("access-service"),
	}
}

// PortAllocation is the outcome of an allocation request. Pending means the
// node has not confirmed the rule yet; the mapping completes through the
// ack path and surfaces on the VM record.
type PortAllocation struct {
	VMPort     int    `json:"vmPort"`
	PublicPort int    `json:"publicPort"`
	PublicHost string `json:"publicHost,omitempty"`
	Protocol   string `json:"protocol"`
	Pending    bool   `json:"pending"`
	Message    string `json:"message,omitempty"`
}

// AllocatePort exposes vmPort on a public address. Repeat calls for an
// existing mapping return the recorded allocation instead of double-issuing
// commands.
func (s *Service) AllocatePort(ctx context.Context, vmID string, vmPort int, protocol string) (*PortAllocation, error) {
	logger := s.logger.With(
		zap.String("method", "AllocatePort"),
		zap.String("vm_id", vmID),
		zap.Int("vm_port", vmPort))

	protocol, err := normalizeProtocol(protocol)
	if err != nil {
		return nil, err
	}
	if vmPort < 1 || vmPort > 65535 {
		return nil, domain.ValidationError(fmt.Sprintf("vm port %d is out of range", vmPort))
	}

	vm, err := s.repo.GetVM(ctx, vmID)
	if err != nil {
		return nil, err
	}
	if vm.NodeID == "" || vm.Status != domain.VMStatusRunning {
		return nil, domain.NewError(domain.KindValidation, "VM_NOT_RUNNING",
			"ports can only be allocated for running VMs", domain.ErrConflict)
	}

	node, err := s.repo.GetNode(ctx, vm.NodeID)
	if err != nil {
		return nil, err
	}

	// An existing mapping is authoritative; the most a repeat call does is
	// wait for a placeholder to fill.
	if m := vm.Network.FindPortMapping(vmPort, protocol); m != nil {
		if m.PublicPort > 0 {
			return s.completed(ctx, node, m), nil
		}
		logger.Info("Mapping already pending, polling for completion")
		return s.awaitOrPartial(ctx, node, vmID, vmPort, protocol, logger), nil
	}

	// Placeholder first: the ack that fills it can arrive the moment the
	// command leaves with the next heartbeat.
	vm.Network.PortMappings = append(vm.Network.PortMappings, domain.PortMapping{
		VMPort:    vmPort,
		Protocol:  protocol,
		CreatedAt: time.Now(),
	})
	if err := s.repo.SaveVM(ctx, vm); err != nil {
		return nil, err
	}

	if node.RequiresRelay() {
		return s.allocateThroughRelay(ctx, node, vm, vmPort, protocol, logger)
	}
	return s.allocateDirect(ctx, node, vm, vmPort, protocol, logger)
}

// allocateDirect issues the single node-side rule and waits briefly for the
// ack. A poll timeout is partial success: the rule usually materializes
// moments later and the record completes through the ack path.
func (s *Service) allocateDirect(ctx context.Context, node *domain.Node, vm *domain.VirtualMachine, vmPort int, protocol string, logger *zap.Logger) (*PortAllocation, error) {
	if err := s.issuePortCommand(ctx, node.ID, vm.ID, domain.CommandAllocatePort, domain.AllocatePortPayload{
		VMID:        vm.ID,
		VMPort:      vmPort,
		Protocol:    protocol,
		VMPrivateIP: vm.Network.PrivateIP,
	}); err != nil {
		s.dropMapping(ctx, vm.ID, vmPort, protocol, logger)
		return nil, err
	}

	logger.Info("Port allocation issued", zap.String("node_id", node.ID))
	return s.awaitOrPartial(ctx, node, vm.ID, vmPort, protocol, logger), nil
}

// allocateThroughRelay runs the three-hop path: a public port on the relay
// forwarding to the node's tunnel address, then the node-side rule pinned
// to that port. A failure on the second hop rolls the relay rule back.
func (s *Service) allocateThroughRelay(ctx context.Context, node *domain.Node, vm *domain.VirtualMachine, vmPort int, protocol string, logger *zap.Logger) (*PortAllocation, error) {
	if node.CgnatInfo == nil {
		s.dropMapping(ctx, vm.ID, vmPort, protocol, logger)
		return nil, domain.NewError(domain.KindExternal, "RELAY_NOT_ASSIGNED",
			"node has no relay assignment yet", domain.ErrUnavailable)
	}
	relay, err := s.repo.GetNode(ctx, node.CgnatInfo.AssignedRelayNodeID)
	if err != nil || relay.RelayInfo == nil || relay.RelayInfo.VMID == "" {
		s.dropMapping(ctx, vm.ID, vmPort, protocol, logger)
		return nil, domain.NewError(domain.KindExternal, "RELAY_UNAVAILABLE",
			"assigned relay gateway is unavailable", domain.ErrUnavailable)
	}

	// 1. Relay hop: public port toward the node's tunnel address.
	if err := s.issuePortCommand(ctx, relay.ID, vm.ID, domain.CommandAllocatePort, domain.AllocatePortPayload{
		VMID:                vm.ID,
		VMPort:              vmPort,
		Protocol:            protocol,
		IsRelayForwarding:   true,
		TunnelDestinationIP: node.CgnatInfo.TunnelIP,
	}); err != nil {
		s.dropMapping(ctx, vm.ID, vmPort, protocol, logger)
		return nil, err
	}
	logger.Info("Relay-hop allocation issued",
		zap.String("relay_node_id", relay.ID),
		zap.String("tunnel_ip", node.CgnatInfo.TunnelIP))

	// 2. The relay's ack carries the external port; without it the node
	// hop cannot be pinned.
	publicPort, ok := s.waitForPublicPort(ctx, vm.ID, vmPort, protocol)
	if !ok {
		s.rollbackRelayHop(ctx, relay, vm.ID, vmPort, protocol, 0, logger)
		s.dropMapping(ctx, vm.ID, vmPort, protocol, logger)
		return nil, domain.NewError(domain.KindProtocol, "PORT_ACK_TIMEOUT",
			"relay did not confirm the forwarding rule in time", domain.ErrOperationFailed)
	}

	// 3. Node hop: forward tunnel traffic on the relay-chosen port to the
	// VM.
	if err := s.issuePortCommand(ctx, node.ID, vm.ID, domain.CommandAllocatePort, domain.AllocatePortPayload{
		VMID:        vm.ID,
		VMPort:      vmPort,
		Protocol:    protocol,
		PublicPort:  publicPort,
		VMPrivateIP: vm.Network.PrivateIP,
	}); err != nil {
		s.rollbackRelayHop(ctx, relay, vm.ID, vmPort, protocol, publicPort, logger)
		s.dropMapping(ctx, vm.ID, vmPort, protocol, logger)
		return nil, err
	}

	logger.Info("Three-hop port allocation completed",
		zap.String("relay_node_id", relay.ID),
		zap.Int("public_port", publicPort))
	return &PortAllocation{
		VMPort:     vmPort,
		PublicPort: publicPort,
		PublicHost: relay.PublicIP,
		Protocol:   protocol,
	}, nil
}

// RemovePort tears down a mapping. Relay'd VMs get the mirror image of the
// three-hop allocation: the relay rule goes by public port, the node rule
// by vm port. Removing an unknown mapping succeeds; deletes are idempotent.
func (s *Service) RemovePort(ctx context.Context, vmID string, vmPort int, protocol string) error {
	logger := s.logger.With(
		zap.String("method", "RemovePort"),
		zap.String("vm_id", vmID),
		zap.Int("vm_port", vmPort))

	protocol, err := normalizeProtocol(protocol)
	if err != nil {
		return err
	}

	vm, err := s.repo.GetVM(ctx, vmID)
	if err != nil {
		return err
	}
	mapping := vm.Network.FindPortMapping(vmPort, protocol)
	if mapping == nil {
		logger.Info("No such mapping, nothing to remove")
		return nil
	}

	if vm.NodeID != "" {
		node, err := s.repo.GetNode(ctx, vm.NodeID)
		if err != nil {
			return err
		}

		if node.RequiresRelay() && node.CgnatInfo != nil && mapping.PublicPort > 0 {
			if relay, rerr := s.repo.GetNode(ctx, node.CgnatInfo.AssignedRelayNodeID); rerr == nil && relay.RelayInfo != nil {
				if rerr := s.issuePortCommand(ctx, relay.ID, vm.ID, domain.CommandRemovePort, domain.RemovePortPayload{
					VMID:       vm.ID,
					PublicPort: mapping.PublicPort,
					Protocol:   protocol,
				}); rerr != nil {
					return rerr
				}
			} else {
				logger.Warn("Relay unavailable for rule removal, removing node side only")
			}
		}

		if err := s.issuePortCommand(ctx, node.ID, vm.ID, domain.CommandRemovePort, domain.RemovePortPayload{
			VMID:     vm.ID,
			VMPort:   vmPort,
			Protocol: protocol,
		}); err != nil {
			return err
		}
	}

	s.dropMapping(ctx, vmID, vmPort, protocol, logger)
	logger.Info("Port mapping removed", zap.Int("public_port", mapping.PublicPort))
	return nil
}

// completed builds the result for a mapping that already carries its public
// port, resolving the host the caller should dial.
func (s *Service) completed(ctx context.Context, node *domain.Node, m *domain.PortMapping) *PortAllocation {
	host := node.PublicIP
	if node.RequiresRelay() && node.CgnatInfo != nil {
		if relay, err := s.repo.GetNode(ctx, node.CgnatInfo.AssignedRelayNodeID); err == nil {
			host = relay.PublicIP
		}
	}
	return &PortAllocation{
		VMPort:     m.VMPort,
		PublicPort: m.PublicPort,
		PublicHost: host,
		Protocol:   m.Protocol,
	}
}

// awaitOrPartial polls for the ack to fill the mapping. Timing out is not
// failure: the caller gets partial success and the record completes on its
// own.
func (s *Service) awaitOrPartial(ctx context.Context, node *domain.Node, vmID string, vmPort int, protocol string, logger *zap.Logger) *PortAllocation {
	if port, ok := s.waitForPublicPort(ctx, vmID, vmPort, protocol); ok {
		return &PortAllocation{
			VMPort:     vmPort,
			PublicPort: port,
			PublicHost: node.PublicIP,
			Protocol:   protocol,
		}
	}
	logger.Info("Port allocation still pending after poll window")
	return &PortAllocation{
		VMPort:   vmPort,
		Protocol: protocol,
		Pending:  true,
		Message:  "port allocation in progress",
	}
}

// waitForPublicPort polls the VM record until the ack path fills the
// mapping or the poll window closes.
func (s *Service) waitForPublicPort(ctx context.Context, vmID string, vmPort int, protocol string) (int, bool) {
	for attempt := 0; attempt < s.cfg.AckPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return 0, false
		case <-time.After(s.cfg.AckPollInterval):
		}

		vm, err := s.repo.GetVM(ctx, vmID)
		if err != nil {
			return 0, false
		}
		if m := vm.Network.FindPortMapping(vmPort, protocol); m != nil && m.PublicPort > 0 {
			return m.PublicPort, true
		}
	}
	return 0, false
}

// rollbackRelayHop compensates a relay rule that must not outlive a failed
// allocation. Best effort: the relay may not have materialized the rule at
// all.
func (s *Service) rollbackRelayHop(ctx context.Context, relay *domain.Node, vmID string, vmPort int, protocol string, publicPort int, logger *zap.Logger) {
	if err := s.issuePortCommand(ctx, relay.ID, vmID, domain.CommandRemovePort, domain.RemovePortPayload{
		VMID:       vmID,
		VMPort:     vmPort,
		PublicPort: publicPort,
		Protocol:   protocol,
	}); err != nil {
		logger.Warn("Failed to queue relay rollback",
			zap.String("relay_node_id", relay.ID), zap.Error(err))
		return
	}
	logger.Info("Rolled back relay-hop rule",
		zap.String("relay_node_id", relay.ID),
		zap.Int("public_port", publicPort))
}

// dropMapping removes the (vmPort, protocol) mapping from the VM record. A
// late ack for a dropped mapping is absorbed by the ack path.
func (s *Service) dropMapping(ctx context.Context, vmID string, vmPort int, protocol string, logger *zap.Logger) {
	vm, err := s.repo.GetVM(ctx, vmID)
	if err != nil {
		return
	}
	kept := vm.Network.PortMappings[:0]
	for _, m := range vm.Network.PortMappings {
		if m.VMPort == vmPort && m.Protocol == protocol {
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) == len(vm.Network.PortMappings) {
		return
	}
	vm.Network.PortMappings = kept
	if err := s.repo.SaveVM(ctx, vm); err != nil {
		logger.Warn("Failed to drop port mapping", zap.Error(err))
	}
}

// issuePortCommand registers and queues one forwarding-rule command,
// correlated to the VM the rule serves.
func (s *Service) issuePortCommand(ctx context.Context, nodeID, vmID string, cmdType domain.CommandType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", cmdType, err)
	}

	cmdID := uuid.New().String()
	now := time.Now()
	if err := s.repo.RegisterCommand(ctx, &domain.CommandRegistration{
		CommandID: cmdID,
		VMID:      vmID,
		NodeID:    nodeID,
		Type:      cmdType,
		IssuedAt:  now,
	}); err != nil {
		return fmt.Errorf("failed to register command: %w", err)
	}

	if err := s.repo.AppendCommand(ctx, nodeID, domain.NodeCommand{
		CommandID:        cmdID,
		Type:             cmdType,
		Payload:          raw,
		RequiresAck:      true,
		TargetResourceID: vmID,
		IssuedAt:         now,
	}); err != nil {
		return fmt.Errorf("failed to queue command: %w", err)
	}
	return nil
}

func normalizeProtocol(protocol string) (string, error) {
	switch p := strings.ToLower(strings.TrimSpace(protocol)); p {
	case "":
		return "tcp", nil
	case "tcp", "udp":
		return p, nil
	default:
		return "", domain.ValidationError(fmt.Sprintf("unsupported protocol %q", protocol))
	}
}
