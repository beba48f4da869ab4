package relay

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/domain"
)

// Labels a relay gateway VM carries so the agent can bring up the WireGuard
// interface. The private-key label is sensitive: it rides the CreateVm
// payload and is stripped from the persisted record.
const (
	LabelRelaySubnet   = "relay-subnet"
	LabelRelayTunnelIP = "relay-tunnel-ip"
	LabelRelayPort     = "relay-listen-port"
)

// PrepareRelay claims the tunnel identity for a new gateway on n: the
// lowest unused /24 in the tunnel space plus a WireGuard keypair. The
// public half lands in the node's RelayInfo (saved here, Offline until the
// gateway VM runs); the returned labels, private key included, go on the
// gateway VM so the command payload carries them to the agent.
func (s *Service) PrepareRelay(ctx context.Context, n *domain.Node) (map[string]string, error) {
	logger := s.logger.With(
		zap.String("method", "PrepareRelay"),
		zap.String("node_id", n.ID))

	subnet := 0
	if n.RelayInfo != nil {
		if n.RelayInfo.VMID != "" {
			return nil, domain.ValidationError("node already carries a relay gateway")
		}
		// A previous attempt reserved a subnet but never got its VM; keep
		// the subnet and rotate the keys (the private half is gone).
		subnet = n.RelayInfo.RelaySubnet
	} else {
		var err error
		subnet, err = s.allocateSubnet(ctx)
		if err != nil {
			return nil, err
		}
	}

	priv, pub, err := generateKeypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate gateway keypair: %w", err)
	}

	n.RelayInfo = &domain.RelayInfo{
		RelaySubnet:        subnet,
		WireguardPublicKey: pub,
		WireguardEndpoint:  fmt.Sprintf("%s:%d", n.PublicIP, s.cfg.WireguardPort),
		Status:             domain.RelayStatusOffline,
	}
	if err := s.repo.SaveNode(ctx, n); err != nil {
		return nil, err
	}

	logger.Info("Relay gateway prepared",
		zap.Int("relay_subnet", subnet),
		zap.String("public_key", pub),
		zap.String("endpoint", n.RelayInfo.WireguardEndpoint))

	return map[string]string{
		domain.LabelSensitiveWireguardKey: priv,
		LabelRelaySubnet:                  strconv.Itoa(subnet),
		LabelRelayTunnelIP:                s.gatewayTunnelIP(subnet),
		LabelRelayPort:                    strconv.Itoa(s.cfg.WireguardPort),
	}, nil
}

// ActivateRelay marks vmID as the node's live gateway and peers it with the
// rest of the mesh. Called by the obligation reconciler once the gateway VM
// reports Running; repeated calls are no-ops.
func (s *Service) ActivateRelay(ctx context.Context, nodeID, vmID string) error {
	logger := s.logger.With(
		zap.String("method", "ActivateRelay"),
		zap.String("node_id", nodeID),
		zap.String("vm_id", vmID))

	n, err := s.repo.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if n.RelayInfo == nil {
		return domain.ValidationError("node has no prepared relay gateway")
	}
	if n.RelayInfo.VMID == vmID && n.RelayInfo.Status == domain.RelayStatusActive {
		return nil
	}

	n.RelayInfo.VMID = vmID
	n.RelayInfo.Status = domain.RelayStatusActive
	if err := s.repo.SaveNode(ctx, n); err != nil {
		return err
	}

	logger.Info("SYSTEM_EVENT: Relay gateway activated",
		zap.String("event_type", "RELAY_ACTIVATED"),
		zap.Int("relay_subnet", n.RelayInfo.RelaySubnet))

	s.crossPeer(ctx, n, logger)
	return nil
}

// SetGatewayStatus records gateway health observed elsewhere (the
// obligation reconciler downgrades a relay whose VM left Running). Clients
// of an unusable gateway migrate on their next heartbeat.
func (s *Service) SetGatewayStatus(ctx context.Context, nodeID string, status domain.RelayStatus) error {
	n, err := s.repo.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if n.RelayInfo == nil || n.RelayInfo.Status == status {
		return nil
	}

	s.logger.Warn("Relay gateway status changed",
		zap.String("node_id", nodeID),
		zap.String("from", string(n.RelayInfo.Status)),
		zap.String("to", string(status)))
	n.RelayInfo.Status = status
	return s.repo.SaveNode(ctx, n)
}

// crossPeer connects a newly activated gateway with every other Active
// gateway, both directions. Failures are logged and heal on a later
// activation or re-registration pass.
func (s *Service) crossPeer(ctx context.Context, newRelay *domain.Node, logger *zap.Logger) {
	nodes, err := s.repo.GetAllNodes(ctx)
	if err != nil {
		logger.Warn("Cross-peering skipped: node listing failed", zap.Error(err))
		return
	}

	for _, other := range nodes {
		if other.ID == newRelay.ID || !other.IsRelay() {
			continue
		}
		if other.RelayInfo.Status != domain.RelayStatusActive || other.RelayInfo.VMID == "" {
			continue
		}
		if err := s.peerGateways(ctx, newRelay, other); err != nil {
			logger.Warn("Failed to peer gateways, will retry on a later pass",
				zap.String("peer_node_id", other.ID), zap.Error(err))
			continue
		}
		logger.Info("Peered relay gateways",
			zap.String("peer_node_id", other.ID),
			zap.Int("peer_subnet", other.RelayInfo.RelaySubnet))
		s.events.Publish(ctx, domain.EventRelayPeered, newRelay.ID, other.ID, map[string]string{
			"peer_node_id": other.ID,
			"subnet":       s.subnetCIDR(newRelay.RelayInfo.RelaySubnet),
			"peer_subnet":  s.subnetCIDR(other.RelayInfo.RelaySubnet),
		})
	}
}

// peerGateways queues the bidirectional WireGuard updates between two
// gateways. Each side routes the other's whole /24 and keeps the tunnel
// alive across NAT timeouts.
func (s *Service) peerGateways(ctx context.Context, a, b *domain.Node) error {
	if err := s.issuePeerCommand(ctx, a, domain.CommandAddPeer, domain.AddPeerPayload{
		PeerPublicKey: b.RelayInfo.WireguardPublicKey,
		TunnelIP:      s.subnetCIDR(b.RelayInfo.RelaySubnet),
		Endpoint:      b.RelayInfo.WireguardEndpoint,
		Keepalive:     s.cfg.PeerKeepalive,
	}); err != nil {
		return err
	}
	return s.issuePeerCommand(ctx, b, domain.CommandAddPeer, domain.AddPeerPayload{
		PeerPublicKey: a.RelayInfo.WireguardPublicKey,
		TunnelIP:      s.subnetCIDR(a.RelayInfo.RelaySubnet),
		Endpoint:      a.RelayInfo.WireguardEndpoint,
		Keepalive:     s.cfg.PeerKeepalive,
	})
}

// allocateSubnet claims the lowest /24 index no relay uses yet. Subnet 0 is
// reserved for the control plane's own tunnel interface.
func (s *Service) allocateSubnet(ctx context.Context) (int, error) {
	nodes, err := s.repo.GetAllNodes(ctx)
	if err != nil {
		return 0, err
	}

	used := make(map[int]bool, len(nodes))
	for _, n := range nodes {
		if n.RelayInfo != nil {
			used[n.RelayInfo.RelaySubnet] = true
		}
	}
	for subnet := 1; subnet < s.cfg.MaxSubnets; subnet++ {
		if !used[subnet] {
			return subnet, nil
		}
	}
	return 0, domain.NewError(domain.KindCapacity, "RELAY_SUBNETS_EXHAUSTED",
		"tunnel address space is fully allocated", domain.ErrResourceExhausted)
}
