package relay

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/domain"
)

// EnsureRelayAssignment assigns or repairs a NAT'd node's relay attachment.
// Called asynchronously after registration; the heartbeat path keeps the
// assignment honest afterwards.
func (s *Service) EnsureRelayAssignment(ctx context.Context, nodeID string) error {
	logger := s.logger.With(
		zap.String("method", "EnsureRelayAssignment"),
		zap.String("node_id", nodeID))

	mu := s.nodeGate(nodeID)
	if !mu.TryLock() {
		logger.Debug("Relay reconciliation already in flight, skipping")
		return nil
	}
	defer mu.Unlock()

	n, err := s.repo.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if !n.RequiresRelay() {
		return nil
	}

	if n.CgnatInfo != nil {
		relay, err := s.loadUsableGateway(ctx, n.CgnatInfo.AssignedRelayNodeID)
		if err != nil {
			return err
		}
		if relay != nil {
			// Assignment survives re-registration; just make sure the
			// gateway still knows the peer.
			return s.ensurePeerRegistered(ctx, relay, n.ID, n.CgnatInfo, logger)
		}
		logger.Warn("Assigned relay no longer usable, reassigning",
			zap.String("relay_node_id", n.CgnatInfo.AssignedRelayNodeID))
		s.detachPeer(ctx, n.CgnatInfo, n.ID, logger)
	}

	var peerKey string
	if n.CgnatInfo != nil {
		peerKey = n.CgnatInfo.PeerPublicKey
	}
	info, err := s.assignNewRelay(ctx, n, peerKey, logger)
	if err != nil {
		return err
	}
	n.CgnatInfo = info
	return s.repo.SaveNode(ctx, n)
}

// ReconcileCgnat compares the tracked relay assignment against what the
// agent reported in its heartbeat and returns the authoritative assignment
// when the agent must be corrected. A nil result with nil error means the
// views agree (or the node's reconciliation slot was busy); the caller
// persists any returned assignment on the node record.
func (s *Service) ReconcileCgnat(ctx context.Context, n *domain.Node, reported *domain.CgnatInfo) (*domain.CgnatInfo, error) {
	logger := s.logger.With(
		zap.String("method", "ReconcileCgnat"),
		zap.String("node_id", n.ID))

	mu := s.nodeGate(n.ID)
	if !mu.TryLock() {
		// Another heartbeat or the registration path owns the slot; the
		// next heartbeat retries.
		logger.Debug("Reconciliation slot busy, skipping")
		return nil, nil
	}
	defer mu.Unlock()

	tracked := n.CgnatInfo

	switch {
	case tracked == nil && reported == nil:
		logger.Info("CGNAT node has no relay assignment, finding one")
		return s.assignNewRelay(ctx, n, "", logger)

	case reported == nil:
		// Agent lost its assignment (restart); re-issue ours while the
		// gateway holds, otherwise move the node.
		relay, err := s.loadUsableGateway(ctx, tracked.AssignedRelayNodeID)
		if err != nil {
			return nil, err
		}
		if relay != nil {
			if err := s.ensurePeerRegistered(ctx, relay, n.ID, tracked, logger); err != nil {
				return nil, err
			}
			logger.Info("Re-issuing relay assignment to agent",
				zap.String("relay_node_id", tracked.AssignedRelayNodeID),
				zap.String("tunnel_ip", tracked.TunnelIP))
			return tracked, nil
		}
		logger.Warn("Tracked relay unusable, reassigning",
			zap.String("relay_node_id", tracked.AssignedRelayNodeID))
		s.detachPeer(ctx, tracked, n.ID, logger)
		return s.assignNewRelay(ctx, n, tracked.PeerPublicKey, logger)

	case tracked == nil:
		// Agent claims an assignment we never recorded. Adopt it only when
		// the gateway itself corroborates the claim.
		if s.reportedAuthentic(ctx, n.ID, reported) {
			logger.Info("Adopting agent-reported relay assignment",
				zap.String("relay_node_id", reported.AssignedRelayNodeID),
				zap.String("tunnel_ip", reported.TunnelIP))
			return adoptReported(reported), nil
		}
		logger.Warn("Agent-reported relay assignment failed verification, reassigning",
			zap.String("relay_node_id", reported.AssignedRelayNodeID),
			zap.String("tunnel_ip", reported.TunnelIP))
		return s.assignNewRelay(ctx, n, reported.PeerPublicKey, logger)

	default:
		if tracked.AssignedRelayNodeID == reported.AssignedRelayNodeID &&
			tracked.TunnelIP == reported.TunnelIP {
			return s.reconcileAgreed(ctx, n, tracked, reported, logger)
		}

		// Views disagree. Detach from the tracked gateway, then keep
		// whichever side the mesh can verify.
		logger.Warn("Relay assignment disagreement",
			zap.String("tracked_relay", tracked.AssignedRelayNodeID),
			zap.String("reported_relay", reported.AssignedRelayNodeID))
		s.detachPeer(ctx, tracked, n.ID, logger)
		if s.reportedAuthentic(ctx, n.ID, reported) {
			logger.Info("Adopting agent-reported relay assignment over tracked one",
				zap.String("relay_node_id", reported.AssignedRelayNodeID))
			return adoptReported(reported), nil
		}
		return s.assignNewRelay(ctx, n, reported.PeerPublicKey, logger)
	}
}

// reconcileAgreed handles the steady state where both sides name the same
// assignment. A dead gateway still forces a move, and a newly learned peer
// key is pushed to the gateway.
func (s *Service) reconcileAgreed(ctx context.Context, n *domain.Node, tracked, reported *domain.CgnatInfo, logger *zap.Logger) (*domain.CgnatInfo, error) {
	relay, err := s.loadUsableGateway(ctx, tracked.AssignedRelayNodeID)
	if err != nil {
		return nil, err
	}
	if relay == nil {
		logger.Warn("Agreed relay unusable, reassigning",
			zap.String("relay_node_id", tracked.AssignedRelayNodeID))
		s.detachPeer(ctx, tracked, n.ID, logger)
		return s.assignNewRelay(ctx, n, reported.PeerPublicKey, logger)
	}

	if reported.PeerPublicKey != "" && reported.PeerPublicKey != tracked.PeerPublicKey {
		updated := *tracked
		updated.PeerPublicKey = reported.PeerPublicKey
		if err := s.ensurePeerRegistered(ctx, relay, n.ID, &updated, logger); err != nil {
			return nil, err
		}
		logger.Info("Registered agent WireGuard key on relay",
			zap.String("relay_node_id", relay.ID))
		return &updated, nil
	}

	return nil, nil
}

// reportedAuthentic verifies an agent-claimed assignment against the
// gateway: the gateway must be usable, already list the node as a client,
// and own the claimed tunnel address.
func (s *Service) reportedAuthentic(ctx context.Context, nodeID string, reported *domain.CgnatInfo) bool {
	if reported.AssignedRelayNodeID == "" || reported.TunnelIP == "" {
		return false
	}
	relay, err := s.loadUsableGateway(ctx, reported.AssignedRelayNodeID)
	if err != nil || relay == nil {
		return false
	}
	if !relay.RelayInfo.HasConnectedNode(nodeID) {
		return false
	}
	host := hostOctet(reported.TunnelIP, s.subnetPrefix(relay.RelayInfo.RelaySubnet))
	return host >= 2 && host <= 254
}

// adoptReported copies the agent's assignment into a fresh record so later
// mutations never alias heartbeat request memory.
func adoptReported(reported *domain.CgnatInfo) *domain.CgnatInfo {
	adopted := *reported
	if adopted.AssignedAt.IsZero() {
		adopted.AssignedAt = time.Now()
	}
	return &adopted
}

// assignNewRelay picks the best usable gateway, claims a tunnel address in
// its /24, and registers the peer on it. The caller persists the returned
// assignment on the node record.
func (s *Service) assignNewRelay(ctx context.Context, n *domain.Node, peerKey string, logger *zap.Logger) (*domain.CgnatInfo, error) {
	s.assignMu.Lock()
	defer s.assignMu.Unlock()

	// 1. Usable gateways with spare client slots.
	relays, err := s.eligibleRelays(ctx)
	if err != nil {
		return nil, err
	}
	if len(relays) == 0 {
		return nil, domain.NewError(domain.KindCapacity, "NO_RELAY_AVAILABLE",
			"no relay gateway can accept peers", domain.ErrNoSuitableNode)
	}

	// 2. Healthy gateways first, then the least loaded.
	sort.Slice(relays, func(i, j int) bool {
		ri, rj := relays[i], relays[j]
		if a, b := ri.RelayInfo.Status == domain.RelayStatusActive,
			rj.RelayInfo.Status == domain.RelayStatusActive; a != b {
			return a
		}
		if a, b := len(ri.RelayInfo.ConnectedNodeIDs), len(rj.RelayInfo.ConnectedNodeIDs); a != b {
			return a < b
		}
		return ri.ID < rj.ID
	})
	best := relays[0]

	// 3. Tunnel address inside the gateway's /24.
	tunnelIP, err := s.allocateTunnelIP(ctx, best)
	if err != nil {
		return nil, err
	}

	info := &domain.CgnatInfo{
		AssignedRelayNodeID: best.ID,
		TunnelIP:            tunnelIP,
		PeerPublicKey:       peerKey,
		AssignedAt:          time.Now(),
	}

	// 4. Gateway-side state: client membership plus the WireGuard peer.
	if err := s.ensurePeerRegistered(ctx, best, n.ID, info, logger); err != nil {
		return nil, err
	}

	logger.Info("SYSTEM_EVENT: Relay assigned",
		zap.String("event_type", "RELAY_ASSIGNED"),
		zap.String("relay_node_id", best.ID),
		zap.String("tunnel_ip", tunnelIP),
		zap.Int("relay_clients", len(best.RelayInfo.ConnectedNodeIDs)))
	s.events.Publish(ctx, domain.EventRelayAssigned, n.ID, best.ID, map[string]string{
		"relay_node_id": best.ID,
		"tunnel_ip":     tunnelIP,
	})
	return info, nil
}

// eligibleRelays lists gateways that can accept a new client.
func (s *Service) eligibleRelays(ctx context.Context) ([]*domain.Node, error) {
	nodes, err := s.repo.GetAllNodes(ctx)
	if err != nil {
		return nil, err
	}
	var out []*domain.Node
	for _, n := range nodes {
		if !s.gatewayUsable(ctx, n) {
			continue
		}
		if len(n.RelayInfo.ConnectedNodeIDs) >= s.cfg.MaxClientsPerRelay {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// allocateTunnelIP claims the lowest free host address in the gateway's
// /24. The gateway holds .1; .0 and .255 are never handed out.
func (s *Service) allocateTunnelIP(ctx context.Context, relay *domain.Node) (string, error) {
	nodes, err := s.repo.GetAllNodes(ctx)
	if err != nil {
		return "", err
	}

	prefix := s.subnetPrefix(relay.RelayInfo.RelaySubnet)
	taken := map[int]bool{0: true, 1: true, 255: true}
	for _, other := range nodes {
		if other.CgnatInfo == nil || other.CgnatInfo.AssignedRelayNodeID != relay.ID {
			continue
		}
		if host := hostOctet(other.CgnatInfo.TunnelIP, prefix); host > 0 {
			taken[host] = true
		}
	}

	for host := 2; host <= 254; host++ {
		if !taken[host] {
			return prefix + strconv.Itoa(host), nil
		}
	}
	return "", domain.NewError(domain.KindCapacity, "RELAY_SUBNET_FULL",
		"relay "+relay.ID+" has no free tunnel addresses", domain.ErrResourceExhausted)
}

// ensurePeerRegistered makes the gateway-side state match an assignment:
// the node appears in ConnectedNodeIDs and the gateway VM gets the
// WireGuard peer. Safe to repeat; the agent treats AddPeer as an upsert.
func (s *Service) ensurePeerRegistered(ctx context.Context, relay *domain.Node, nodeID string, info *domain.CgnatInfo, logger *zap.Logger) error {
	if !relay.RelayInfo.HasConnectedNode(nodeID) {
		relay.RelayInfo.ConnectedNodeIDs = append(relay.RelayInfo.ConnectedNodeIDs, nodeID)
		if err := s.repo.SaveNode(ctx, relay); err != nil {
			return err
		}
		logger.Info("Registered node on relay gateway",
			zap.String("relay_node_id", relay.ID),
			zap.Int("relay_clients", len(relay.RelayInfo.ConnectedNodeIDs)))
	}
	return s.issuePeerCommand(ctx, relay, domain.CommandAddPeer, domain.AddPeerPayload{
		PeerPublicKey: info.PeerPublicKey,
		TunnelIP:      info.TunnelIP,
	})
}

// detachPeer removes the node from its old gateway's client list and queues
// the WireGuard peer removal. Best effort: a vanished gateway needs no
// cleanup.
func (s *Service) detachPeer(ctx context.Context, old *domain.CgnatInfo, nodeID string, logger *zap.Logger) {
	relay, err := s.repo.GetNode(ctx, old.AssignedRelayNodeID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			logger.Warn("Failed to load old relay for detach", zap.Error(err))
		}
		return
	}
	if relay.RelayInfo == nil {
		return
	}

	if relay.RelayInfo.HasConnectedNode(nodeID) {
		filtered := make([]string, 0, len(relay.RelayInfo.ConnectedNodeIDs))
		for _, id := range relay.RelayInfo.ConnectedNodeIDs {
			if id != nodeID {
				filtered = append(filtered, id)
			}
		}
		relay.RelayInfo.ConnectedNodeIDs = filtered
		if err := s.repo.SaveNode(ctx, relay); err != nil {
			logger.Warn("Failed to persist relay detach",
				zap.String("relay_node_id", relay.ID), zap.Error(err))
			return
		}
	}

	if relay.RelayInfo.VMID != "" {
		if err := s.issuePeerCommand(ctx, relay, domain.CommandRemovePeer, domain.RemovePeerPayload{
			PeerPublicKey: old.PeerPublicKey,
			TunnelIP:      old.TunnelIP,
		}); err != nil {
			logger.Warn("Failed to queue peer removal",
				zap.String("relay_node_id", relay.ID), zap.Error(err))
		}
	}

	logger.Info("Detached node from relay",
		zap.String("relay_node_id", relay.ID),
		zap.String("tunnel_ip", old.TunnelIP))
}
