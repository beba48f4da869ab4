// Package relay coordinates the WireGuard relay mesh: which nodes act as
// gateways for CGNAT peers, which gateway each NAT'd node tunnels through,
// and the peer state on every gateway VM.
//
// Tunnel addressing is a /16 carved into per-gateway /24s: gateway i owns
// <subnet_prefix>.<i>.0/24, holds .1 itself, and hands .2-.254 to clients.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/config"
	"github.com/stratomesh/stratomesh/internal/domain"
)

// Service owns relay-network state. It is consulted at node registration,
// on every CGNAT heartbeat, and by the obligation reconciler when gateway
// VMs come and go.
type Service struct {
	repo   Repository
	events EventPublisher
	cfg    config.RelayConfig
	logger *zap.Logger

	// wgMu guards the lazily generated orchestrator WireGuard identity.
	wgMu         sync.RWMutex
	wgPrivateKey string
	wgPublicKey  string

	// gates holds one mutex per CGNAT node so concurrent heartbeats skip
	// reconciliation instead of queueing behind each other.
	gates sync.Map // nodeID -> *sync.Mutex

	// assignMu serializes tunnel-address allocation across nodes.
	assignMu sync.Mutex
}

// New wires the relay coordinator.
func New(repo Repository, events EventPublisher, cfg config.RelayConfig, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		events: events,
		cfg:    cfg,
		logger: logger.Named("relay-service"),
	}
}

// OrchestratorPublicKey returns the control plane's WireGuard public key,
// generating the keypair on first use. Double-checked so concurrent
// registrations share one identity.
func (s *Service) OrchestratorPublicKey(ctx context.Context) (string, error) {
	s.wgMu.RLock()
	key := s.wgPublicKey
	s.wgMu.RUnlock()
	if key != "" {
		return key, nil
	}

	s.wgMu.Lock()
	defer s.wgMu.Unlock()
	if s.wgPublicKey != "" {
		return s.wgPublicKey, nil
	}

	priv, pub, err := generateKeypair()
	if err != nil {
		return "", fmt.Errorf("failed to generate orchestrator keypair: %w", err)
	}
	s.wgPrivateKey = priv
	s.wgPublicKey = pub

	s.logger.Info("SYSTEM_EVENT: Orchestrator WireGuard identity initialized",
		zap.String("event_type", "ORCHESTRATOR_KEY_INITIALIZED"),
		zap.String("public_key", pub))
	return pub, nil
}

// nodeGate returns the per-node reconciliation mutex, creating it on first
// use.
func (s *Service) nodeGate(nodeID string) *sync.Mutex {
	mu, _ := s.gates.LoadOrStore(nodeID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// gatewayUsable reports whether n can carry relay traffic right now:
// online, gateway Active or Degraded, and its gateway VM Running.
func (s *Service) gatewayUsable(ctx context.Context, n *domain.Node) bool {
	if n == nil || !n.IsOnline() || !n.IsRelay() {
		return false
	}
	if st := n.RelayInfo.Status; st != domain.RelayStatusActive && st != domain.RelayStatusDegraded {
		return false
	}
	if n.RelayInfo.VMID == "" {
		return false
	}
	vm, err := s.repo.GetVM(ctx, n.RelayInfo.VMID)
	if err != nil || vm.Status != domain.VMStatusRunning {
		return false
	}
	return true
}

// loadUsableGateway fetches a relay node by id and filters it through
// gatewayUsable. A vanished or unusable gateway is (nil, nil): the caller
// reassigns rather than fails.
func (s *Service) loadUsableGateway(ctx context.Context, nodeID string) (*domain.Node, error) {
	if nodeID == "" {
		return nil, nil
	}
	n, err := s.repo.GetNode(ctx, nodeID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !s.gatewayUsable(ctx, n) {
		return nil, nil
	}
	return n, nil
}

// issuePeerCommand registers and queues a WireGuard peer update for the
// gateway VM. Registration precedes queueing so the ack always has a
// correlation to land on.
func (s *Service) issuePeerCommand(ctx context.Context, relay *domain.Node, cmdType domain.CommandType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", cmdType, err)
	}

	cmdID := uuid.New().String()
	now := time.Now()
	if err := s.repo.RegisterCommand(ctx, &domain.CommandRegistration{
		CommandID: cmdID,
		VMID:      relay.RelayInfo.VMID,
		NodeID:    relay.ID,
		Type:      cmdType,
		IssuedAt:  now,
	}); err != nil {
		return fmt.Errorf("failed to register command: %w", err)
	}

	if err := s.repo.AppendCommand(ctx, relay.ID, domain.NodeCommand{
		CommandID:        cmdID,
		Type:             cmdType,
		Payload:          raw,
		RequiresAck:      true,
		TargetResourceID: relay.RelayInfo.VMID,
		IssuedAt:         now,
	}); err != nil {
		return fmt.Errorf("failed to queue command: %w", err)
	}
	return nil
}

// subnetPrefix is the dotted prefix of a gateway's /24, trailing dot
// included: "10.8.<subnet>.".
func (s *Service) subnetPrefix(subnet int) string {
	return fmt.Sprintf("%s.%d.", s.cfg.SubnetPrefix, subnet)
}

// subnetCIDR is the gateway's whole /24, used as the allowed range when
// relays peer with each other.
func (s *Service) subnetCIDR(subnet int) string {
	return fmt.Sprintf("%s.%d.0/24", s.cfg.SubnetPrefix, subnet)
}

// gatewayTunnelIP is the address the gateway itself holds inside its /24.
func (s *Service) gatewayTunnelIP(subnet int) string {
	return s.subnetPrefix(subnet) + "1"
}

// hostOctet extracts the final octet of a tunnel address inside prefix, or
// -1 when the address lies outside it.
func hostOctet(tunnelIP, prefix string) int {
	if len(tunnelIP) <= len(prefix) || tunnelIP[:len(prefix)] != prefix {
		return -1
	}
	host, err := strconv.Atoi(tunnelIP[len(prefix):])
	if err != nil {
		return -1
	}
	return host
}
