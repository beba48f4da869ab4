package node

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/config"
	"github.com/stratomesh/stratomesh/internal/domain"
	"github.com/stratomesh/stratomesh/internal/services/auth"
	"github.com/stratomesh/stratomesh/internal/services/vm"
)

// RegisterRequest is the agent's registration call. The signature must
// recover the claimed wallet over Message.
type RegisterRequest struct {
	MachineID         string                   `json:"machineId"`
	WalletAddress     string                   `json:"walletAddress"`
	Message           string                   `json:"message"`
	Signature         string                   `json:"signature"`
	PublicIP          string                   `json:"publicIp,omitempty"`
	AgentPort         int                      `json:"agentPort,omitempty"`
	HardwareInventory domain.HardwareInventory `json:"hardwareInventory"`
	AgentVersion      string                   `json:"agentVersion,omitempty"`
	SupportedImages   []string                 `json:"supportedImages,omitempty"`
	Region            string                   `json:"region,omitempty"`
	Zone              string                   `json:"zone,omitempty"`
	Pricing           *domain.OperatorPricing  `json:"pricing,omitempty"`
	RegisteredAt      time.Time                `json:"registeredAt,omitempty"`
}

// RegisterResponse carries everything the agent needs to start serving. The
// API key is the node's bearer credential, issued exactly once per
// registration.
type RegisterResponse struct {
	NodeID                string                            `json:"nodeId"`
	PerformanceEvaluation *domain.NodePerformanceEvaluation `json:"performanceEvaluation"`
	APIKey                string                            `json:"apiKey"`
	SchedulingConfig      config.SchedulingConfig           `json:"schedulingConfig"`
	OrchestratorPublicKey string                            `json:"orchestratorPublicKey,omitempty"`
	HeartbeatIntervalSecs int                               `json:"heartbeatInterval"`
	DHTBootstrapPeers     []string                          `json:"dhtBootstrapPeers"`
}

// ServiceReport is the agent's readiness observation for one VM service.
type ServiceReport struct {
	Name          string     `json:"name"`
	Status        string     `json:"status"`
	StatusMessage string     `json:"statusMessage,omitempty"`
	ReadyAt       *time.Time `json:"readyAt,omitempty"`
}

// VMSpecEcho is the agent's copy of a VM's shape, echoed back so a lost
// control-plane record can be rebuilt.
type VMSpecEcho struct {
	VirtualCPUCores int    `json:"virtualCpuCores"`
	MemoryBytes     int64  `json:"memoryBytes"`
	DiskBytes       int64  `json:"diskBytes"`
	ImageID         string `json:"imageId,omitempty"`
	QualityTier     string `json:"qualityTier,omitempty"`
}

// ActiveVMReport is one hosted VM as seen by the agent.
type ActiveVMReport struct {
	VMID        string            `json:"vmId"`
	Name        string            `json:"name,omitempty"`
	State       string            `json:"state"`
	PrivateIP   string            `json:"privateIp,omitempty"`
	VNCHost     string            `json:"vncHost,omitempty"`
	VNCPort     int               `json:"vncPort,omitempty"`
	Services    []ServiceReport   `json:"services,omitempty"`
	OwnerID     string            `json:"ownerId,omitempty"`
	OwnerWallet string            `json:"ownerWallet,omitempty"`
	Spec        *VMSpecEcho       `json:"spec,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// HeartbeatRequest is the agent's periodic report.
type HeartbeatRequest struct {
	Metrics                 *domain.NodeMetrics `json:"metrics,omitempty"`
	AvailableResources      *domain.Resources   `json:"availableResources,omitempty"`
	ActiveVMs               []ActiveVMReport    `json:"activeVms,omitempty"`
	CgnatInfo               *domain.CgnatInfo   `json:"cgnatInfo,omitempty"`
	SchedulingConfigVersion string              `json:"schedulingConfigVersion,omitempty"`
}

// HeartbeatResponse acknowledges the report and piggybacks queued commands.
// SchedulingConfig is set only when the agent's known version is stale;
// CgnatInfo only when the agent's relay assignment must be corrected.
type HeartbeatResponse struct {
	Accepted         bool                     `json:"accepted"`
	Commands         []domain.NodeCommand     `json:"commands,omitempty"`
	SchedulingConfig *config.SchedulingConfig `json:"schedulingConfig,omitempty"`
	CgnatInfo        *domain.CgnatInfo        `json:"cgnatInfo,omitempty"`
}

// Service owns the node-facing half of the control plane: registration,
// heartbeat intake, command acknowledgment routing, and the health watchdog.
type Service struct {
	repo      Repository
	lifecycle *vm.Lifecycle
	evaluator Evaluator
	jwt       *auth.JWTManager
	events    EventPublisher
	relay     RelayCoordinator
	pending   PendingScheduler

	nodeCfg  config.NodeConfig
	schedCfg config.SchedulingConfig
	dhtCfg   config.DHTConfig

	logger *zap.Logger
}

// Evaluator classifies node hardware. The perf evaluator satisfies it.
type Evaluator interface {
	Evaluate(inv domain.HardwareInventory) *domain.NodePerformanceEvaluation
	TotalCapacity(inv domain.HardwareInventory, eval *domain.NodePerformanceEvaluation) domain.Resources
	CostFor(vcpus int, tier domain.QualityTier) (float64, error)
	PriceMultiplier(tier domain.QualityTier) float64
	ConfigVersion() string
}

// NewService creates the node service.
func NewService(
	repo Repository,
	lifecycle *vm.Lifecycle,
	evaluator Evaluator,
	jwtManager *auth.JWTManager,
	events EventPublisher,
	nodeCfg config.NodeConfig,
	schedCfg config.SchedulingConfig,
	dhtCfg config.DHTConfig,
	logger *zap.Logger,
) *Service {
	return &Service{
		repo:      repo,
		lifecycle: lifecycle,
		evaluator: evaluator,
		jwt:       jwtManager,
		events:    events,
		nodeCfg:   nodeCfg,
		schedCfg:  schedCfg,
		dhtCfg:    dhtCfg,
		logger:    logger.Named("node-service"),
	}
}

// SetRelayCoordinator wires the relay service (used for late binding).
func (s *Service) SetRelayCoordinator(relay RelayCoordinator) {
	s.relay = relay
}

// SetPendingScheduler wires the pending-VM retry trigger (used for late
// binding).
func (s *Service) SetPendingScheduler(pending PendingScheduler) {
	s.pending = pending
}

// DeriveNodeID returns the stable node id for a (machine, wallet) pair.
// Re-registrations of the same machine by the same owner update the existing
// record instead of minting a new identity.
func DeriveNodeID(machineID, wallet string) string {
	sum := sha256.Sum256([]byte(machineID + "|" + strings.ToLower(wallet)))
	return "node-" + hex.EncodeToString(sum[:8])
}

// ============================================================================
// Registration
// ============================================================================

// Register admits a worker into the mesh. Re-registration is idempotent:
// identity-adjacent fields and hardware are refreshed, while reservations,
// obligations, and relay state accumulated by the platform survive.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	logger := s.logger.With(
		zap.String("method", "Register"),
		zap.String("machine_id", req.MachineID),
		zap.String("wallet", req.WalletAddress),
	)
	logger.Info("Node registration request")

	// 1. Identity checks before anything touches the store.
	if strings.TrimSpace(req.MachineID) == "" {
		return nil, domain.ValidationError("machine id is required")
	}
	if !auth.ValidWalletAddress(req.WalletAddress) {
		return nil, domain.ValidationError(fmt.Sprintf("invalid wallet address %q", req.WalletAddress))
	}
	if err := auth.VerifyWalletSignature(req.WalletAddress, req.Message, req.Signature); err != nil {
		logger.Warn("Rejected registration with bad signature", zap.Error(err))
		return nil, domain.NewError(domain.KindValidation, "UNAUTHORIZED",
			fmt.Sprintf("wallet signature rejected: %v", err), domain.ErrPermissionDenied)
	}

	// 2. Stable identity: the same machine and wallet always map to one
	// record, so a reinstalled agent reclaims its node instead of forking it.
	nodeID := DeriveNodeID(req.MachineID, req.WalletAddress)
	logger = logger.With(zap.String("node_id", nodeID))

	// 3. Performance gate. Nodes below every tier threshold never enter the
	// fleet.
	eval := s.evaluator.Evaluate(req.HardwareInventory)
	if !eval.Acceptable {
		logger.Warn("Rejected node below performance floor",
			zap.String("reason", eval.RejectionReason))
		return nil, domain.NewError(domain.KindValidation, "PERFORMANCE_BELOW_MINIMUM",
			eval.RejectionReason, domain.ErrConflict)
	}

	existing, err := s.repo.GetNode(ctx, nodeID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to load node %s: %w", nodeID, err)
	}
	rereg := err == nil

	now := time.Now()
	n := &domain.Node{
		ID:                nodeID,
		MachineID:         req.MachineID,
		OwnerWallet:       req.WalletAddress,
		PublicIP:          req.PublicIP,
		AgentPort:         req.AgentPort,
		HardwareInventory: req.HardwareInventory,
		SupportedImages:   req.SupportedImages,
		Region:            req.Region,
		Zone:              req.Zone,
		Pricing:           req.Pricing,
		AgentVersion:      req.AgentVersion,
		Status:            domain.NodeStatusOnline,
		LastHeartbeatAt:   now,
		Reputation:        domain.Reputation{UptimePercent: 100},
		RegisteredAt:      now,
	}
	if rereg {
		// 4. Everything the platform accumulated about this node survives a
		// re-registration; only identity-adjacent fields and hardware are
		// overwritten.
		n.ReservedResources = existing.ReservedResources
		n.Obligations = existing.Obligations
		n.DhtInfo = existing.DhtInfo
		n.RelayInfo = existing.RelayInfo
		n.CgnatInfo = existing.CgnatInfo
		n.Reputation = existing.Reputation
		n.Labels = existing.Labels
		n.RegisteredAt = existing.RegisteredAt
	}

	// 5. Capacity follows the evaluation, stamped with the config version it
	// was computed under.
	n.PerformanceEvaluation = eval
	n.TotalResources = s.evaluator.TotalCapacity(req.HardwareInventory, eval)
	n.SchedulingConfigVersion = s.evaluator.ConfigVersion()

	if rereg {
		// A fresh inventory reports every GPU as available; devices passed
		// through to live VMs are not.
		if vms, verr := s.repo.GetActiveVMsByNode(ctx, nodeID); verr == nil {
			for _, v := range vms {
				if v.GPUPCIAddress != "" {
					n.SetGPUAvailability(v.GPUPCIAddress, false)
				}
			}
		}
		if ierr := n.CheckResourceInvariant(); ierr != nil {
			logger.Error("Re-registered hardware no longer covers existing reservations",
				zap.Error(ierr))
		}
	}

	// 6. Mint the bearer credential; only a hash rests in the store. A
	// re-registration rotates the credential, invalidating the old one.
	credential, err := s.jwt.Mint(nodeID, req.WalletAddress, req.MachineID)
	if err != nil {
		return nil, fmt.Errorf("failed to mint node credential: %w", err)
	}
	hash, err := auth.HashCredential(credential)
	if err != nil {
		return nil, fmt.Errorf("failed to hash node credential: %w", err)
	}
	n.APIKeyHash = hash

	// 7. Backfill newly required system-VM obligations as Pending; the
	// obligation reconciler deploys them.
	s.backfillObligations(n, now)

	if err := s.repo.SaveNode(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to persist node %s: %w", nodeID, err)
	}

	s.events.Publish(ctx, domain.EventNodeRegistered, nodeID, nodeID, map[string]string{
		"wallet":       req.WalletAddress,
		"highest_tier": string(eval.HighestTier),
		"class":        eval.PerformanceClass,
	})

	// 8. NAT'd nodes need a relay before they can expose ports; assignment
	// must not block registration.
	if n.RequiresRelay() && s.relay != nil {
		go func() {
			rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if rerr := s.relay.EnsureRelayAssignment(rctx, nodeID); rerr != nil {
				s.logger.Warn("Relay assignment after registration failed",
					zap.String("node_id", nodeID), zap.Error(rerr))
			}
		}()
	}

	// New capacity may unblock VMs parked in Pending.
	if s.pending != nil {
		go func() {
			pctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			s.pending.SchedulePendingVMs(pctx)
		}()
	}

	logger.Info("Node registered",
		zap.Bool("re_registration", rereg),
		zap.String("highest_tier", string(eval.HighestTier)),
		zap.Float64("compute_points", n.TotalResources.ComputePoints),
		zap.Bool("requires_relay", n.RequiresRelay()))

	// 9. Hand the agent its credential and operating parameters.
	resp := &RegisterResponse{
		NodeID:                nodeID,
		PerformanceEvaluation: eval,
		APIKey:                credential,
		SchedulingConfig:      s.schedCfg,
		HeartbeatIntervalSecs: int(s.nodeCfg.HeartbeatInterval / time.Second),
		DHTBootstrapPeers:     s.bootstrapPeers(ctx, nodeID),
	}
	if s.relay != nil {
		if key, kerr := s.relay.OrchestratorPublicKey(ctx); kerr != nil {
			logger.Warn("Orchestrator WireGuard key unavailable", zap.Error(kerr))
		} else {
			resp.OrchestratorPublicKey = key
		}
	}
	return resp, nil
}

// backfillObligations appends Pending entries for every role the node's
// capabilities require but its record does not yet carry. Existing entries
// are never touched.
func (s *Service) backfillObligations(n *domain.Node, now time.Time) {
	for _, role := range requiredObligations(n) {
		if n.Obligation(role) != nil {
			continue
		}
		n.Obligations = append(n.Obligations, domain.SystemVMObligation{
			Role:      role,
			Status:    domain.ObligationPending,
			UpdatedAt: now,
		})
	}
}

// requiredObligations derives which platform workloads a node must carry.
// Every node owes a DHT peer; publicly reachable nodes owe relay and ingress
// gateways; a terabyte of disk owes a block store.
func requiredObligations(n *domain.Node) []domain.SystemVMRole {
	roles := []domain.SystemVMRole{domain.SystemVMRoleDHT}
	if !n.RequiresRelay() {
		roles = append(roles, domain.SystemVMRoleRelay, domain.SystemVMRoleIngress)
	}
	if n.TotalResources.StorageBytes >= 1<<40 {
		roles = append(roles, domain.SystemVMRoleBlockStore)
	}
	return roles
}

// bootstrapPeers assembles DHT bootstrap multiaddrs: the statically
// configured seeds first, then online nodes with a complete DHT record. The
// registering node itself is excluded.
func (s *Service) bootstrapPeers(ctx context.Context, selfID string) []string {
	peers := append([]string(nil), s.dhtCfg.BootstrapPeers...)

	nodes, err := s.repo.GetAllNodes(ctx)
	if err != nil {
		s.logger.Warn("Could not list nodes for DHT bootstrap peers", zap.Error(err))
		return peers
	}
	const maxDiscovered = 10
	discovered := 0
	for _, n := range nodes {
		if discovered >= maxDiscovered {
			break
		}
		if n.ID == selfID || !n.IsOnline() || !n.DhtInfo.IsComplete() || n.PublicIP == "" {
			continue
		}
		port := n.DhtInfo.Port
		if port == 0 {
			port = s.dhtCfg.Port
		}
		peers = append(peers, fmt.Sprintf("/ip4/%s/tcp/%d/p2p/%s", n.PublicIP, port, n.DhtInfo.PeerID))
		discovered++
	}
	return peers
}

// ============================================================================
// Heartbeat Processing
// ============================================================================

// Heartbeat ingests the agent's periodic report and returns queued commands.
// Command drain happens last so work queued while reconciling this very
// report still rides the same response.
func (s *Service) Heartbeat(ctx context.Context, nodeID string, req HeartbeatRequest) (*HeartbeatResponse, error) {
	logger := s.logger.With(
		zap.String("method", "Heartbeat"),
		zap.String("node_id", nodeID),
	)

	if nodeID == "" {
		return nil, domain.ValidationError("node id is required")
	}
	n, err := s.repo.GetNode(ctx, nodeID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Debug("Heartbeat from unknown node rejected")
			return nil, fmt.Errorf("node %s: %w", nodeID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load node %s: %w", nodeID, err)
	}

	// 1. The node is alive.
	now := time.Now()
	wasOffline := n.Status == domain.NodeStatusOffline
	n.Status = domain.NodeStatusOnline
	n.LastHeartbeatAt = now
	if req.Metrics != nil {
		m := *req.Metrics
		if m.CollectedAt.IsZero() {
			m.CollectedAt = now
		}
		n.LatestMetrics = &m
	}

	// 2. CGNAT nodes: reconcile the agent's relay view against ours.
	var cgnatUpdate *domain.CgnatInfo
	if n.RequiresRelay() && s.relay != nil {
		update, rerr := s.relay.ReconcileCgnat(ctx, n, req.CgnatInfo)
		if rerr != nil {
			logger.Warn("CGNAT reconciliation failed", zap.Error(rerr))
		} else if update != nil {
			n.CgnatInfo = update
			cgnatUpdate = update
		}
	}

	// 3. Tracked accounting is authoritative; the agent's free-resource view
	// is advisory and only worth a drift warning.
	if req.AvailableResources != nil {
		s.logResourceDrift(logger, n, *req.AvailableResources)
	}

	// 4. Offline -> online transition.
	if wasOffline {
		downtime := time.Duration(0)
		if n.Reputation.DowntimeStartedAt != nil {
			downtime = now.Sub(*n.Reputation.DowntimeStartedAt)
			n.Reputation.DowntimeStartedAt = nil
		}
		s.logger.Info("SYSTEM_EVENT: Node reconnected",
			zap.String("event_type", "NODE_RECONNECTED"),
			zap.String("node_id", n.ID),
			zap.Duration("downtime", downtime))
		s.events.Publish(ctx, domain.EventNodeReconnected, n.ID, n.ID, map[string]string{
			"downtime": downtime.String(),
		})
	}

	// 5. Fold the agent's VM observations into control-plane state.
	s.reconcileVMs(ctx, n, req.ActiveVMs)

	if ierr := n.CheckResourceInvariant(); ierr != nil {
		logger.Error("Resource invariant violated", zap.Error(ierr))
	}
	if err := s.repo.SaveNode(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to persist heartbeat for node %s: %w", nodeID, err)
	}

	resp := &HeartbeatResponse{Accepted: true, CgnatInfo: cgnatUpdate}

	// 6. Stale agents learn the current scheduling config.
	if req.SchedulingConfigVersion != s.schedCfg.Version {
		cfg := s.schedCfg
		resp.SchedulingConfig = &cfg
	}

	// 7. Deliver queued work.
	if commands := s.repo.DrainCommands(ctx, nodeID); len(commands) > 0 {
		logger.Info("Delivering queued commands", zap.Int("count", len(commands)))
		resp.Commands = commands
	}

	logger.Debug("Heartbeat processed",
		zap.Int("active_vms", len(req.ActiveVMs)),
		zap.Bool("was_offline", wasOffline))
	return resp, nil
}

// logResourceDrift warns when the agent's free-resource report disagrees
// with total − reserved beyond the configured tolerance. Reserved is never
// overwritten from a heartbeat.
func (s *Service) logResourceDrift(logger *zap.Logger, n *domain.Node, reported domain.Resources) {
	tracked := n.AvailableResources()
	tol := s.nodeCfg.DriftTolerancePercent / 100

	drifted := func(tracked, reported, total float64) bool {
		if total <= 0 {
			return false
		}
		return math.Abs(tracked-reported) > total*tol
	}

	if drifted(tracked.ComputePoints, reported.ComputePoints, n.TotalResources.ComputePoints) ||
		drifted(float64(tracked.MemoryBytes), float64(reported.MemoryBytes), float64(n.TotalResources.MemoryBytes)) ||
		drifted(float64(tracked.StorageBytes), float64(reported.StorageBytes), float64(n.TotalResources.StorageBytes)) {
		logger.Warn("Node-reported free resources drift from tracked accounting",
			zap.Float64("tracked_points", tracked.ComputePoints),
			zap.Float64("reported_points", reported.ComputePoints),
			zap.Int64("tracked_memory_bytes", tracked.MemoryBytes),
			zap.Int64("reported_memory_bytes", reported.MemoryBytes),
			zap.Int64("tracked_storage_bytes", tracked.StorageBytes),
			zap.Int64("reported_storage_bytes", reported.StorageBytes))
	}
}

// ============================================================================
// Read Accessors
// ============================================================================

// Get returns one node record.
func (s *Service) Get(ctx context.Context, nodeID string) (*domain.Node, error) {
	if nodeID == "" {
		return nil, domain.ValidationError("node id is required")
	}
	return s.repo.GetNode(ctx, nodeID)
}

// List returns every node record, sorted by id.
func (s *Service) List(ctx context.Context) ([]*domain.Node, error) {
	return s.repo.GetAllNodes(ctx)
}
