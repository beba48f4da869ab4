package node

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/domain"
)

// peerIDPattern extracts a libp2p peer id from a service status line, e.g.
// "bootstrapped peerId=12D3KooWEyoppNCUx8Yx66oV9fJnriXwCcXwDDUA2kj6vnc6iDEp".
var peerIDPattern = regexp.MustCompile(`peerId=([A-Za-z0-9]{20,})`)

// reconcileVMs folds the agent's per-VM observations into control-plane
// records. Known VMs are updated in place; unknown ones with an owner are
// recovered. The node record n is mutated (DhtInfo, reservations for
// recovered VMs) and persisted by the caller.
func (s *Service) reconcileVMs(ctx context.Context, n *domain.Node, reports []ActiveVMReport) {
	for _, rep := range reports {
		if rep.VMID == "" {
			continue
		}
		v, err := s.repo.GetVM(ctx, rep.VMID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				s.recoverOrphan(ctx, n, rep)
			} else {
				s.logger.Warn("Could not load reported VM",
					zap.String("vm_id", rep.VMID), zap.Error(err))
			}
			continue
		}
		s.reconcileKnownVM(ctx, n, v, rep)
	}
}

// reconcileKnownVM applies one report to an existing record. Transitional
// statuses are command-managed and never overwritten by a report; discovered
// network details always win.
func (s *Service) reconcileKnownVM(ctx context.Context, n *domain.Node, v *domain.VirtualMachine, rep ActiveVMReport) {
	logger := s.logger.With(
		zap.String("vm_id", v.ID),
		zap.String("node_id", n.ID),
	)

	changed := false

	if rep.PrivateIP != "" && rep.PrivateIP != v.Network.PrivateIP {
		v.Network.PrivateIP = rep.PrivateIP
		changed = true
	}
	if rep.VNCHost != "" && (rep.VNCHost != v.Access.VNCHost || rep.VNCPort != v.Access.VNCPort) {
		v.Access.VNCHost = rep.VNCHost
		v.Access.VNCPort = rep.VNCPort
		changed = true
	}

	if s.mergeServiceReports(v, rep.Services) {
		changed = true
	}

	// A DHT host whose record went missing rebuilds it from the running peer.
	if v.IsSystem() && v.Labels[domain.LabelSystemRole] == string(domain.SystemVMRoleDHT) && !n.DhtInfo.IsComplete() {
		if peerID := extractPeerID(rep.Services); peerID != "" {
			now := time.Now()
			n.DhtInfo = &domain.DhtInfo{
				VMID:      v.ID,
				PeerID:    peerID,
				Port:      s.dhtCfg.Port,
				UpdatedAt: &now,
			}
			logger.Info("Rebuilt DHT record from heartbeat", zap.String("peer_id", peerID))
		}
	}

	target, known := parseReportedState(rep.State)
	if known && target == domain.VMStatusRunning {
		if ps := parsePowerState(rep.State); ps != "" && ps != v.PowerState && !v.IsTransitional() {
			v.PowerState = ps
			changed = true
		}
	}

	transitioned := false
	switch {
	case !known:
		if rep.State != "" {
			logger.Debug("Unrecognized reported state", zap.String("state", rep.State))
		}
	case v.IsTransitional():
		// A pending command owns the status; a stale report must not undo
		// Provisioning, Stopping, or Deleting.
		logger.Debug("Skipping status reconciliation for command-managed VM",
			zap.String("status", string(v.Status)),
			zap.String("reported", rep.State))
	case target != v.Status:
		if !domain.CanTransition(v.Status, target) {
			logger.Warn("Reported state would need an illegal transition",
				zap.String("from", string(v.Status)),
				zap.String("reported", rep.State))
			break
		}
		msg := fmt.Sprintf("Reconciled from node report (%s)", strings.ToLower(rep.State))
		if err := s.lifecycle.Transition(ctx, v, target, msg); err != nil {
			logger.Warn("Reconciliation transition failed", zap.Error(err))
		} else {
			transitioned = true
		}
	}

	if transitioned {
		// The transition persisted the record together with the detail
		// updates above.
		return
	}
	if changed {
		if err := s.repo.SaveVM(ctx, v); err != nil {
			logger.Warn("Could not persist reconciled VM details", zap.Error(err))
		}
	}
}

// recoverOrphan rebuilds a control-plane record for a workload the node
// still hosts but the store no longer knows. The agent echoes the VM's spec
// in its reports exactly for this case. Reports without an owner are
// unrecoverable and only logged.
func (s *Service) recoverOrphan(ctx context.Context, n *domain.Node, rep ActiveVMReport) {
	logger := s.logger.With(
		zap.String("vm_id", rep.VMID),
		zap.String("node_id", n.ID),
	)

	if rep.OwnerID == "" {
		logger.Warn("Node reports unknown VM without an owner, cannot recover",
			zap.String("name", rep.Name))
		return
	}

	var spec domain.VMSpec
	var cost float64
	var multiplier float64
	if rep.Spec != nil {
		tier := domain.CanonicalTier(rep.Spec.QualityTier)
		spec = domain.VMSpec{
			VirtualCPUCores: rep.Spec.VirtualCPUCores,
			MemoryBytes:     rep.Spec.MemoryBytes,
			DiskBytes:       rep.Spec.DiskBytes,
			ImageID:         rep.Spec.ImageID,
			QualityTier:     tier,
		}
		if c, err := s.evaluator.CostFor(spec.VirtualCPUCores, tier); err == nil {
			cost = c
			multiplier = s.evaluator.PriceMultiplier(tier)
		}
	}

	name := rep.Name
	if name == "" {
		name = "recovered-" + rep.VMID
	}

	labels := make(map[string]string, len(rep.Labels)+2)
	for k, val := range rep.Labels {
		labels[k] = val
	}
	labels[domain.LabelRecovered] = "true"
	labels[domain.LabelRecoveryNode] = n.ID

	vmType := domain.VMTypeGeneral
	if rep.OwnerID == domain.SystemOwnerID {
		vmType = domain.VMTypeSystem
	}

	state, known := parseReportedState(rep.State)
	running := known && state == domain.VMStatusRunning

	// Non-running orphans are born in their observed status; running ones
	// pass through the lifecycle so ingress and billing fire as usual.
	status := domain.VMStatusProvisioning
	power := domain.PowerState("")
	if known && !running {
		status = state
		if state == domain.VMStatusStopped {
			power = domain.PowerStateOff
		}
	}

	now := time.Now()
	v := &domain.VirtualMachine{
		ID:          rep.VMID,
		Name:        name,
		OwnerID:     rep.OwnerID,
		OwnerWallet: rep.OwnerWallet,
		Type:        vmType,
		Spec:        spec,
		Status:      status,
		PowerState:  power,
		NodeID:      n.ID,
		Network:     domain.NetworkConfig{PrivateIP: rep.PrivateIP},
		Access:      domain.AccessInfo{VNCHost: rep.VNCHost, VNCPort: rep.VNCPort},
		Billing:     domain.BillingInfo{ComputePointCost: cost, TierMultiplier: multiplier},
		Labels:      labels,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.repo.SaveVM(ctx, v); err != nil {
		logger.Error("Failed to persist recovered VM", zap.Error(err))
		return
	}

	// The workload occupies real capacity; charge it against the node record
	// the caller is about to persist.
	if res := v.ReservedResources(); !res.IsZero() {
		n.ReservedResources = n.ReservedResources.Add(res)
	}

	s.logger.Info("SYSTEM_EVENT: Recovered orphaned VM from node report",
		zap.String("event_type", "VM_RECOVERED"),
		zap.String("vm_id", v.ID),
		zap.String("node_id", n.ID),
		zap.String("owner_id", v.OwnerID),
		zap.String("state", rep.State))
	s.events.Publish(ctx, domain.EventVMRecovered, v.ID, n.ID, map[string]string{
		"name":     v.Name,
		"owner_id": v.OwnerID,
	})

	if running {
		if err := s.lifecycle.Transition(ctx, v, domain.VMStatusRunning, "Recovered from node report"); err != nil {
			logger.Warn("Could not transition recovered VM to Running", zap.Error(err))
		}
	}
}

// mergeServiceReports folds readiness observations into the VM's service
// table. A service that reached Ready never regresses to TimedOut: the
// agent's local timer may expire after the service actually came up.
func (s *Service) mergeServiceReports(v *domain.VirtualMachine, reports []ServiceReport) bool {
	changed := false
	for _, rep := range reports {
		svc := v.Service(rep.Name)
		if svc == nil {
			continue
		}
		state, ok := parseServiceState(rep.Status)
		if !ok {
			continue
		}
		if svc.Status == domain.ServiceStateReady && state == domain.ServiceStateTimedOut {
			continue
		}
		if svc.Status == state && svc.StatusMessage == rep.StatusMessage {
			continue
		}
		svc.Status = state
		svc.StatusMessage = rep.StatusMessage
		if state == domain.ServiceStateReady && svc.ReadyAt == nil {
			if rep.ReadyAt != nil {
				svc.ReadyAt = rep.ReadyAt
			} else {
				readyAt := time.Now()
				svc.ReadyAt = &readyAt
			}
		}
		changed = true
	}
	return changed
}

// extractPeerID scans reported service messages for a libp2p peer id,
// preferring the implicit System service.
func extractPeerID(reports []ServiceReport) string {
	var fallback string
	for _, rep := range reports {
		m := peerIDPattern.FindStringSubmatch(rep.StatusMessage)
		if m == nil {
			continue
		}
		if rep.Name == domain.SystemServiceName {
			return m[1]
		}
		if fallback == "" {
			fallback = m[1]
		}
	}
	return fallback
}

// parseReportedState maps agent state strings onto lifecycle statuses.
func parseReportedState(state string) (domain.VMStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "running", "paused":
		return domain.VMStatusRunning, true
	case "stopped", "shutoff", "off":
		return domain.VMStatusStopped, true
	case "crashed", "error", "failed":
		return domain.VMStatusError, true
	default:
		return "", false
	}
}

// parsePowerState maps agent state strings onto hypervisor power states.
func parsePowerState(state string) domain.PowerState {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "running":
		return domain.PowerStateRunning
	case "paused":
		return domain.PowerStatePaused
	case "stopped", "shutoff", "off":
		return domain.PowerStateOff
	}
	return ""
}

// parseServiceState maps agent readiness strings onto service states.
func parseServiceState(state string) (domain.ServiceState, bool) {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "pending", "waiting":
		return domain.ServiceStatePending, true
	case "ready", "healthy":
		return domain.ServiceStateReady, true
	case "failed":
		return domain.ServiceStateFailed, true
	case "timedout", "timed_out", "timeout":
		return domain.ServiceStateTimedOut, true
	default:
		return "", false
	}
}
