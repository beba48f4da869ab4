package system

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/config"
	"github.com/stratomesh/stratomesh/internal/domain"
	"github.com/stratomesh/stratomesh/internal/services/vm"
)

// Reconciler drives system-VM obligations to Ready: it deploys VMs for
// Pending obligations, promotes them when the agent reports the VM running,
// and redeploys workloads whose VMs died.
type Reconciler struct {
	repo    Repository
	vms     VMManager
	gateway GatewayManager
	cfg     config.SystemConfig
	logger  *zap.Logger
}

// NewReconciler wires the obligation reconciler.
func NewReconciler(repo Repository, vms VMManager, gateway GatewayManager, cfg config.SystemConfig, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		repo:    repo,
		vms:     vms,
		gateway: gateway,
		cfg:     cfg,
		logger:  logger.Named("system-reconciler"),
	}
}

// Run loops reconciliation until ctx is cancelled. Every instance keeps the
// loop running so leadership can move without restarts; only the current
// leader acts.
func (r *Reconciler) Run(ctx context.Context, leader LeaderChecker) {
	interval := r.cfg.ReconcileInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("Obligation reconciler started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Obligation reconciler stopped")
			return
		case <-ticker.C:
			if leader != nil && !leader.IsLeader() {
				continue
			}
			r.ReconcileObligations(ctx)
		}
	}
}

// ReconcileObligations performs one pass over every online node's
// obligations. Each obligation advances at most one state per pass.
func (r *Reconciler) ReconcileObligations(ctx context.Context) {
	nodes, err := r.repo.GetAllNodes(ctx)
	if err != nil {
		r.logger.Error("Reconciler could not list nodes", zap.Error(err))
		return
	}

	for _, n := range nodes {
		// Offline nodes cannot poll commands; their obligations heal once
		// they come back.
		if !n.IsOnline() || len(n.Obligations) == 0 {
			continue
		}
		for _, ob := range n.Obligations {
			r.reconcileObligation(ctx, n, ob)
		}
	}
}

// reconcileObligation advances one obligation. The node pointer is the
// enumeration snapshot and is treated read-only here: the gateway manager
// saves node records itself, so transitions go through setObligation, which
// re-loads before writing.
func (r *Reconciler) reconcileObligation(ctx context.Context, n *domain.Node, ob domain.SystemVMObligation) {
	logger := r.logger.With(
		zap.String("node_id", n.ID),
		zap.String("role", string(ob.Role)))

	switch ob.Status {
	case domain.ObligationPending:
		r.deploy(ctx, n, ob, logger)
	case domain.ObligationDeploying:
		r.checkDeployment(ctx, n, ob, logger)
	case domain.ObligationReady:
		r.checkHealth(ctx, n, ob, logger)
	case domain.ObligationFailed:
		r.checkFailed(ctx, n, ob, logger)
	}
}

// deploy creates the system VM for a Pending obligation. Errors leave the
// obligation Pending; the next pass retries.
func (r *Reconciler) deploy(ctx context.Context, n *domain.Node, ob domain.SystemVMObligation, logger *zap.Logger) {
	spec, ok := r.cfg.SpecFor(string(ob.Role))
	if !ok {
		logger.Warn("No VM spec configured for system role")
		return
	}

	labels := map[string]string{domain.LabelSystemRole: string(ob.Role)}
	if ob.Role == domain.SystemVMRoleRelay {
		gwLabels, err := r.gateway.PrepareRelay(ctx, n)
		if err != nil {
			// A live gateway means a previous deployment survived a lost
			// obligation record; adopt it instead of provisioning twice.
			if errors.Is(err, domain.ErrInvalidArgument) && n.RelayInfo != nil && n.RelayInfo.VMID != "" {
				logger.Info("Adopting existing relay gateway", zap.String("vm_id", n.RelayInfo.VMID))
				r.setObligation(ctx, n.ID, ob.Role, domain.ObligationReady, n.RelayInfo.VMID, logger)
				return
			}
			logger.Warn("Could not prepare relay gateway", zap.Error(err))
			return
		}
		for k, v := range gwLabels {
			labels[k] = v
		}
	}

	result, err := r.vms.Create(ctx, vm.CreateRequest{
		Name:    systemVMName(ob.Role, n.ID),
		OwnerID: domain.SystemOwnerID,
		Type:    domain.VMTypeSystem,
		Spec: domain.VMSpec{
			VirtualCPUCores: spec.CPUCores,
			MemoryBytes:     spec.MemoryMB << 20,
			DiskBytes:       spec.DiskGB << 30,
			ImageID:         spec.ImageID,
			QualityTier:     domain.TierBurstable,
		},
		Labels:       labels,
		TargetNodeID: n.ID,
	})
	if err != nil {
		logger.Error("System VM creation failed", zap.Error(err))
		return
	}

	logger.Info("SYSTEM_EVENT: System VM deployment started",
		zap.String("event_type", "OBLIGATION_DEPLOYING"),
		zap.String("vm_id", result.VM.ID))
	r.setObligation(ctx, n.ID, ob.Role, domain.ObligationDeploying, result.VM.ID, logger)
}

// checkDeployment watches a Deploying obligation's VM. Running completes the
// deployment (relay gateways activate and cross-peer first); Error fails the
// obligation; a vanished VM restarts the deployment.
func (r *Reconciler) checkDeployment(ctx context.Context, n *domain.Node, ob domain.SystemVMObligation, logger *zap.Logger) {
	rec, err := r.repo.GetVM(ctx, ob.VMID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("Deploying system VM vanished, restarting deployment",
				zap.String("vm_id", ob.VMID))
			r.setObligation(ctx, n.ID, ob.Role, domain.ObligationPending, "", logger)
			return
		}
		logger.Error("Could not load deploying system VM", zap.Error(err))
		return
	}

	switch rec.Status {
	case domain.VMStatusRunning:
		if ob.Role == domain.SystemVMRoleRelay {
			if err := r.gateway.ActivateRelay(ctx, n.ID, ob.VMID); err != nil {
				logger.Warn("Relay gateway activation failed, will retry", zap.Error(err))
				return
			}
		}
		logger.Info("SYSTEM_EVENT: System VM ready",
			zap.String("event_type", "OBLIGATION_READY"),
			zap.String("vm_id", ob.VMID))
		r.setObligation(ctx, n.ID, ob.Role, domain.ObligationReady, ob.VMID, logger)
	case domain.VMStatusError:
		logger.Error("SYSTEM_EVENT: System VM deployment failed",
			zap.String("event_type", "OBLIGATION_FAILED"),
			zap.String("vm_id", ob.VMID),
			zap.String("vm_status_message", rec.StatusMessage))
		r.setObligation(ctx, n.ID, ob.Role, domain.ObligationFailed, ob.VMID, logger)
	case domain.VMStatusDeleted:
		r.setObligation(ctx, n.ID, ob.Role, domain.ObligationPending, "", logger)
	default:
		// Pending or Provisioning: the scheduler and agent are still working.
	}
}

// checkHealth redeploys a Ready obligation whose VM stopped serving. Relay
// gateways are downgraded first so assignment stops routing peers to them.
func (r *Reconciler) checkHealth(ctx context.Context, n *domain.Node, ob domain.SystemVMObligation, logger *zap.Logger) {
	rec, err := r.repo.GetVM(ctx, ob.VMID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		logger.Error("Could not load system VM for health check", zap.Error(err))
		return
	}
	if err == nil && (rec.Status == domain.VMStatusRunning || rec.IsTransitional()) {
		return
	}

	state := "missing"
	if err == nil {
		state = string(rec.Status)
	}
	logger.Error("SYSTEM_EVENT: System VM stopped serving",
		zap.String("event_type", "OBLIGATION_DEGRADED"),
		zap.String("vm_id", ob.VMID),
		zap.String("vm_state", state))

	if ob.Role == domain.SystemVMRoleRelay {
		if gerr := r.gateway.SetGatewayStatus(ctx, n.ID, domain.RelayStatusOffline); gerr != nil {
			logger.Warn("Could not downgrade relay gateway", zap.Error(gerr))
		}
	}
	if err == nil && rec.Status != domain.VMStatusDeleted {
		if derr := r.vms.Delete(ctx, ob.VMID); derr != nil {
			logger.Warn("Could not delete dead system VM",
				zap.String("vm_id", ob.VMID), zap.Error(derr))
		}
	}
	r.setObligation(ctx, n.ID, ob.Role, domain.ObligationPending, "", logger)
}

// checkFailed retries a Failed obligation once its VM record is gone. A VM
// still sitting in Error is held for diagnosis; deleting it (operator or
// cleanup) re-arms the deployment.
func (r *Reconciler) checkFailed(ctx context.Context, n *domain.Node, ob domain.SystemVMObligation, logger *zap.Logger) {
	if ob.VMID == "" {
		r.setObligation(ctx, n.ID, ob.Role, domain.ObligationPending, "", logger)
		return
	}
	rec, err := r.repo.GetVM(ctx, ob.VMID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			r.setObligation(ctx, n.ID, ob.Role, domain.ObligationPending, "", logger)
		}
		return
	}
	if rec.Status == domain.VMStatusDeleted {
		r.setObligation(ctx, n.ID, ob.Role, domain.ObligationPending, "", logger)
	}
}

// setObligation applies one obligation transition to a freshly loaded node
// record. The gateway manager saves node records during reconciliation, so
// writing the enumeration snapshot back would clobber its updates.
func (r *Reconciler) setObligation(ctx context.Context, nodeID string, role domain.SystemVMRole, status domain.ObligationStatus, vmID string, logger *zap.Logger) {
	n, err := r.repo.GetNode(ctx, nodeID)
	if err != nil {
		logger.Error("Could not reload node for obligation update", zap.Error(err))
		return
	}
	ob := n.Obligation(role)
	if ob == nil {
		return
	}
	ob.Status = status
	ob.VMID = vmID
	ob.UpdatedAt = time.Now()
	if err := r.repo.SaveNode(ctx, n); err != nil {
		logger.Error("Could not persist obligation update", zap.Error(err))
	}
}

// systemVMName derives a stable, readable name for a node's platform
// workload. System names bypass canonicalization, so the node fragment keeps
// redeployments distinguishable in listings.
func systemVMName(role domain.SystemVMRole, nodeID string) string {
	short := nodeID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("sys-%s-%s", strings.ToLower(string(role)), short)
}
