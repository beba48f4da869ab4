package node

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/domain"
)

// RunWatchdog periodically sweeps for nodes whose heartbeats stopped. Every
// instance keeps the loop running so leadership can move without restarts;
// only the current leader acts.
func (s *Service) RunWatchdog(ctx context.Context, leader LeaderChecker) {
	interval := s.nodeCfg.WatchdogInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Node watchdog started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Node watchdog stopped")
			return
		case <-ticker.C:
			if leader != nil && !leader.IsLeader() {
				continue
			}
			s.CheckStaleNodes(ctx)
		}
	}
}

// CheckStaleNodes marks nodes silent past the offline threshold as Offline
// and fails their Running VMs. Already-offline nodes accumulate missed
// heartbeats on their reputation.
func (s *Service) CheckStaleNodes(ctx context.Context) {
	nodes, err := s.repo.GetAllNodes(ctx)
	if err != nil {
		s.logger.Error("Watchdog could not list nodes", zap.Error(err))
		return
	}

	threshold := s.nodeCfg.OfflineThreshold
	if threshold <= 0 {
		threshold = 2 * time.Minute
	}
	now := time.Now()

	for _, n := range nodes {
		switch n.Status {
		case domain.NodeStatusOnline:
			if now.Sub(n.LastHeartbeatAt) > threshold {
				s.markNodeOffline(ctx, n, now)
			}
		case domain.NodeStatusOffline:
			s.recordMissedHeartbeat(ctx, n, now)
		}
	}
}

// markNodeOffline transitions one node to Offline, starts downtime tracking,
// and fails every Running VM it hosted. Transitional VMs keep their status:
// their pending commands expire through the sweeper instead.
func (s *Service) markNodeOffline(ctx context.Context, n *domain.Node, now time.Time) {
	n.Status = domain.NodeStatusOffline
	if n.Reputation.DowntimeStartedAt == nil {
		started := n.LastHeartbeatAt
		n.Reputation.DowntimeStartedAt = &started
	}
	s.bumpMissedHeartbeats(n, now)

	var affected []string
	vms, err := s.repo.GetActiveVMsByNode(ctx, n.ID)
	if err != nil {
		s.logger.Error("Watchdog could not list node VMs",
			zap.String("node_id", n.ID), zap.Error(err))
	} else {
		for _, v := range vms {
			if !v.IsRunning() {
				continue
			}
			affected = append(affected, v.ID)
			if terr := s.lifecycle.Transition(ctx, v, domain.VMStatusError, "Hosting node went offline"); terr != nil {
				s.logger.Error("Could not fail VM on offline node",
					zap.String("vm_id", v.ID), zap.Error(terr))
			}
		}
	}

	if err := s.repo.SaveNode(ctx, n); err != nil {
		s.logger.Error("Could not persist offline node",
			zap.String("node_id", n.ID), zap.Error(err))
		return
	}

	s.logger.Error("SYSTEM_EVENT: Node went offline",
		zap.String("event_type", "NODE_OFFLINE"),
		zap.String("node_id", n.ID),
		zap.Time("last_heartbeat_at", n.LastHeartbeatAt),
		zap.Strings("affected_vm_ids", affected))
	s.events.Publish(ctx, domain.EventNodeOffline, n.ID, n.ID, map[string]string{
		"affected_vms": strings.Join(affected, ","),
	})
}

// recordMissedHeartbeat bumps the reputation counter of a node that is
// already offline.
func (s *Service) recordMissedHeartbeat(ctx context.Context, n *domain.Node, now time.Time) {
	s.bumpMissedHeartbeats(n, now)
	if err := s.repo.SaveNode(ctx, n); err != nil {
		s.logger.Warn("Could not persist reputation update",
			zap.String("node_id", n.ID), zap.Error(err))
	}
}

// bumpMissedHeartbeats increments the per-day missed-heartbeat counter.
func (s *Service) bumpMissedHeartbeats(n *domain.Node, now time.Time) {
	if n.Reputation.FailedHeartbeats == nil {
		n.Reputation.FailedHeartbeats = make(map[string]int)
	}
	n.Reputation.FailedHeartbeats[now.Format("2006-01-02")]++
}

// ============================================================================
// Command Sweeper
// ============================================================================

// RunCommandSweeper reaps command registrations that never received an ack.
// Commands ride heartbeat responses, so a node that stops polling strands
// its registrations; sweeping keeps the registry bounded and makes the loss
// visible.
func (s *Service) RunCommandSweeper(ctx context.Context, leader LeaderChecker) {
	interval := s.nodeCfg.CommandSweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	maxAge := s.nodeCfg.CommandExpiry
	if maxAge <= 0 {
		maxAge = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Command sweeper started",
		zap.Duration("interval", interval),
		zap.Duration("max_age", maxAge))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Command sweeper stopped")
			return
		case <-ticker.C:
			if leader != nil && !leader.IsLeader() {
				continue
			}
			s.SweepStaleCommands(ctx, maxAge)
		}
	}
}

// SweepStaleCommands expires unacknowledged registrations and emits an
// orphaned-command event for each. It never synthesizes acknowledgments;
// the affected VMs keep whatever status their command left them in.
func (s *Service) SweepStaleCommands(ctx context.Context, maxAge time.Duration) {
	swept, err := s.repo.SweepExpiredCommands(ctx, maxAge)
	if err != nil {
		s.logger.Error("Command sweep failed", zap.Error(err))
		return
	}
	for _, reg := range swept {
		s.logger.Error("SYSTEM_EVENT: Command expired without acknowledgment",
			zap.String("event_type", "COMMAND_ORPHANED"),
			zap.String("command_id", reg.CommandID),
			zap.String("vm_id", reg.VMID),
			zap.String("node_id", reg.NodeID),
			zap.String("command_type", string(reg.Type)))
		s.events.Publish(ctx, domain.EventCommandOrphaned, reg.CommandID, reg.NodeID, map[string]string{
			"vm_id":        reg.VMID,
			"command_type": string(reg.Type),
		})
	}
}
