package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/domain"
	"github.com/stratomesh/stratomesh/internal/services/node"
)

const (
	demoWallet    = "0x00000000000000000000000000000000000000d1"
	demoMachineID = "demo-machine-01"
)

// seedDemoData inserts one online node and one user so a memory-backed dev
// instance can schedule VMs immediately. Never runs against a durable store.
func (s *Server) seedDemoData(ctx context.Context) {
	logger := s.logger.Named("seed")

	inv := domain.HardwareInventory{
		CPU: domain.CPUInfo{
			Model:          "Demo vCPU",
			PhysicalCores:  16,
			BenchmarkScore: 1500,
		},
		MemoryBytes: 64 << 30,
		StorageDevices: []domain.StorageDevice{
			{Name: "nvme0n1", Type: "nvme", SizeBytes: 1 << 40},
		},
		Network: domain.NetworkInventory{
			NATType:      domain.NATTypeNone,
			PublicIP:     "127.0.0.1",
			UploadMbps:   1000,
			DownloadMbps: 1000,
		},
		Architecture: "x86_64",
	}

	eval := s.evaluator.Evaluate(inv)
	if !eval.Acceptable {
		logger.Warn("Demo inventory fails the performance floor, skipping seed",
			zap.String("reason", eval.RejectionReason))
		return
	}

	nodeID := node.DeriveNodeID(demoMachineID, demoWallet)
	if _, err := s.data.GetNode(ctx, nodeID); err == nil {
		logger.Debug("Demo node already present, skipping seed")
		return
	}

	now := time.Now()
	n := &domain.Node{
		ID:                      nodeID,
		MachineID:               demoMachineID,
		OwnerWallet:             demoWallet,
		PublicIP:                "127.0.0.1",
		AgentPort:               8850,
		HardwareInventory:       inv,
		Status:                  domain.NodeStatusOnline,
		LastHeartbeatAt:         now,
		Reputation:              domain.Reputation{UptimePercent: 100},
		PerformanceEvaluation:   eval,
		TotalResources:          s.evaluator.TotalCapacity(inv, eval),
		SchedulingConfigVersion: s.evaluator.ConfigVersion(),
		RegisteredAt:            now,
	}
	if err := s.data.SaveNode(ctx, n); err != nil {
		logger.Error("Failed to seed demo node", zap.Error(err))
		return
	}

	if _, err := s.users.GetOrCreate(ctx, "", demoWallet); err != nil {
		logger.Error("Failed to seed demo user", zap.Error(err))
		return
	}

	logger.Info("Seeded demo data",
		zap.String("node_id", nodeID),
		zap.String("wallet", demoWallet),
		zap.String("tier", string(eval.HighestTier)),
	)
}
