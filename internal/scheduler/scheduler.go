// Package scheduler implements VM placement. Nodes are filtered by hard
// constraints, checked against tier-adjusted capacity, then ranked by a
// weighted score over capacity, load, reputation and locality.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/config"
	"github.com/stratomesh/stratomesh/internal/domain"
)

// loadScaleCeiling normalizes load average into [0,1]: a load of 16 or more
// scores zero.
const loadScaleCeiling = 16.0

// Scheduler determines which node should host a new VM.
type Scheduler struct {
	nodes  NodeSource
	cfg    config.SchedulingConfig
	logger *zap.Logger
}

// New creates a new Scheduler instance.
func New(nodes NodeSource, cfg config.SchedulingConfig, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		nodes:  nodes,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "scheduler")),
	}
}

// Request describes one placement decision.
type Request struct {
	VirtualCPUCores int
	MemoryBytes     int64
	StorageBytes    int64
	Tier            domain.QualityTier
	PreferredRegion string
	PreferredZone   string
	RequiredArch    string
}

// Scores breaks a candidate's rank into its weighted dimensions.
type Scores struct {
	Capacity   float64 `json:"capacity"`
	Load       float64 `json:"load"`
	Reputation float64 `json:"reputation"`
	Locality   float64 `json:"locality"`
	Total      float64 `json:"total"`
}

// Candidate is one node's assessment for a request. Ineligible candidates
// carry the reason they were rejected.
type Candidate struct {
	NodeID          string  `json:"node_id"`
	Eligible        bool    `json:"eligible"`
	RejectionReason string  `json:"rejection_reason,omitempty"`
	Scores          Scores  `json:"scores"`
	PointCost       float64 `json:"point_cost"`
}

// Result is a successful placement decision.
type Result struct {
	NodeID    string
	Score     float64
	PointCost float64
}

// SelectBestNode returns the highest-scoring eligible node for the request,
// or domain.ErrNoSuitableNode when nothing qualifies. Ties break by node id
// for determinism.
func (s *Scheduler) SelectBestNode(ctx context.Context, req Request) (*Result, error) {
	logger := s.logger.With(
		zap.Int("vcpu_cores", req.VirtualCPUCores),
		zap.Int64("memory_bytes", req.MemoryBytes),
		zap.String("tier", string(req.Tier)),
	)

	candidates, err := s.GetScoredNodes(ctx, req)
	if err != nil {
		return nil, err
	}

	var best *Candidate
	for i := range candidates {
		c := &candidates[i]
		if !c.Eligible {
			continue
		}
		if best == nil || c.Scores.Total > best.Scores.Total ||
			(c.Scores.Total == best.Scores.Total && c.NodeID < best.NodeID) {
			best = c
		}
	}

	if best == nil {
		logger.Warn("No suitable node for request", zap.Int("candidates", len(candidates)))
		return nil, fmt.Errorf("no node satisfies tier %s for %d vCPUs: %w",
			req.Tier, req.VirtualCPUCores, domain.ErrNoSuitableNode)
	}

	logger.Info("Scheduled placement",
		zap.String("node_id", best.NodeID),
		zap.Float64("score", best.Scores.Total),
		zap.Float64("point_cost", best.PointCost),
		zap.Int("candidates", len(candidates)),
	)

	return &Result{
		NodeID:    best.NodeID,
		Score:     best.Scores.Total,
		PointCost: best.PointCost,
	}, nil
}

// GetScoredNodes assesses every online node for the request, annotating each
// with per-dimension scores or the reason it was rejected.
func (s *Scheduler) GetScoredNodes(ctx context.Context, req Request) ([]Candidate, error) {
	nodes, err := s.nodes.GetActiveNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active nodes: %w", err)
	}

	cost, err := s.PointCost(req.VirtualCPUCores, req.Tier)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(nodes))
	for _, node := range nodes {
		candidates = append(candidates, s.assess(node, req, cost))
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].NodeID < candidates[j].NodeID })
	return candidates, nil
}

// PointCost is the compute-point charge for vCPUs at a tier.
func (s *Scheduler) PointCost(vcpus int, tier domain.QualityTier) (float64, error) {
	req, ok := s.cfg.TierFor(string(tier))
	if !ok {
		return 0, domain.ValidationError(fmt.Sprintf("unknown quality tier %q", tier))
	}
	return float64(vcpus) * s.cfg.RequiredPointsPerVCPU(req), nil
}

// assess runs one node through the filter, capacity and scoring pipeline.
func (s *Scheduler) assess(node *domain.Node, req Request, cost float64) Candidate {
	c := Candidate{NodeID: node.ID, PointCost: cost}

	if reason := s.filter(node, req); reason != "" {
		c.RejectionReason = reason
		s.logger.Debug("Node filtered",
			zap.String("node_id", node.ID), zap.String("reason", reason))
		return c
	}

	tierCap := s.CalculateTierCapacity(node, req.Tier)
	if reason := s.checkCapacity(node, req, cost, tierCap); reason != "" {
		c.RejectionReason = reason
		s.logger.Debug("Node short on capacity",
			zap.String("node_id", node.ID), zap.String("reason", reason))
		return c
	}

	c.Eligible = true
	c.Scores = s.score(node, req, cost, tierCap)
	return c
}

// filter applies the hard constraints. It returns an empty string when the
// node passes, otherwise the rejection reason.
func (s *Scheduler) filter(node *domain.Node, req Request) string {
	if node.Status != domain.NodeStatusOnline {
		return fmt.Sprintf("node status %s", node.Status)
	}
	if node.PerformanceEvaluation == nil {
		return "node has no performance evaluation"
	}
	if !node.PerformanceEvaluation.HasTier(req.Tier) {
		return fmt.Sprintf("tier %s not in eligible tiers", req.Tier)
	}
	if req.RequiredArch != "" {
		if NormalizeArch(node.HardwareInventory.Architecture) != NormalizeArch(req.RequiredArch) {
			return fmt.Sprintf("architecture %s does not match required %s",
				node.HardwareInventory.Architecture, req.RequiredArch)
		}
	}
	if m := node.LatestMetrics; m != nil {
		if m.LoadAverage > s.cfg.MaxLoadAverage {
			return fmt.Sprintf("load average %.1f exceeds limit %.1f",
				m.LoadAverage, s.cfg.MaxLoadAverage)
		}
		if m.MemoryFreeBytes < s.cfg.MinFreeMemoryMB<<20 {
			return fmt.Sprintf("free memory %d MB below minimum %d MB",
				m.MemoryFreeBytes>>20, s.cfg.MinFreeMemoryMB)
		}
	}
	return ""
}

// checkCapacity verifies the tier-adjusted remaining capacity holds the
// request and that projected utilization stays under the ceiling.
func (s *Scheduler) checkCapacity(node *domain.Node, req Request, cost float64, tierCap domain.Resources) string {
	reserved := node.ReservedResources

	remainingPoints := tierCap.ComputePoints - reserved.ComputePoints
	if remainingPoints < cost {
		return fmt.Sprintf("insufficient compute points: need %.2f, %.2f remaining at tier %s",
			cost, remainingPoints, req.Tier)
	}
	if tierCap.MemoryBytes-reserved.MemoryBytes < req.MemoryBytes {
		return fmt.Sprintf("insufficient memory: need %d, %d remaining",
			req.MemoryBytes, tierCap.MemoryBytes-reserved.MemoryBytes)
	}
	if tierCap.StorageBytes-reserved.StorageBytes < req.StorageBytes {
		return fmt.Sprintf("insufficient storage: need %d, %d remaining",
			req.StorageBytes, tierCap.StorageBytes-reserved.StorageBytes)
	}

	if tierCap.ComputePoints > 0 {
		projected := (reserved.ComputePoints + cost) / tierCap.ComputePoints * 100
		if projected > s.cfg.MaxUtilizationPercent {
			return fmt.Sprintf("projected cpu utilization %.1f%% exceeds ceiling %.1f%%",
				projected, s.cfg.MaxUtilizationPercent)
		}
	}
	if tierCap.MemoryBytes > 0 {
		projected := float64(reserved.MemoryBytes+req.MemoryBytes) / float64(tierCap.MemoryBytes) * 100
		if projected > s.cfg.MaxUtilizationPercent {
			return fmt.Sprintf("projected memory utilization %.1f%% exceeds ceiling %.1f%%",
				projected, s.cfg.MaxUtilizationPercent)
		}
	}
	return ""
}

// score computes the weighted rank of an eligible node.
func (s *Scheduler) score(node *domain.Node, req Request, cost float64, tierCap domain.Resources) Scores {
	sc := Scores{
		Capacity:   s.capacityScore(node, cost, tierCap),
		Load:       s.loadScore(node),
		Reputation: s.reputationScore(node),
		Locality:   s.localityScore(node, req),
	}
	w := s.cfg.Weights
	sc.Total = w.Capacity*sc.Capacity + w.Load*sc.Load +
		w.Reputation*sc.Reputation + w.Locality*sc.Locality
	return sc
}

// capacityScore is the fraction of tier-adjusted compute points left after
// this placement.
func (s *Scheduler) capacityScore(node *domain.Node, cost float64, tierCap domain.Resources) float64 {
	if tierCap.ComputePoints <= 0 {
		return 0
	}
	remaining := (tierCap.ComputePoints - node.ReservedResources.ComputePoints - cost) / tierCap.ComputePoints
	return clamp01(remaining)
}

// loadScore favors idle nodes. Nodes without metrics score neutral.
func (s *Scheduler) loadScore(node *domain.Node) float64 {
	if node.LatestMetrics == nil {
		return 0.5
	}
	return clamp01(1 - node.LatestMetrics.LoadAverage/loadScaleCeiling)
}

// reputationScore blends uptime and completion history. Nodes that have
// hosted nothing yet get a neutral success ratio.
func (s *Scheduler) reputationScore(node *domain.Node) float64 {
	rep := node.Reputation
	successRatio := 0.5
	if rep.TotalVMsHosted > 0 {
		successRatio = float64(rep.SuccessfulCompletions) / float64(rep.TotalVMsHosted)
	}
	return clamp01(0.7*(rep.UptimePercent/100) + 0.3*successRatio)
}

// localityScore ranks region/zone affinity. Requests without a preference
// score every node neutrally; mismatches score zero but stay eligible so the
// request falls through to global candidates.
func (s *Scheduler) localityScore(node *domain.Node, req Request) float64 {
	if req.PreferredRegion == "" && req.PreferredZone == "" {
		return 0.5
	}
	if node.Region == req.PreferredRegion {
		if req.PreferredZone != "" && node.Zone == req.PreferredZone {
			return 1.0
		}
		return 0.7
	}
	return 0.0
}

// CalculateTierCapacity scales the node's raw capacity to the tier's
// schedulable capacity. Compute points scale by the tier's overcommit ratio
// normalized against the largest configured ratio, so no tier's capacity ever
// exceeds the raw total; memory and storage apply their ratios directly
// (validated to never exceed 1).
func (s *Scheduler) CalculateTierCapacity(node *domain.Node, tier domain.QualityTier) domain.Resources {
	req, ok := s.cfg.TierFor(string(tier))
	if !ok {
		return domain.Resources{}
	}
	total := node.TotalResources
	return domain.Resources{
		ComputePoints: math.Floor(total.ComputePoints*req.CPUOvercommitRatio) / s.cfg.CPUOvercommitBaseline(),
		MemoryBytes:   int64(float64(total.MemoryBytes) * req.MemoryOvercommitRatio),
		StorageBytes:  int64(float64(total.StorageBytes) * req.StorageOvercommitRatio),
	}
}

// archAliases maps architecture spellings to one canonical form.
var archAliases = map[string]string{
	"x86_64":  "amd64",
	"amd64":   "amd64",
	"x64":     "amd64",
	"aarch64": "arm64",
	"arm64":   "arm64",
	"i686":    "386",
	"i386":    "386",
	"x86":     "386",
	"armv7l":  "arm",
	"armv7":   "arm",
	"arm":     "arm",
}

// NormalizeArch canonicalizes an architecture string; unknown values pass
// through unchanged so exotic platforms still compare equal to themselves.
func NormalizeArch(arch string) string {
	if canonical, ok := archAliases[arch]; ok {
		return canonical
	}
	return arch
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
