package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/config"
	"github.com/stratomesh/stratomesh/internal/domain"
)

type mockNodeSource struct {
	nodes map[string]*domain.Node
}

func newMockNodeSource() *mockNodeSource {
	return &mockNodeSource{nodes: make(map[string]*domain.Node)}
}

func (m *mockNodeSource) GetActiveNodes(ctx context.Context) ([]*domain.Node, error) {
	var result []*domain.Node
	for _, n := range m.nodes {
		result = append(result, n)
	}
	return result, nil
}

func (m *mockNodeSource) GetNode(ctx context.Context, id string) (*domain.Node, error) {
	n, ok := m.nodes[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return n, nil
}

func testConfig() config.SchedulingConfig {
	return config.SchedulingConfig{
		BaselineBenchmark:        1000,
		MaxPerformanceMultiplier: 4.0,
		TierRequirements: map[string]config.TierRequirement{
			"guaranteed": {MinimumBenchmark: 1000, CPUOvercommitRatio: 1.0, MemoryOvercommitRatio: 1.0, StorageOvercommitRatio: 1.0, PriceMultiplier: 2.0},
			"standard":   {MinimumBenchmark: 750, CPUOvercommitRatio: 2.0, MemoryOvercommitRatio: 1.0, StorageOvercommitRatio: 1.0, PriceMultiplier: 1.5},
			"balanced":   {MinimumBenchmark: 500, CPUOvercommitRatio: 3.0, MemoryOvercommitRatio: 1.0, StorageOvercommitRatio: 1.0, PriceMultiplier: 1.0},
			"burstable":  {MinimumBenchmark: 250, CPUOvercommitRatio: 4.0, MemoryOvercommitRatio: 1.0, StorageOvercommitRatio: 1.0, PriceMultiplier: 0.5},
		},
		MaxUtilizationPercent: 90.0,
		MaxLoadAverage:        20.0,
		MinFreeMemoryMB:       1024,
		Weights:               config.ScoringWeights{Capacity: 0.4, Load: 0.2, Reputation: 0.2, Locality: 0.2},
	}
}

// testNode builds an online node with 32 compute points, 64 GiB memory and
// 1 TiB storage, eligible for every tier.
func testNode(id string) *domain.Node {
	return &domain.Node{
		ID:     id,
		Status: domain.NodeStatusOnline,
		TotalResources: domain.Resources{
			ComputePoints: 32,
			MemoryBytes:   64 << 30,
			StorageBytes:  1 << 40,
		},
		HardwareInventory: domain.HardwareInventory{
			Architecture: "x86_64",
		},
		PerformanceEvaluation: &domain.NodePerformanceEvaluation{
			Acceptable: true,
			EligibleTiers: []domain.QualityTier{
				domain.TierBurstable, domain.TierBalanced,
				domain.TierStandard, domain.TierGuaranteed,
			},
			HighestTier: domain.TierGuaranteed,
		},
		Reputation: domain.Reputation{UptimePercent: 100},
	}
}

func testRequest() Request {
	return Request{
		VirtualCPUCores: 2,
		MemoryBytes:     4 << 30,
		StorageBytes:    10 << 30,
		Tier:            domain.TierGuaranteed,
	}
}

func newTestScheduler(src NodeSource) *Scheduler {
	return New(src, testConfig(), zap.NewNop())
}

// =============================================================================
// Placement
// =============================================================================

func TestScheduler_SelectsEligibleNode(t *testing.T) {
	src := newMockNodeSource()
	src.nodes["node-a"] = testNode("node-a")

	result, err := newTestScheduler(src).SelectBestNode(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("SelectBestNode failed: %v", err)
	}
	if result.NodeID != "node-a" {
		t.Errorf("Expected node-a, got %s", result.NodeID)
	}
	// Guaranteed costs 1 point per vCPU at baseline benchmark.
	if result.PointCost != 2.0 {
		t.Errorf("Expected point cost 2.0, got %v", result.PointCost)
	}
}

func TestScheduler_NoNodes(t *testing.T) {
	src := newMockNodeSource()

	_, err := newTestScheduler(src).SelectBestNode(context.Background(), testRequest())
	if !errors.Is(err, domain.ErrNoSuitableNode) {
		t.Fatalf("Expected ErrNoSuitableNode, got %v", err)
	}
}

func TestScheduler_SkipsNodeWithoutTier(t *testing.T) {
	src := newMockNodeSource()

	limited := testNode("node-limited")
	limited.PerformanceEvaluation.EligibleTiers = []domain.QualityTier{domain.TierBurstable}
	limited.PerformanceEvaluation.HighestTier = domain.TierBurstable
	src.nodes["node-limited"] = limited
	src.nodes["node-full"] = testNode("node-full")

	result, err := newTestScheduler(src).SelectBestNode(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("SelectBestNode failed: %v", err)
	}
	if result.NodeID != "node-full" {
		t.Errorf("Expected node-full, got %s", result.NodeID)
	}
}

func TestScheduler_SkipsOfflineNode(t *testing.T) {
	src := newMockNodeSource()
	offline := testNode("node-a")
	offline.Status = domain.NodeStatusOffline
	src.nodes["node-a"] = offline

	_, err := newTestScheduler(src).SelectBestNode(context.Background(), testRequest())
	if !errors.Is(err, domain.ErrNoSuitableNode) {
		t.Fatalf("Expected ErrNoSuitableNode for offline fleet, got %v", err)
	}
}

func TestScheduler_DeterministicTieBreak(t *testing.T) {
	src := newMockNodeSource()
	src.nodes["node-b"] = testNode("node-b")
	src.nodes["node-a"] = testNode("node-a")

	// Identical nodes; the lexicographically smaller id must win every run.
	for i := 0; i < 5; i++ {
		result, err := newTestScheduler(src).SelectBestNode(context.Background(), testRequest())
		if err != nil {
			t.Fatalf("SelectBestNode failed: %v", err)
		}
		if result.NodeID != "node-a" {
			t.Fatalf("Expected deterministic winner node-a, got %s", result.NodeID)
		}
	}
}

// =============================================================================
// Hard filters
// =============================================================================

func TestScheduler_ArchitectureFilter(t *testing.T) {
	src := newMockNodeSource()
	src.nodes["node-a"] = testNode("node-a")

	req := testRequest()
	req.RequiredArch = "arm64"
	if _, err := newTestScheduler(src).SelectBestNode(context.Background(), req); !errors.Is(err, domain.ErrNoSuitableNode) {
		t.Fatalf("Expected arch mismatch to reject, got %v", err)
	}

	// Alias spellings compare equal after normalization.
	req.RequiredArch = "amd64"
	if _, err := newTestScheduler(src).SelectBestNode(context.Background(), req); err != nil {
		t.Fatalf("Expected x86_64 node to satisfy amd64, got %v", err)
	}
}

func TestScheduler_LoadAverageFilter(t *testing.T) {
	src := newMockNodeSource()
	busy := testNode("node-a")
	busy.LatestMetrics = &domain.NodeMetrics{
		LoadAverage:     25.0,
		MemoryFreeBytes: 32 << 30,
	}
	src.nodes["node-a"] = busy

	_, err := newTestScheduler(src).SelectBestNode(context.Background(), testRequest())
	if !errors.Is(err, domain.ErrNoSuitableNode) {
		t.Fatalf("Expected overloaded node to reject, got %v", err)
	}
}

func TestScheduler_FreeMemoryFilter(t *testing.T) {
	src := newMockNodeSource()
	starved := testNode("node-a")
	starved.LatestMetrics = &domain.NodeMetrics{
		LoadAverage:     1.0,
		MemoryFreeBytes: 512 << 20, // below the 1024 MB floor
	}
	src.nodes["node-a"] = starved

	_, err := newTestScheduler(src).SelectBestNode(context.Background(), testRequest())
	if !errors.Is(err, domain.ErrNoSuitableNode) {
		t.Fatalf("Expected memory-starved node to reject, got %v", err)
	}
}

// =============================================================================
// Capacity
// =============================================================================

func TestScheduler_TierCapacityNormalization(t *testing.T) {
	s := newTestScheduler(newMockNodeSource())
	node := testNode("node-a")

	// Overcommit baseline is 4.0 (the burstable ratio). Guaranteed at 1.0
	// exposes a quarter of the raw points; burstable exposes all of them.
	guaranteed := s.CalculateTierCapacity(node, domain.TierGuaranteed)
	if guaranteed.ComputePoints != 8 {
		t.Errorf("Expected 8 guaranteed points, got %v", guaranteed.ComputePoints)
	}
	burstable := s.CalculateTierCapacity(node, domain.TierBurstable)
	if burstable.ComputePoints != 32 {
		t.Errorf("Expected 32 burstable points, got %v", burstable.ComputePoints)
	}
	if guaranteed.MemoryBytes != node.TotalResources.MemoryBytes {
		t.Errorf("Memory ratio 1.0 must pass capacity through, got %d", guaranteed.MemoryBytes)
	}
}

func TestScheduler_InsufficientPoints(t *testing.T) {
	src := newMockNodeSource()
	full := testNode("node-a")
	full.ReservedResources = domain.Resources{ComputePoints: 7}
	src.nodes["node-a"] = full

	// Guaranteed capacity is 8 points; 7 reserved leaves 1, request needs 2.
	_, err := newTestScheduler(src).SelectBestNode(context.Background(), testRequest())
	if !errors.Is(err, domain.ErrNoSuitableNode) {
		t.Fatalf("Expected capacity rejection, got %v", err)
	}

	candidates, err := newTestScheduler(src).GetScoredNodes(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("GetScoredNodes failed: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Eligible {
		t.Fatalf("Expected one ineligible candidate, got %+v", candidates)
	}
	if !strings.Contains(candidates[0].RejectionReason, "insufficient compute points") {
		t.Errorf("Unexpected rejection reason: %s", candidates[0].RejectionReason)
	}
}

func TestScheduler_UtilizationCeiling(t *testing.T) {
	src := newMockNodeSource()
	hot := testNode("node-a")
	hot.ReservedResources = domain.Resources{ComputePoints: 6.5}
	src.nodes["node-a"] = hot

	// 1 guaranteed vCPU fits the remaining 1.5 points, but lands at 93.75%
	// of tier capacity, over the 90% ceiling.
	req := testRequest()
	req.VirtualCPUCores = 1
	req.MemoryBytes = 1 << 30

	_, err := newTestScheduler(src).SelectBestNode(context.Background(), req)
	if !errors.Is(err, domain.ErrNoSuitableNode) {
		t.Fatalf("Expected utilization ceiling rejection, got %v", err)
	}
}

func TestScheduler_PointCost(t *testing.T) {
	s := newTestScheduler(newMockNodeSource())

	cost, err := s.PointCost(4, domain.TierBurstable)
	if err != nil {
		t.Fatalf("PointCost failed: %v", err)
	}
	if cost != 1.0 {
		t.Errorf("Expected 4 burstable vCPUs to cost 1.0 points, got %v", cost)
	}

	cost, err = s.PointCost(4, domain.TierGuaranteed)
	if err != nil {
		t.Fatalf("PointCost failed: %v", err)
	}
	if cost != 4.0 {
		t.Errorf("Expected 4 guaranteed vCPUs to cost 4.0 points, got %v", cost)
	}

	if _, err := s.PointCost(1, domain.QualityTier("turbo")); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("Expected unknown tier to fail validation, got %v", err)
	}
}

// =============================================================================
// Scoring
// =============================================================================

func TestScheduler_PrefersIdleNode(t *testing.T) {
	src := newMockNodeSource()

	idle := testNode("node-idle")
	idle.LatestMetrics = &domain.NodeMetrics{LoadAverage: 0.5, MemoryFreeBytes: 32 << 30}
	busy := testNode("node-busy")
	busy.LatestMetrics = &domain.NodeMetrics{LoadAverage: 12.0, MemoryFreeBytes: 32 << 30}
	src.nodes["node-idle"] = idle
	src.nodes["node-busy"] = busy

	result, err := newTestScheduler(src).SelectBestNode(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("SelectBestNode failed: %v", err)
	}
	if result.NodeID != "node-idle" {
		t.Errorf("Expected the idle node to win, got %s", result.NodeID)
	}
}

func TestScheduler_PrefersEmptierNode(t *testing.T) {
	src := newMockNodeSource()

	empty := testNode("node-empty")
	packed := testNode("node-packed")
	packed.ReservedResources = domain.Resources{ComputePoints: 4, MemoryBytes: 16 << 30}
	src.nodes["node-empty"] = empty
	src.nodes["node-packed"] = packed

	result, err := newTestScheduler(src).SelectBestNode(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("SelectBestNode failed: %v", err)
	}
	if result.NodeID != "node-empty" {
		t.Errorf("Expected the emptier node to win, got %s", result.NodeID)
	}
}

func TestScheduler_PrefersReputableNode(t *testing.T) {
	src := newMockNodeSource()

	proven := testNode("node-proven")
	proven.Reputation = domain.Reputation{
		UptimePercent: 100, TotalVMsHosted: 20, SuccessfulCompletions: 20,
	}
	flaky := testNode("node-flaky")
	flaky.Reputation = domain.Reputation{
		UptimePercent: 50, TotalVMsHosted: 20, SuccessfulCompletions: 4,
	}
	src.nodes["node-proven"] = proven
	src.nodes["node-flaky"] = flaky

	result, err := newTestScheduler(src).SelectBestNode(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("SelectBestNode failed: %v", err)
	}
	if result.NodeID != "node-proven" {
		t.Errorf("Expected the reputable node to win, got %s", result.NodeID)
	}
}

func TestScheduler_LocalityPreference(t *testing.T) {
	src := newMockNodeSource()

	near := testNode("node-near")
	near.Region = "us-east"
	near.Zone = "us-east-1a"
	far := testNode("node-far")
	far.Region = "eu-west"
	src.nodes["node-near"] = near
	src.nodes["node-far"] = far

	req := testRequest()
	req.PreferredRegion = "us-east"
	req.PreferredZone = "us-east-1a"

	result, err := newTestScheduler(src).SelectBestNode(context.Background(), req)
	if err != nil {
		t.Fatalf("SelectBestNode failed: %v", err)
	}
	if result.NodeID != "node-near" {
		t.Errorf("Expected the in-region node to win, got %s", result.NodeID)
	}
}

func TestScheduler_ScoredNodesReportEveryCandidate(t *testing.T) {
	src := newMockNodeSource()
	src.nodes["node-ok"] = testNode("node-ok")
	offline := testNode("node-offline")
	offline.Status = domain.NodeStatusOffline
	src.nodes["node-offline"] = offline

	candidates, err := newTestScheduler(src).GetScoredNodes(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("GetScoredNodes failed: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("Expected 2 candidates, got %d", len(candidates))
	}
	// Sorted by id: node-offline, node-ok.
	if candidates[0].NodeID != "node-offline" || candidates[0].Eligible {
		t.Errorf("Expected node-offline first and ineligible, got %+v", candidates[0])
	}
	if candidates[0].RejectionReason == "" {
		t.Error("Ineligible candidate must carry a rejection reason")
	}
	if candidates[1].NodeID != "node-ok" || !candidates[1].Eligible {
		t.Errorf("Expected node-ok eligible, got %+v", candidates[1])
	}
	if candidates[1].Scores.Total <= 0 {
		t.Errorf("Eligible candidate must have a positive total score, got %v", candidates[1].Scores.Total)
	}
}

// =============================================================================
// Architecture normalization
// =============================================================================

func TestNormalizeArch(t *testing.T) {
	cases := map[string]string{
		"x86_64":  "amd64",
		"amd64":   "amd64",
		"aarch64": "arm64",
		"arm64":   "arm64",
		"i686":    "386",
		"armv7l":  "arm",
		"riscv64": "riscv64", // unknown values pass through
	}
	for in, want := range cases {
		if got := NormalizeArch(in); got != want {
			t.Errorf("NormalizeArch(%q) = %q, want %q", in, got, want)
		}
	}
}
