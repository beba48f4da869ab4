package perf

import (
	"testing"

	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/config"
	"github.com/stratomesh/stratomesh/internal/domain"
)

func testSchedulingConfig() config.SchedulingConfig {
	cfg := config.SchedulingConfig{
		BaselineBenchmark:        1000,
		MaxPerformanceMultiplier: 4.0,
		TierRequirements: map[string]config.TierRequirement{
			"guaranteed": {MinimumBenchmark: 1000, CPUOvercommitRatio: 1.0, MemoryOvercommitRatio: 1.0, StorageOvercommitRatio: 1.0, PriceMultiplier: 2.0},
			"standard":   {MinimumBenchmark: 750, CPUOvercommitRatio: 2.0, MemoryOvercommitRatio: 1.0, StorageOvercommitRatio: 1.0, PriceMultiplier: 1.5},
			"balanced":   {MinimumBenchmark: 500, CPUOvercommitRatio: 3.0, MemoryOvercommitRatio: 1.0, StorageOvercommitRatio: 1.0, PriceMultiplier: 1.0},
			"burstable":  {MinimumBenchmark: 250, CPUOvercommitRatio: 4.0, MemoryOvercommitRatio: 1.0, StorageOvercommitRatio: 1.0, PriceMultiplier: 0.5},
		},
		Weights: config.ScoringWeights{Capacity: 0.4, Load: 0.2, Reputation: 0.2, Locality: 0.2},
	}
	cfg.ComputeVersion()
	return cfg
}

func testInventory(benchmark float64, cores int) domain.HardwareInventory {
	return domain.HardwareInventory{
		CPU: domain.CPUInfo{
			Model:          "test-cpu",
			PhysicalCores:  cores,
			BenchmarkScore: benchmark,
		},
		MemoryBytes: 32 << 30,
		StorageDevices: []domain.StorageDevice{
			{Name: "nvme0n1", Type: "nvme", SizeBytes: 1 << 40},
		},
		Architecture: "x86_64",
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestEvaluator_AllTiersEligible(t *testing.T) {
	ev := NewEvaluator(testSchedulingConfig(), zap.NewNop())

	// benchmark = 2x baseline: 2.0 points per core, clears every threshold.
	eval := ev.Evaluate(testInventory(2000, 16))

	if !eval.Acceptable {
		t.Fatalf("Expected acceptable node, got rejection: %s", eval.RejectionReason)
	}
	if eval.PointsPerCore != 2.0 {
		t.Errorf("Expected 2.0 points per core, got %v", eval.PointsPerCore)
	}
	if eval.HighestTier != domain.TierGuaranteed {
		t.Errorf("Expected highest tier Guaranteed, got %s", eval.HighestTier)
	}
	if len(eval.EligibleTiers) != 4 {
		t.Errorf("Expected 4 eligible tiers, got %d", len(eval.EligibleTiers))
	}
	if eval.PerformanceClass != ClassPremium {
		t.Errorf("Expected premium class, got %s", eval.PerformanceClass)
	}

	// Guaranteed: 2.0 / 1.0 = 2 vCPUs per core. Burstable: 2.0 / 0.25 = 8.
	if cap := eval.Capability(domain.TierGuaranteed); cap == nil || cap.MaxVCPUsPerCore != 2 {
		t.Errorf("Expected 2 guaranteed vCPUs per core, got %+v", cap)
	}
	if cap := eval.Capability(domain.TierBurstable); cap == nil || cap.MaxVCPUsPerCore != 8 {
		t.Errorf("Expected 8 burstable vCPUs per core, got %+v", cap)
	}
}

func TestEvaluator_BenchmarkCapped(t *testing.T) {
	ev := NewEvaluator(testSchedulingConfig(), zap.NewNop())

	// benchmark = 10x baseline, cap = 4x.
	eval := ev.Evaluate(testInventory(10000, 8))

	if eval.CappedBenchmark != 4000 {
		t.Errorf("Expected benchmark capped at 4000, got %v", eval.CappedBenchmark)
	}
	if eval.PointsPerCore != 4.0 {
		t.Errorf("Expected 4.0 points per core after cap, got %v", eval.PointsPerCore)
	}
	if eval.RawBenchmark != 10000 {
		t.Errorf("Expected raw benchmark preserved at 10000, got %v", eval.RawBenchmark)
	}
}

func TestEvaluator_PartialEligibility(t *testing.T) {
	ev := NewEvaluator(testSchedulingConfig(), zap.NewNop())

	// 0.6 points per core: eligible for balanced (0.5) and burstable (0.25)
	// only.
	eval := ev.Evaluate(testInventory(600, 4))

	if !eval.Acceptable {
		t.Fatalf("Expected acceptable node, got rejection: %s", eval.RejectionReason)
	}
	if eval.HighestTier != domain.TierBalanced {
		t.Errorf("Expected highest tier Balanced, got %s", eval.HighestTier)
	}
	if eval.HasTier(domain.TierGuaranteed) || eval.HasTier(domain.TierStandard) {
		t.Error("Expected Guaranteed and Standard ineligible at 0.6 points per core")
	}
	cap := eval.Capability(domain.TierStandard)
	if cap == nil || cap.Eligible || cap.IneligibilityReason == "" {
		t.Errorf("Expected ineligibility reason on Standard, got %+v", cap)
	}
}

func TestEvaluator_Unacceptable(t *testing.T) {
	ev := NewEvaluator(testSchedulingConfig(), zap.NewNop())

	// 0.1 points per core misses even burstable's 0.25.
	eval := ev.Evaluate(testInventory(100, 32))

	if eval.Acceptable {
		t.Fatal("Expected node rejected below every tier threshold")
	}
	if eval.RejectionReason == "" {
		t.Error("Expected a rejection reason")
	}
	if eval.HighestTier != "" {
		t.Errorf("Expected no highest tier, got %s", eval.HighestTier)
	}
	if eval.PerformanceClass != ClassUnclassified {
		t.Errorf("Expected unclassified, got %s", eval.PerformanceClass)
	}
}

func TestEvaluator_TotalCapacity(t *testing.T) {
	ev := NewEvaluator(testSchedulingConfig(), zap.NewNop())

	inv := testInventory(2000, 16)
	eval := ev.Evaluate(inv)
	total := ev.TotalCapacity(inv, eval)

	if total.ComputePoints != 32.0 {
		t.Errorf("Expected 32.0 total points (2.0 x 16 cores), got %v", total.ComputePoints)
	}
	if total.MemoryBytes != 32<<30 {
		t.Errorf("Expected inventory memory, got %d", total.MemoryBytes)
	}
	if total.StorageBytes != 1<<40 {
		t.Errorf("Expected summed storage, got %d", total.StorageBytes)
	}
}

func TestEvaluator_CostFor(t *testing.T) {
	ev := NewEvaluator(testSchedulingConfig(), zap.NewNop())

	// 4 vCPUs at Standard = 4 x 0.75 = 3.0 points.
	cost, err := ev.CostFor(4, domain.TierStandard)
	if err != nil {
		t.Fatalf("CostFor failed: %v", err)
	}
	if cost != 3.0 {
		t.Errorf("Expected cost 3.0, got %v", cost)
	}

	// 1 vCPU at Burstable = 0.25 points; fractional costs must survive.
	cost, err = ev.CostFor(1, domain.TierBurstable)
	if err != nil {
		t.Fatalf("CostFor failed: %v", err)
	}
	if cost != 0.25 {
		t.Errorf("Expected cost 0.25, got %v", cost)
	}

	if _, err := ev.CostFor(2, "Platinum"); err == nil {
		t.Error("Expected error for unknown tier")
	}
}

func TestEvaluator_Deterministic(t *testing.T) {
	cfg := testSchedulingConfig()
	ev := NewEvaluator(cfg, zap.NewNop())
	inv := testInventory(1500, 8)

	a := ev.Evaluate(inv)
	b := ev.Evaluate(inv)

	if a.PointsPerCore != b.PointsPerCore || a.HighestTier != b.HighestTier ||
		len(a.EligibleTiers) != len(b.EligibleTiers) {
		t.Error("Evaluation not deterministic for identical inputs")
	}
	if a.ConfigVersion != cfg.Version || a.ConfigVersion == "" {
		t.Errorf("Expected config version %q stamped, got %q", cfg.Version, a.ConfigVersion)
	}
}
