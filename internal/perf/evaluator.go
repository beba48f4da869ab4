// Package perf evaluates node hardware against the scheduling configuration.
// The evaluation decides which quality tiers a node may host and is the
// single source of truth for its compute-point capacity.
package perf

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/config"
	"github.com/stratomesh/stratomesh/internal/domain"
)

// Performance classes, derived from the highest tier threshold the node's
// points-per-core clears.
const (
	ClassPremium      = "premium"
	ClassPerformance  = "performance"
	ClassMainstream   = "mainstream"
	ClassEntry        = "entry"
	ClassUnclassified = "unclassified"
)

// Evaluator produces NodePerformanceEvaluations. Evaluation is deterministic:
// it depends only on the hardware inventory and the configuration version,
// both recorded on the node.
type Evaluator struct {
	cfg    config.SchedulingConfig
	logger *zap.Logger
}

// NewEvaluator creates an evaluator over the current scheduling config.
func NewEvaluator(cfg config.SchedulingConfig, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		cfg:    cfg,
		logger: logger.Named("perf"),
	}
}

// ConfigVersion is the version hash stamped on evaluations.
func (e *Evaluator) ConfigVersion() string {
	return e.cfg.Version
}

// Evaluate classifies the inventory's CPU against every configured tier.
func (e *Evaluator) Evaluate(inv domain.HardwareInventory) *domain.NodePerformanceEvaluation {
	raw := inv.CPU.BenchmarkScore
	capped := math.Min(raw, e.cfg.MaxPerformanceMultiplier*e.cfg.BaselineBenchmark)
	pointsPerCore := capped / e.cfg.BaselineBenchmark

	eval := &domain.NodePerformanceEvaluation{
		RawBenchmark:    raw,
		CappedBenchmark: capped,
		PointsPerCore:   pointsPerCore,
		ConfigVersion:   e.cfg.Version,
		EvaluatedAt:     time.Now(),
	}

	// Descending strictness; the first eligible tier is the node's highest.
	for _, name := range e.cfg.TiersByStrictness() {
		req := e.cfg.TierRequirements[name]
		tier := domain.CanonicalTier(name)
		required := e.cfg.RequiredPointsPerVCPU(req)

		cap := domain.TierCapability{
			Tier:                  tier,
			RequiredPointsPerVCPU: required,
			PriceMultiplier:       req.PriceMultiplier,
		}

		if pointsPerCore >= required {
			cap.Eligible = true
			cap.MaxVCPUsPerCore = int(math.Floor(pointsPerCore / required))
			eval.EligibleTiers = append(eval.EligibleTiers, tier)
			if eval.HighestTier == "" {
				eval.HighestTier = tier
			}
		} else {
			cap.IneligibilityReason = fmt.Sprintf(
				"needs %.2f points per vCPU, node provides %.2f per core",
				required, pointsPerCore)
		}
		eval.TierCapabilities = append(eval.TierCapabilities, cap)
	}

	eval.Acceptable = len(eval.EligibleTiers) > 0
	if !eval.Acceptable {
		eval.RejectionReason = fmt.Sprintf(
			"benchmark %.0f yields %.2f points per core, below every tier threshold",
			raw, pointsPerCore)
	}
	eval.PerformanceClass = e.classify(eval.HighestTier)

	e.logger.Debug("Evaluated node hardware",
		zap.Float64("raw_benchmark", raw),
		zap.Float64("points_per_core", pointsPerCore),
		zap.String("highest_tier", string(eval.HighestTier)),
		zap.String("class", eval.PerformanceClass),
		zap.Bool("acceptable", eval.Acceptable))

	return eval
}

// TotalCapacity derives the node's raw capacity vector from its inventory and
// evaluation: compute points scale with physical cores, memory and storage
// come straight from the inventory.
func (e *Evaluator) TotalCapacity(inv domain.HardwareInventory, eval *domain.NodePerformanceEvaluation) domain.Resources {
	return domain.Resources{
		ComputePoints: eval.PointsPerCore * float64(inv.CPU.PhysicalCores),
		MemoryBytes:   inv.MemoryBytes,
		StorageBytes:  inv.TotalStorageBytes(),
	}
}

// CostFor is the compute-point price of vCPUs at a tier: whole cores times
// the tier's required points per vCPU.
func (e *Evaluator) CostFor(vcpus int, tier domain.QualityTier) (float64, error) {
	req, ok := e.cfg.TierFor(string(tier))
	if !ok {
		return 0, domain.ValidationError(fmt.Sprintf("unknown quality tier %q", tier))
	}
	return float64(vcpus) * e.cfg.RequiredPointsPerVCPU(req), nil
}

// PriceMultiplier returns the billing multiplier for a tier.
func (e *Evaluator) PriceMultiplier(tier domain.QualityTier) float64 {
	req, ok := e.cfg.TierFor(string(tier))
	if !ok {
		return 1.0
	}
	return req.PriceMultiplier
}

// classify maps the highest eligible tier to a coarse marketing class.
func (e *Evaluator) classify(highest domain.QualityTier) string {
	switch highest {
	case domain.TierGuaranteed:
		return ClassPremium
	case domain.TierStandard:
		return ClassPerformance
	case domain.TierBalanced:
		return ClassMainstream
	case "":
		return ClassUnclassified
	default:
		return ClassEntry
	}
}
