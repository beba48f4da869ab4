package domain

import (
	"strings"
	"time"
	"unicode"
)

// QualityTier is an SLA class with its own overcommit ratio and price
// multiplier.
type QualityTier string

const (
	TierGuaranteed QualityTier = "Guaranteed"
	TierStandard   QualityTier = "Standard"
	TierBalanced   QualityTier = "Balanced"
	TierBurstable  QualityTier = "Burstable"
)

// AllTiers lists the tiers in descending strictness. Evaluation and
// highest-tier selection iterate in this order.
var AllTiers = []QualityTier{TierGuaranteed, TierStandard, TierBalanced, TierBurstable}

// CanonicalTier normalizes tier names from config keys and API requests:
// lowercase body, upper-case first letter. "standard" and "STANDARD" both map
// to TierStandard.
func CanonicalTier(s string) QualityTier {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return QualityTier(string(r))
}

// TierCapability is one tier's entry in a node's evaluation.
type TierCapability struct {
	Tier                  QualityTier `json:"tier"`
	RequiredPointsPerVCPU float64     `json:"required_points_per_vcpu"`
	MaxVCPUsPerCore       int         `json:"max_vcpus_per_core"`
	PriceMultiplier       float64     `json:"price_multiplier"`
	Eligible              bool        `json:"eligible"`
	IneligibilityReason   string      `json:"ineligibility_reason,omitempty"`
}

// NodePerformanceEvaluation classifies a node against the baseline
// benchmark. It is cached on the node and recomputed only when the hardware
// inventory or the scheduling-config version changes.
type NodePerformanceEvaluation struct {
	RawBenchmark     float64 `json:"raw_benchmark"`
	CappedBenchmark  float64 `json:"capped_benchmark"`
	PointsPerCore    float64 `json:"points_per_core"`
	PerformanceClass string  `json:"performance_class"`

	EligibleTiers    []QualityTier    `json:"eligible_tiers"`
	HighestTier      QualityTier      `json:"highest_tier,omitempty"`
	TierCapabilities []TierCapability `json:"tier_capabilities"`

	Acceptable      bool   `json:"acceptable"`
	RejectionReason string `json:"rejection_reason,omitempty"`

	ConfigVersion string    `json:"config_version"`
	EvaluatedAt   time.Time `json:"evaluated_at"`
}

// HasTier reports whether the evaluation lists tier as eligible.
func (e *NodePerformanceEvaluation) HasTier(tier QualityTier) bool {
	if e == nil {
		return false
	}
	for _, t := range e.EligibleTiers {
		if t == tier {
			return true
		}
	}
	return false
}

// Capability returns the capability entry for tier, or nil.
func (e *NodePerformanceEvaluation) Capability(tier QualityTier) *TierCapability {
	if e == nil {
		return nil
	}
	for i := range e.TierCapabilities {
		if e.TierCapabilities[i].Tier == tier {
			return &e.TierCapabilities[i]
		}
	}
	return nil
}
