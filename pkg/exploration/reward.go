package exploration

import (
	"github.com/Mindburn-Labs/evoloop/pkg/record"
)

// Reward scores the discovery value of a first-candidate shadow outcome.
// Components are persisted individually so reward drift can be inspected.
type Reward struct {
	SchemaVersion string `json:"schema_version"`
	RunID         string `json:"run_id"`
	CandidateID   string `json:"candidate_id"`
	GeneratedAt   string `json:"generated_at"`

	FocusWeight        float64 `json:"focus_weight"`
	DecisionDivergence float64 `json:"decision_divergence"`
	SuccessDelta       float64 `json:"success_delta"`
	EvidenceGap        float64 `json:"evidence_gap"`
	CoverageGain       float64 `json:"coverage_gain"`
	SuccessUplift      float64 `json:"success_uplift"`
	Penalty            float64 `json:"penalty"`
	RewardTotal        float64 `json:"reward_total"`
}

// ComputeReward applies the discovery reward formula. focus_weight is the
// largest attribution blame weight, 1.0 when no attribution is available.
func ComputeReward(o *ShadowOutcome, sig *record.RunSignal, attr *record.Attribution) *Reward {
	r := &Reward{
		SchemaVersion: record.SchemaVersion,
		GeneratedAt:   record.Now(),
		FocusWeight:   1.0,
		EvidenceGap:   clampLow(1.0 - sig.EvidenceUsageRate),
		CoverageGain:  o.CoverageGain,
		SuccessUplift: clampLow(o.SuccessUplift),
	}
	if o.DecisionDivergence {
		r.DecisionDivergence = 1.0
	}
	r.SuccessDelta = clampLow(o.SuccessDelta)

	if attr != nil && len(attr.LayerBlameWeights) > 0 {
		max := 0.0
		for _, w := range attr.LayerBlameWeights {
			if w > max {
				max = w
			}
		}
		r.FocusWeight = max
	}

	r.Penalty = clampLow(o.CostDeltaUSD) + clampLow(o.LatencyDeltaMs/3000.0)
	if sig.EvidenceUsageRate < 0.3 {
		r.Penalty += 0.2
	}

	r.RewardTotal = r.FocusWeight * (0.5*r.DecisionDivergence +
		0.5*r.SuccessDelta +
		r.EvidenceGap +
		r.CoverageGain +
		r.SuccessUplift -
		r.Penalty)
	return r
}

func clampLow(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
