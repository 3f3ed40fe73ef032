package exploration

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/evoloop/pkg/record"
)

func TestComputeRewardComponents(t *testing.T) {
	outcome := &ShadowOutcome{
		DecisionDivergence: true,
		SuccessDelta:       1.0,
		CostDeltaUSD:       0.10,
		LatencyDeltaMs:     3000,
		SuccessUplift:      0.05,
		CoverageGain:       0.2,
	}
	sig := &record.RunSignal{RunID: "r1", EvidenceUsageRate: 0.5}

	r := ComputeReward(outcome, sig, nil)
	require.InDelta(t, 1.0, r.FocusWeight, 1e-9)
	require.InDelta(t, 1.0, r.DecisionDivergence, 1e-9)
	require.InDelta(t, 1.0, r.SuccessDelta, 1e-9)
	require.InDelta(t, 0.5, r.EvidenceGap, 1e-9)
	// penalty = cost 0.10 + latency 3000/3000 = 1.10, no evidence penalty.
	require.InDelta(t, 1.10, r.Penalty, 1e-9)
	// total = 1.0 × (0.5 + 0.5 + 0.5 + 0.2 + 0.05 - 1.10)
	require.InDelta(t, 0.65, r.RewardTotal, 1e-9)
}

func TestComputeRewardFocusFromAttribution(t *testing.T) {
	outcome := &ShadowOutcome{DecisionDivergence: true}
	sig := &record.RunSignal{RunID: "r1", EvidenceUsageRate: 1.0}
	attr := &record.Attribution{
		Failure: true,
		LayerBlameWeights: map[record.Layer]float64{
			record.LayerTool:      0.7,
			record.LayerRetrieval: 0.3,
		},
	}

	r := ComputeReward(outcome, sig, attr)
	require.InDelta(t, 0.7, r.FocusWeight, 1e-9)
	require.InDelta(t, 0.35, r.RewardTotal, 1e-9)
}

func TestComputeRewardNegativeDeltasClamp(t *testing.T) {
	outcome := &ShadowOutcome{
		SuccessDelta:   -1.0,
		CostDeltaUSD:   -0.05,
		LatencyDeltaMs: -2000,
		SuccessUplift:  -0.10,
	}
	sig := &record.RunSignal{RunID: "r1", EvidenceUsageRate: 1.0}

	r := ComputeReward(outcome, sig, nil)
	require.Zero(t, r.SuccessDelta)
	require.Zero(t, r.SuccessUplift)
	require.Zero(t, r.Penalty)
	require.Zero(t, r.RewardTotal)
}

func TestComputeRewardLowEvidencePenalty(t *testing.T) {
	outcome := &ShadowOutcome{}
	sig := &record.RunSignal{RunID: "r1", EvidenceUsageRate: 0.1}

	r := ComputeReward(outcome, sig, nil)
	require.InDelta(t, 0.2, r.Penalty, 1e-9)
	require.InDelta(t, 0.9, r.EvidenceGap, 1e-9)
	// total = 1.0 × (0.9 - 0.2)
	require.InDelta(t, 0.7, r.RewardTotal, 1e-9)
}
