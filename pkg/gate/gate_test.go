package gate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/evoloop/pkg/shadow"
)

func baselineReport() *shadow.EvalReport {
	return &shadow.EvalReport{
		CandidateID: "cand_1",
		Active: shadow.SideStats{
			Runs: 100, SuccessRate: 0.80, AvgCostUSD: 0.10,
			P95LatencyMs: 2000, EvidencePassRate: 0.95,
		},
		Candidate: shadow.SideStats{
			Runs: 100, SuccessRate: 0.85, AvgCostUSD: 0.10,
			P95LatencyMs: 2000, EvidencePassRate: 0.95,
		},
	}
}

func TestGatePassesOnUplift(t *testing.T) {
	g := New(DefaultThresholds())
	dec := g.Evaluate(baselineReport())

	require.True(t, dec.GatePass)
	require.Empty(t, dec.BlockedReasons)
	require.ElementsMatch(t, []string{CheckSuccess, CheckCost, CheckLatency, CheckEvidence}, dec.Reasons)
	require.Len(t, dec.Checks, 4)
}

func TestGateBlocksEachCheck(t *testing.T) {
	g := New(DefaultThresholds())

	tests := []struct {
		name   string
		mutate func(*shadow.EvalReport)
		reason string
	}{
		{"success drop", func(r *shadow.EvalReport) { r.Candidate.SuccessRate = 0.75 }, CheckSuccess},
		{"cost growth", func(r *shadow.EvalReport) { r.Candidate.AvgCostUSD = 0.12 }, CheckCost},
		{"latency growth", func(r *shadow.EvalReport) { r.Candidate.P95LatencyMs = 2500 }, CheckLatency},
		{"evidence shortfall", func(r *shadow.EvalReport) { r.Candidate.EvidencePassRate = 0.80 }, CheckEvidence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := baselineReport()
			tt.mutate(report)
			dec := g.Evaluate(report)
			require.False(t, dec.GatePass)
			require.Contains(t, dec.BlockedReasons, tt.reason)
		})
	}
}

func TestGateZeroDenominator(t *testing.T) {
	g := New(DefaultThresholds())
	report := baselineReport()
	report.Active.AvgCostUSD = 0
	report.Candidate.AvgCostUSD = 0

	// Zero over zero reads as no increase.
	dec := g.Evaluate(report)
	require.True(t, dec.GatePass)

	// Any positive cost against a zero baseline reads as a full increase.
	report.Candidate.AvgCostUSD = 0.01
	dec = g.Evaluate(report)
	require.False(t, dec.GatePass)
	require.Contains(t, dec.BlockedReasons, CheckCost)
}

func TestGateBoundaryEquality(t *testing.T) {
	g := New(DefaultThresholds())
	report := baselineReport()
	// Exactly +5% cost and exactly the minimum uplift of 0.0.
	report.Candidate.SuccessRate = report.Active.SuccessRate
	report.Candidate.AvgCostUSD = 0.105

	dec := g.Evaluate(report)
	require.True(t, dec.GatePass)
}

func TestGateCustomRuleBlocks(t *testing.T) {
	rs, err := NewRuleSet([]Rule{
		{Name: "min_sample", Expr: "candidate_runs >= 500"},
	})
	require.NoError(t, err)

	g := New(DefaultThresholds(), WithCustomRules(rs))
	dec := g.Evaluate(baselineReport()) // only 100 candidate runs
	require.False(t, dec.GatePass)
	require.Contains(t, dec.BlockedReasons, "custom:min_sample")
}

func TestGateCustomRuleCannotRescue(t *testing.T) {
	rs, err := NewRuleSet([]Rule{
		{Name: "always_true", Expr: "true"},
	})
	require.NoError(t, err)

	g := New(DefaultThresholds(), WithCustomRules(rs))
	report := baselineReport()
	report.Candidate.SuccessRate = 0.5

	dec := g.Evaluate(report)
	require.False(t, dec.GatePass)
	require.Contains(t, dec.BlockedReasons, CheckSuccess)
}

func TestRuleSetRejectsBadRules(t *testing.T) {
	_, err := NewRuleSet([]Rule{{Name: "broken", Expr: "not valid ((("}})
	require.Error(t, err)

	_, err = NewRuleSet([]Rule{{Name: "non_bool", Expr: "1 + 1"}})
	require.Error(t, err)
}

func TestRuleSetVariables(t *testing.T) {
	rs, err := NewRuleSet([]Rule{
		{Name: "uplift_floor", Expr: "success_uplift >= -0.02"},
		{Name: "cost_cap", Expr: "candidate_avg_cost_usd <= active_avg_cost_usd * 1.5"},
	})
	require.NoError(t, err)

	report := baselineReport()
	report.SuccessUplift = 0.05
	blocked, err := rs.Blocking(report)
	require.NoError(t, err)
	require.Empty(t, blocked)

	report.SuccessUplift = -0.10
	report.Candidate.AvgCostUSD = 0.20
	blocked, err = rs.Blocking(report)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"custom:uplift_floor", "custom:cost_cap"}, blocked)
}
