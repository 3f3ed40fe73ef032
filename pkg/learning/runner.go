package learning

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/evoloop/pkg/policy"
	"github.com/Mindburn-Labs/evoloop/pkg/shadow"
)

// RunnerFactory builds a side-effect-free runner executing under a given
// policy. The default factory replays recorded signals through the policy's
// rules; deployments with a real executor plug their own in.
type RunnerFactory interface {
	Runner(p *policy.Policy) shadow.Runner
}

// SimFactory replays recorded run signals under a policy's thresholds.
type SimFactory struct{}

// Runner returns a replay-based runner for p.
func (SimFactory) Runner(p *policy.Policy) shadow.Runner {
	return &simRunner{policy: p}
}

// simRunner re-evaluates a recorded run under different policy thresholds:
// the recorded outcome stands unless the policy's guardrails would have cut
// the run off.
type simRunner struct {
	policy *policy.Policy
}

func (r *simRunner) Run(_ context.Context, payload *shadow.Payload) (*shadow.Outcome, error) {
	sig := payload.Signal
	if sig == nil {
		return nil, errors.New("sim runner: payload carries no recorded signal")
	}

	decision := r.policy.PlanSelectionRules.PreferPlan
	if decision == "" {
		decision = sig.PlanID
	}

	success := sig.Success
	errType := ""
	t := r.policy.Thresholds
	switch {
	case t.MaxCostUSD > 0 && sig.TotalCostUSD > t.MaxCostUSD:
		success = false
		errType = "cost_limit"
	case t.MaxLatencyMs > 0 && float64(sig.LatencyMs) > t.MaxLatencyMs:
		success = false
		errType = "latency_limit"
	case !sig.Success:
		errType = "recorded_failure"
	}

	return &shadow.Outcome{
		Decision:          decision,
		Success:           success,
		CostUSD:           sig.TotalCostUSD,
		LatencyMs:         float64(sig.LatencyMs),
		EvidenceUsageRate: sig.EvidenceUsageRate,
		ErrorType:         errType,
	}, nil
}
