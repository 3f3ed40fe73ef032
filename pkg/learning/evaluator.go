package learning

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/evoloop/pkg/artifact"
	"github.com/Mindburn-Labs/evoloop/pkg/exploration"
	"github.com/Mindburn-Labs/evoloop/pkg/policy"
	"github.com/Mindburn-Labs/evoloop/pkg/record"
	"github.com/Mindburn-Labs/evoloop/pkg/replay"
	"github.com/Mindburn-Labs/evoloop/pkg/shadow"
	"github.com/Mindburn-Labs/evoloop/pkg/signal"
)

// ErrNoActivePolicy is returned when no released policy exists to shadow a
// candidate against.
var ErrNoActivePolicy = errors.New("learning: no active policy to shadow against")

// Evaluator runs the shadow and replay path for the first candidate an
// exploration decision spawns. It projects the candidate genome onto the
// active policy, diffs both on the triggering run, measures uplift over the
// recent signal window, and replays the golden suite for the regression
// verdict.
type Evaluator struct {
	registry   *policy.Registry
	shadows    *shadow.Executor
	replayer   *replay.Runner
	collector  *signal.Collector
	runners    RunnerFactory
	evalWindow int
}

var _ exploration.CandidateEvaluator = (*Evaluator)(nil)

// NewEvaluator wires the candidate evaluation path. A nil runner factory
// falls back to the replay simulator; evalWindow caps the uplift and
// regression windows, zero meaning all recent signals.
func NewEvaluator(registry *policy.Registry, shadows *shadow.Executor, replayer *replay.Runner, collector *signal.Collector, runners RunnerFactory, evalWindow int) *Evaluator {
	if runners == nil {
		runners = SimFactory{}
	}
	return &Evaluator{
		registry:   registry,
		shadows:    shadows,
		replayer:   replayer,
		collector:  collector,
		runners:    runners,
		evalWindow: evalWindow,
	}
}

// Evaluate shadows the candidate against the active policy and returns the
// summary the exploration engine scores.
func (e *Evaluator) Evaluate(ctx context.Context, cand *policy.CandidatePolicy, sig *record.RunSignal) (*exploration.ShadowOutcome, error) {
	base, err := e.registry.LatestPolicy(ctx)
	if err != nil {
		if artifact.IsAbsent(err) {
			return nil, ErrNoActivePolicy
		}
		return nil, fmt.Errorf("load active policy: %w", err)
	}

	candidate := projectGenome(base, cand)
	activeRunner := e.runners.Runner(base)
	candRunner := e.runners.Runner(candidate)

	diff, err := e.shadows.RunShadow(ctx, sig.RunID, &shadow.Payload{RunID: sig.RunID, Signal: sig}, activeRunner, candRunner)
	if err != nil {
		return nil, fmt.Errorf("shadow diff %s: %w", cand.CandidateID, err)
	}

	recent, err := e.collector.Recent(ctx, e.evalWindow)
	if err != nil && !artifact.IsAbsent(err) {
		return nil, fmt.Errorf("load recent signals: %w", err)
	}
	window := make([]*record.RunSignal, 0, len(recent))
	for i := range recent {
		window = append(window, &recent[i])
	}

	report, err := e.shadows.Evaluate(ctx, cand.CandidateID, window, activeRunner, candRunner)
	if err != nil {
		return nil, fmt.Errorf("shadow eval %s: %w", cand.CandidateID, err)
	}
	verdict, err := e.replayer.Evaluate(ctx, cand.CandidateID, window, candRunner)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", cand.CandidateID, err)
	}

	return &exploration.ShadowOutcome{
		DecisionDivergence: diff.DecisionDivergence,
		SuccessDelta:       diff.SuccessDelta,
		CostDeltaUSD:       diff.CostDeltaUSD,
		LatencyDeltaMs:     diff.LatencyDeltaMs,
		SuccessUplift:      report.SuccessUplift,
		CoverageGain:       report.Candidate.EvidencePassRate - report.Active.EvidencePassRate,
		RegressionPass:     verdict.PassRegression,
	}, nil
}

// projectGenome overlays a candidate genome on the active policy. The
// simulated runners observe only plan preference and guardrails, so those
// are the fields a genome can move.
func projectGenome(base *policy.Policy, cand *policy.CandidatePolicy) *policy.Policy {
	p := *base
	if mode := cand.Genome.PlannerMode; mode != "" && mode != policy.PlannerNormal {
		p.PlanSelectionRules.PreferPlan = string(mode)
	}
	if cand.Genome.ToolTimeoutMs > 0 {
		p.Thresholds.MaxLatencyMs = float64(cand.Genome.ToolTimeoutMs)
	}
	return &p
}
