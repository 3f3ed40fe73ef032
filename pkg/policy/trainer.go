package policy

import (
	"math"
	"sort"

	"github.com/Mindburn-Labs/evoloop/pkg/record"
)

// Outcome is the per-example result class used for training.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailed   Outcome = "failed"
	OutcomeDegraded Outcome = "degraded"
)

// TrainExample is one run distilled for the rules-based trainer.
type TrainExample struct {
	SelectedPlan       string  `json:"selected_plan"`
	GovernanceDecision string  `json:"governance_decision,omitempty"`
	Outcome            Outcome `json:"outcome"`
	CostUSD            float64 `json:"cost_usd"`
	LatencyMs          float64 `json:"latency_ms"`
}

// ExampleFromSignal distills a RunSignal into a training example.
func ExampleFromSignal(sig *record.RunSignal) TrainExample {
	outcome := OutcomeFailed
	switch {
	case sig.Success && sig.PlanPathType == record.PlanNormal:
		outcome = OutcomeSuccess
	case sig.Success:
		outcome = OutcomeDegraded
	}
	return TrainExample{
		SelectedPlan:       sig.PlanID,
		GovernanceDecision: sig.GovernanceDecision,
		Outcome:            outcome,
		CostUSD:            sig.TotalCostUSD,
		LatencyMs:          float64(sig.LatencyMs),
	}
}

// Trainer derives a Policy from examples. Training is deterministic: the
// same examples, base policy, and config yield the same policy content.
type Trainer struct {
	// MinSamplesForPreference guards prefer_plan against thin evidence.
	MinSamplesForPreference int
	// SmallSample switches the threshold estimate from p90×1.5 to max×1.2.
	SmallSample int
	// BaseBlend is the weight of the new estimate when a base policy
	// exists (exponential-moving-average style).
	BaseBlend float64
}

// NewTrainer returns a Trainer with the standard settings.
func NewTrainer() *Trainer {
	return &Trainer{
		MinSamplesForPreference: 3,
		SmallSample:             10,
		BaseBlend:               0.7,
	}
}

var defaultFallback = []string{"normal", "degraded", "minimal"}

// Train builds a policy of the given version from examples, blending with
// base when present. An empty dataset returns the base policy content
// unchanged (or defaults when base is nil).
func (t *Trainer) Train(version int, examples []TrainExample, base *Policy) *Policy {
	p := &Policy{
		SchemaVersion: record.SchemaVersion,
		Version:       version,
		GeneratedAt:   record.Now(),
		Metadata: Metadata{
			SourceRuns: len(examples),
		},
	}
	if base != nil {
		p.Metadata.BaseVersion = base.Version
	}

	if len(examples) == 0 {
		if base != nil {
			p.PlanSelectionRules = base.PlanSelectionRules
			p.Thresholds = base.Thresholds
		} else {
			p.PlanSelectionRules = PlanSelectionRules{
				PreferPlan:    "normal",
				FallbackOrder: append([]string(nil), defaultFallback...),
			}
			p.Thresholds = Thresholds{MaxCostUSD: 1.0, MaxLatencyMs: 60000, FailureRateTolerance: 0.3}
		}
		return p
	}

	p.PlanSelectionRules = t.planRules(examples)
	p.Thresholds = t.thresholds(examples)
	if base != nil {
		p.Thresholds = t.blend(p.Thresholds, base.Thresholds)
	}

	successes := 0
	for _, ex := range examples {
		if ex.Outcome == OutcomeSuccess || ex.Outcome == OutcomeDegraded {
			successes++
		}
	}
	p.Metadata.ObservedSuccessRate = float64(successes) / float64(len(examples))
	return p
}

func (t *Trainer) planRules(examples []TrainExample) PlanSelectionRules {
	type agg struct {
		samples   int
		successes int
		costSum   float64
		latSum    float64
	}
	byPlan := make(map[string]*agg)
	for _, ex := range examples {
		plan := ex.SelectedPlan
		if plan == "" {
			plan = "normal"
		}
		a, ok := byPlan[plan]
		if !ok {
			a = &agg{}
			byPlan[plan] = a
		}
		a.samples++
		if ex.Outcome == OutcomeSuccess || ex.Outcome == OutcomeDegraded {
			a.successes++
		}
		a.costSum += ex.CostUSD
		a.latSum += ex.LatencyMs
	}

	stats := make(map[string]PlanStat, len(byPlan))
	plans := make([]string, 0, len(byPlan))
	for plan, a := range byPlan {
		stats[plan] = PlanStat{
			PlanID:       plan,
			SuccessRate:  float64(a.successes) / float64(a.samples),
			Samples:      a.samples,
			AvgCostUSD:   a.costSum / float64(a.samples),
			AvgLatencyMs: a.latSum / float64(a.samples),
		}
		plans = append(plans, plan)
	}

	// prefer_plan: highest success rate among well-sampled plans.
	prefer := "normal"
	best := -1.0
	sort.Strings(plans)
	for _, plan := range plans {
		st := stats[plan]
		if st.Samples >= t.MinSamplesForPreference && st.SuccessRate > best {
			best = st.SuccessRate
			prefer = plan
		}
	}

	// fallback_order: observed plans by success rate descending, then the
	// defaults for anything not observed.
	ordered := append([]string(nil), plans...)
	sort.SliceStable(ordered, func(i, j int) bool {
		si, sj := stats[ordered[i]].SuccessRate, stats[ordered[j]].SuccessRate
		if si != sj {
			return si > sj
		}
		return ordered[i] < ordered[j]
	})
	seen := make(map[string]bool, len(ordered))
	for _, plan := range ordered {
		seen[plan] = true
	}
	for _, plan := range defaultFallback {
		if !seen[plan] {
			ordered = append(ordered, plan)
		}
	}

	return PlanSelectionRules{PreferPlan: prefer, FallbackOrder: ordered, PlanStats: stats}
}

func (t *Trainer) thresholds(examples []TrainExample) Thresholds {
	costs := make([]float64, 0, len(examples))
	lats := make([]float64, 0, len(examples))
	failures := 0
	for _, ex := range examples {
		costs = append(costs, ex.CostUSD)
		lats = append(lats, ex.LatencyMs)
		if ex.Outcome == OutcomeFailed {
			failures++
		}
	}
	sort.Float64s(costs)
	sort.Float64s(lats)

	var maxCost, maxLat float64
	if len(examples) < t.SmallSample {
		maxCost = costs[len(costs)-1] * 1.2
		maxLat = lats[len(lats)-1] * 1.2
	} else {
		maxCost = percentile(costs, 0.90) * 1.5
		maxLat = percentile(lats, 0.90) * 1.5
	}

	failureRate := float64(failures) / float64(len(examples))
	return Thresholds{
		MaxCostUSD:           maxCost,
		MaxLatencyMs:         maxLat,
		FailureRateTolerance: math.Min(failureRate*1.5, 0.3),
	}
}

// blend mixes a fresh estimate with the base policy 70/30.
func (t *Trainer) blend(fresh, base Thresholds) Thresholds {
	w := t.BaseBlend
	return Thresholds{
		MaxCostUSD:           w*fresh.MaxCostUSD + (1-w)*base.MaxCostUSD,
		MaxLatencyMs:         w*fresh.MaxLatencyMs + (1-w)*base.MaxLatencyMs,
		FailureRateTolerance: w*fresh.FailureRateTolerance + (1-w)*base.FailureRateTolerance,
	}
}

// percentile returns the p-quantile of sorted values (nearest-rank).
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
