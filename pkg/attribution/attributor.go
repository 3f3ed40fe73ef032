// Package attribution scores failure causes from run signals and produces
// the per-run blame record used to direct exploration.
package attribution

import (
	"fmt"
	"math"
	"sort"

	"github.com/Mindburn-Labs/evoloop/pkg/canonical"
	"github.com/Mindburn-Labs/evoloop/pkg/record"
)

// History carries optional cross-run success rates for the run's choices.
// A nil field means no history is available and the matching rules are
// skipped.
type History struct {
	RetrievalPolicySuccessRate *float64
	PromptTemplateSuccessRate  *float64
	PatternSuccessRate         *float64
}

// Thresholds tune the scoring rules.
type Thresholds struct {
	LowToolSuccessRate   float64 // default 0.7
	LowEvidenceUsage     float64 // default 0.3
	LowRetrievalHistory  float64 // default 0.6
	LowPromptHistory     float64 // default 0.7
	LowPatternHistory    float64 // default 0.3
	HighGenerationLatMs  int64   // default 10000
	HighGenerationCost   float64 // default 0.5
	TieBreakMargin       float64 // default 0.05
}

// DefaultThresholds returns the standard rule thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LowToolSuccessRate:  0.7,
		LowEvidenceUsage:    0.3,
		LowRetrievalHistory: 0.6,
		LowPromptHistory:    0.7,
		LowPatternHistory:   0.3,
		HighGenerationLatMs: 10000,
		HighGenerationCost:  0.5,
		TieBreakMargin:      0.05,
	}
}

// Attributor turns RunSignals into Attributions.
type Attributor struct {
	thresholds Thresholds
}

// New creates an Attributor with the given thresholds.
func New(thresholds Thresholds) *Attributor {
	return &Attributor{thresholds: thresholds}
}

// Failure type weights for the tool cause.
var toolFailureWeights = map[record.ToolFailureType]float64{
	record.ToolFailTimeout:    1.0,
	record.ToolFailPermission: 0.6,
	record.ToolFailInvalid:    0.5,
	record.ToolFailEnv:        0.4,
}

// Attribute produces the Attribution for a run. Successful runs emit a
// neutral record: failure=false, confidence=0, cause UNKNOWN.
func (a *Attributor) Attribute(sig *record.RunSignal, hist History) (*record.Attribution, error) {
	inputsHash, err := canonical.InputsHash(struct {
		Signal  *record.RunSignal `json:"signal"`
		History History           `json:"history"`
	}{sig, hist})
	if err != nil {
		return nil, fmt.Errorf("attribution inputs hash: %w", err)
	}

	attr := &record.Attribution{
		SchemaVersion: record.SchemaVersion,
		RunID:         sig.RunID,
		GeneratedAt:   record.Now(),
		InputsHash:    inputsHash,
		PrimaryCause:  record.CauseUnknown,
	}
	if sig.Success {
		attr.ExcludedLayers = append([]record.Layer(nil), record.ExecutionOrder...)
		return attr, nil
	}
	attr.Failure = true

	t := a.thresholds
	scores := make(map[record.Cause]float64)
	var supporting []string

	// TOOL_TIMEOUT: weighted failure type counts, plus a low success bonus.
	for ft, count := range sig.ToolFailureTypes {
		w := toolFailureWeights[record.ToolFailureType(ft)]
		if w > 0 && count > 0 {
			scores[record.CauseToolTimeout] += w * float64(count)
			supporting = append(supporting, fmt.Sprintf("tool_failure:%s x%d", ft, count))
		}
		if record.ToolFailureType(ft) == record.ToolFailEnv && count > 0 {
			scores[record.CauseEnvironmentError] += 0.5 * float64(count)
		}
	}
	if len(sig.ToolSequence) > 0 && sig.ToolSuccessRate < t.LowToolSuccessRate {
		scores[record.CauseToolTimeout] += 0.5
		supporting = append(supporting, fmt.Sprintf("tool_success_rate=%.2f", sig.ToolSuccessRate))
	}

	// RETRIEVAL_MISS: starved or historically weak retrieval.
	if sig.EvidenceUsageRate < t.LowEvidenceUsage {
		scores[record.CauseRetrievalMiss] += 1.0
		supporting = append(supporting, fmt.Sprintf("evidence_usage_rate=%.2f", sig.EvidenceUsageRate))
	}
	if sig.NumDocs == 0 {
		scores[record.CauseRetrievalMiss] += 1.0
		supporting = append(supporting, "num_docs=0")
	}
	if hist.RetrievalPolicySuccessRate != nil && *hist.RetrievalPolicySuccessRate < t.LowRetrievalHistory {
		scores[record.CauseRetrievalMiss] += 0.5
		supporting = append(supporting, fmt.Sprintf("retrieval_history=%.2f", *hist.RetrievalPolicySuccessRate))
	}

	// PROMPT_MISMATCH: weak template history or expensive generation.
	if hist.PromptTemplateSuccessRate != nil && *hist.PromptTemplateSuccessRate < t.LowPromptHistory {
		scores[record.CausePromptMismatch] += 1.0
		supporting = append(supporting, fmt.Sprintf("prompt_history=%.2f", *hist.PromptTemplateSuccessRate))
	}
	if sig.GenerationLatencyMs > t.HighGenerationLatMs {
		scores[record.CausePromptMismatch] += 0.5
		supporting = append(supporting, fmt.Sprintf("generation_latency_ms=%d", sig.GenerationLatencyMs))
	}
	if sig.GenerationCostUSD > t.HighGenerationCost {
		scores[record.CausePromptMismatch] += 0.5
		supporting = append(supporting, fmt.Sprintf("generation_cost_usd=%.3f", sig.GenerationCostUSD))
	}

	// PLANNER_ERROR: degraded paths, retries, weak pattern history.
	if sig.PlanPathType == record.PlanDegraded || sig.PlanPathType == record.PlanMinimal {
		scores[record.CausePlannerError] += 1.0
		supporting = append(supporting, fmt.Sprintf("plan_path=%s", sig.PlanPathType))
	}
	if sig.RetryCount > 0 || sig.PlanSwitches > 0 {
		scores[record.CausePlannerError] += 0.5
		supporting = append(supporting, fmt.Sprintf("retries=%d plan_switches=%d", sig.RetryCount, sig.PlanSwitches))
	}
	if hist.PatternSuccessRate != nil && *hist.PatternSuccessRate < t.LowPatternHistory {
		scores[record.CausePlannerError] += 1.0
		supporting = append(supporting, fmt.Sprintf("pattern_history=%.2f", *hist.PatternSuccessRate))
	}

	// EVIDENCE_INSUFFICIENT: evidence arrived but conflicted or went unused.
	if sig.EvidenceConflicts > 0 {
		scores[record.CauseEvidenceGap] += 0.5 * float64(sig.EvidenceConflicts)
		supporting = append(supporting, fmt.Sprintf("evidence_conflicts=%d", sig.EvidenceConflicts))
	}
	if sig.EvidenceTotal > 0 && sig.EvidenceUsed == 0 {
		scores[record.CauseEvidenceGap] += 0.5
		supporting = append(supporting, "evidence_unused")
	}

	attr.SupportingSignals = supporting

	total := 0.0
	for _, s := range scores {
		total += s
	}
	if total == 0 {
		attr.ExcludedLayers = append([]record.Layer(nil), record.ExecutionOrder...)
		return attr, nil
	}

	attr.PrimaryCause = pickPrimary(scores, t.TieBreakMargin)
	attr.PrimaryLayer = record.CauseLayer(attr.PrimaryCause)
	attr.Confidence = scores[attr.PrimaryCause] / total

	// Blame weights: per-layer score sums normalized across non-zero layers.
	layerScores := make(map[record.Layer]float64)
	for cause, s := range scores {
		if s > 0 {
			layerScores[record.CauseLayer(cause)] += s
		}
	}
	attr.LayerBlameWeights = make(map[record.Layer]float64, len(layerScores))
	for layer, s := range layerScores {
		attr.LayerBlameWeights[layer] = s / total
	}
	for _, layer := range record.ExecutionOrder {
		if _, ok := layerScores[layer]; !ok {
			attr.ExcludedLayers = append(attr.ExcludedLayers, layer)
		}
	}
	return attr, nil
}

// pickPrimary selects the highest scoring cause. Causes within margin of
// the leader tie-break toward the earliest failing layer in execution order.
func pickPrimary(scores map[record.Cause]float64, margin float64) record.Cause {
	type scored struct {
		cause record.Cause
		score float64
	}
	ranked := make([]scored, 0, len(scores))
	for c, s := range scores {
		if s > 0 {
			ranked = append(ranked, scored{c, s})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].cause < ranked[j].cause
	})
	top := ranked[0]

	layerPos := make(map[record.Layer]int, len(record.ExecutionOrder))
	for i, l := range record.ExecutionOrder {
		layerPos[l] = i
	}
	best := top
	for _, cand := range ranked[1:] {
		if math.Abs(cand.score-top.score)/top.score > margin {
			continue
		}
		if layerPos[record.CauseLayer(cand.cause)] < layerPos[record.CauseLayer(best.cause)] {
			best = cand
		}
	}
	return best.cause
}
