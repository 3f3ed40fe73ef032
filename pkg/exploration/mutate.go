package exploration

import (
	"fmt"
	"math/rand"

	"github.com/Mindburn-Labs/evoloop/pkg/canonical"
	"github.com/Mindburn-Labs/evoloop/pkg/policy"
	"github.com/Mindburn-Labs/evoloop/pkg/record"
)

// Mutation operator names, recorded on each candidate.
const (
	OpRetrievalSwitch    = "retrieval_switch"
	OpPromptVariant      = "prompt_variant"
	OpToolSwap           = "tool_swap"
	OpParamPerturbTopK   = "param_perturb_top_k"
	OpParamPerturbTimeout = "param_perturb_timeout"
)

// mutate derives a candidate from the base genome. Operators are chosen from
// the decision's target spaces; parameter perturbations apply on top with
// probability 1/2 each. All draws come from the decision-seeded rng.
func (e *Engine) mutate(base policy.StrategyGenome, targets []string, rng *rand.Rand, sig *record.RunSignal) (*policy.CandidatePolicy, error) {
	genome := base
	var ops []string

	for _, target := range targets {
		switch target {
		case TargetRetrieval:
			if next, ok := pickOther(rng, sortedCopy(e.pools.RetrievalPolicyIDs), genome.RetrievalPolicyID); ok {
				genome.RetrievalPolicyID = next
				ops = append(ops, OpRetrievalSwitch)
			}
		case TargetPrompt:
			if next, ok := pickOther(rng, sortedCopy(e.pools.PromptTemplateIDs), genome.PromptTemplateID); ok {
				genome.PromptTemplateID = next
				ops = append(ops, OpPromptVariant)
			}
		case TargetToolCombo:
			if next, ok := pickOther(rng, sortedCopy(e.pools.ToolChainIDs), genome.ToolChainID); ok {
				genome.ToolChainID = next
				ops = append(ops, OpToolSwap)
			}
		}
	}

	if rng.Intn(2) == 0 {
		genome.TopK = perturbTopK(rng, genome.TopK)
		ops = append(ops, OpParamPerturbTopK)
	}
	if rng.Intn(2) == 0 {
		genome.ToolTimeoutMs = perturbTimeout(rng, genome.ToolTimeoutMs)
		ops = append(ops, OpParamPerturbTimeout)
	}

	if len(ops) == 0 {
		// Nothing in the pools differed from the base; perturb top_k so the
		// candidate is never identical to its parent.
		genome.TopK = perturbTopK(rng, genome.TopK)
		ops = append(ops, OpParamPerturbTopK)
	}

	hash, err := canonical.InputsHash(struct {
		Base    policy.StrategyGenome `json:"base"`
		Genome  policy.StrategyGenome `json:"genome"`
		Ops     []string              `json:"operators"`
		Targets []string              `json:"targets"`
		RunID   string                `json:"run_id"`
	}{base, genome, ops, targets, sig.RunID})
	if err != nil {
		return nil, fmt.Errorf("candidate hash: %w", err)
	}

	return &policy.CandidatePolicy{
		SchemaVersion:     record.SchemaVersion,
		CandidateID:       newCandidateID(),
		Genome:            genome,
		MutationOperators: ops,
		InputsHash:        hash,
		Status:            policy.CandidateGenerated,
		GeneratedAt:       record.Now(),
	}, nil
}

// pickOther draws a pool member different from current. Returns false when
// the pool offers no alternative.
func pickOther(rng *rand.Rand, pool []string, current string) (string, bool) {
	alts := pool[:0:0]
	for _, id := range pool {
		if id != current && id != "" {
			alts = append(alts, id)
		}
	}
	if len(alts) == 0 {
		return "", false
	}
	return alts[rng.Intn(len(alts))], true
}

// perturbTopK shifts top_k by ±1 or ±2, clamped to [1, 50].
func perturbTopK(rng *rand.Rand, k int) int {
	if k <= 0 {
		k = 5
	}
	delta := []int{-2, -1, 1, 2}[rng.Intn(4)]
	k += delta
	if k < 1 {
		k = 1
	}
	if k > 50 {
		k = 50
	}
	return k
}

// perturbTimeout scales the tool timeout by 0.5x to 2x in quarter steps,
// clamped to [1s, 120s].
func perturbTimeout(rng *rand.Rand, ms int64) int64 {
	if ms <= 0 {
		ms = 10000
	}
	factors := []float64{0.5, 0.75, 1.25, 1.5, 2.0}
	out := int64(float64(ms) * factors[rng.Intn(len(factors))])
	if out < 1000 {
		out = 1000
	}
	if out > 120000 {
		out = 120000
	}
	return out
}
