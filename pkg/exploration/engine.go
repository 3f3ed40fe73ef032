// Package exploration decides when to explore alternative strategies,
// spawns candidate policies by mutating a strategy genome, and scores
// first-candidate shadow outcomes with a discovery reward.
package exploration

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/evoloop/pkg/artifact"
	"github.com/Mindburn-Labs/evoloop/pkg/canonical"
	"github.com/Mindburn-Labs/evoloop/pkg/failbudget"
	"github.com/Mindburn-Labs/evoloop/pkg/kpi"
	"github.com/Mindburn-Labs/evoloop/pkg/policy"
	"github.com/Mindburn-Labs/evoloop/pkg/record"
)

const (
	keyDecisionFmt = "exploration/decisions/%s.json"
	keyRewardFmt   = "exploration/rewards/%s.json"
)

// Reason names one trigger of an explore decision.
const (
	ReasonLowSuccessRate    = "low_success_rate"
	ReasonNewPatternFailure = "new_pattern_failure"
)

// Target space names for attribution-directed mutation.
const (
	TargetRetrieval = "retrieval"
	TargetPrompt    = "prompt"
	TargetToolCombo = "tool_combo"
)

const lowSuccessThreshold = 0.8

// Pools enumerates the ids mutation operators may draw from.
type Pools struct {
	RetrievalPolicyIDs []string `yaml:"retrieval_policy_ids" json:"retrieval_policy_ids"`
	PromptTemplateIDs  []string `yaml:"prompt_template_ids" json:"prompt_template_ids"`
	ToolChainIDs       []string `yaml:"tool_chain_ids" json:"tool_chain_ids"`
}

// Guards snapshots the budget state at decision time.
type Guards struct {
	HardStop          bool    `json:"hard_stop"`
	StopReason        string  `json:"stop_reason,omitempty"`
	RemainingFailures int     `json:"remaining_failures"`
	RemainingCostUSD  float64 `json:"remaining_cost_usd"`
}

// Decision is the persisted record of one explore/skip choice.
type Decision struct {
	SchemaVersion string   `json:"schema_version"`
	RunID         string   `json:"run_id"`
	GeneratedAt   string   `json:"generated_at"`
	InputsHash    string   `json:"inputs_hash"`
	Explore       bool     `json:"explore"`
	Reasons       []string `json:"reasons,omitempty"`
	TargetSpaces  []string `json:"target_spaces,omitempty"`
	SpawnedIDs    []string `json:"spawned_candidate_ids,omitempty"`
	SkipReason    string   `json:"skip_reason,omitempty"`
	Guards        Guards   `json:"guards"`
}

// ShadowOutcome is the summary an evaluator returns for the first spawned
// candidate: the shadow diff deltas plus the regression verdict.
type ShadowOutcome struct {
	DecisionDivergence bool    `json:"decision_divergence"`
	SuccessDelta       float64 `json:"success_delta"`
	CostDeltaUSD       float64 `json:"cost_delta_usd"`
	LatencyDeltaMs     float64 `json:"latency_delta_ms"`
	SuccessUplift      float64 `json:"success_uplift"`
	CoverageGain       float64 `json:"coverage_gain"`
	RegressionPass     bool    `json:"regression_pass"`
}

// CandidateEvaluator runs the shadow and replay path for a fresh candidate.
// Wired by the learning controller; nil disables first-candidate evaluation.
type CandidateEvaluator interface {
	Evaluate(ctx context.Context, c *policy.CandidatePolicy, sig *record.RunSignal) (*ShadowOutcome, error)
}

// Engine is the exploration decision maker.
type Engine struct {
	artifacts   artifact.Store
	registry    *policy.Registry
	budget      *failbudget.Budget
	limiter     failbudget.SpawnLimiter
	evaluator   CandidateEvaluator
	pools       Pools
	maxParallel int
	logger      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvaluator wires the shadow and replay path for first candidates.
func WithEvaluator(ev CandidateEvaluator) Option {
	return func(e *Engine) { e.evaluator = ev }
}

// WithSpawnLimiter caps candidate spawn rate.
func WithSpawnLimiter(l failbudget.SpawnLimiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithMaxParallelCandidates overrides the default of 2.
func WithMaxParallelCandidates(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// NewEngine creates an exploration engine over the shared stores.
func NewEngine(artifacts artifact.Store, registry *policy.Registry, budget *failbudget.Budget, pools Pools, opts ...Option) *Engine {
	e := &Engine{
		artifacts:   artifacts,
		registry:    registry,
		budget:      budget,
		pools:       pools,
		maxParallel: 2,
		logger:      slog.Default().With("component", "exploration"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Observe is called after each run. It always persists a Decision; when the
// decide rules fire and the budget allows, it spawns candidates and runs the
// shadow path for the first one.
func (e *Engine) Observe(ctx context.Context, sig *record.RunSignal, attr *record.Attribution, policyKPI *kpi.KPI, base policy.StrategyGenome) (*Decision, error) {
	dec := &Decision{
		SchemaVersion: record.SchemaVersion,
		RunID:         sig.RunID,
		GeneratedAt:   record.Now(),
	}
	hash, err := canonical.InputsHash(struct {
		RunID     string  `json:"run_id"`
		PolicyID  string  `json:"policy_id"`
		Success   bool    `json:"success"`
		Pattern   string  `json:"pattern"`
		KPIRate   float64 `json:"kpi_success_rate"`
		Attribute string  `json:"primary_cause"`
	}{sig.RunID, sig.PolicyID, sig.Success, sig.PatternHash, kpiSuccess(policyKPI), primaryCause(attr)})
	if err != nil {
		return nil, fmt.Errorf("exploration decision hash: %w", err)
	}
	dec.InputsHash = hash

	dec.Reasons, dec.TargetSpaces = e.decide(sig, attr, policyKPI)
	dec.Explore = len(dec.Reasons) > 0

	budgetState := e.budget.Snapshot()
	dec.Guards = Guards{
		HardStop:          budgetState.HardStop,
		StopReason:        budgetState.LastStopReason,
		RemainingFailures: budgetState.RemainingFailures,
		RemainingCostUSD:  budgetState.RemainingCostUSD,
	}
	if dec.Explore && budgetState.HardStop {
		dec.Explore = false
		dec.SkipReason = "hard_stop:" + budgetState.LastStopReason
	}
	if dec.Explore && e.limiter != nil {
		ok, lerr := e.limiter.Allow(ctx, sig.PolicyID)
		if lerr != nil {
			e.logger.Warn("spawn limiter unavailable, skipping spawn", "error", lerr)
			ok = false
		}
		if !ok {
			dec.Explore = false
			dec.SkipReason = "spawn_rate_limited"
		}
	}

	if dec.Explore {
		if err := e.spawn(ctx, dec, sig, attr, base); err != nil {
			e.logger.Warn("candidate spawn failed", "run_id", sig.RunID, "error", err)
			dec.SkipReason = "spawn_failed"
		}
		// The spawn path may have spent budget or tripped the hard stop;
		// the persisted decision carries the post-spawn guard state.
		budgetState = e.budget.Snapshot()
		dec.Guards = Guards{
			HardStop:          budgetState.HardStop,
			StopReason:        budgetState.LastStopReason,
			RemainingFailures: budgetState.RemainingFailures,
			RemainingCostUSD:  budgetState.RemainingCostUSD,
		}
	}

	if err := e.saveDecision(ctx, dec); err != nil {
		return nil, err
	}
	return dec, nil
}

func (e *Engine) decide(sig *record.RunSignal, attr *record.Attribution, policyKPI *kpi.KPI) (reasons, targets []string) {
	if policyKPI != nil && policyKPI.SuccessRate < lowSuccessThreshold {
		reasons = append(reasons, ReasonLowSuccessRate)
	}
	if sig.PatternIsNew && !sig.Success {
		reasons = append(reasons, ReasonNewPatternFailure)
	}
	if len(reasons) == 0 {
		return nil, nil
	}
	if attr != nil && attr.Failure {
		switch attr.PrimaryCause {
		case record.CauseRetrievalMiss:
			return reasons, []string{TargetRetrieval}
		case record.CausePromptMismatch:
			return reasons, []string{TargetPrompt}
		case record.CauseToolTimeout:
			return reasons, []string{TargetToolCombo}
		}
	}
	return reasons, []string{TargetRetrieval, TargetPrompt, TargetToolCombo}
}

func (e *Engine) spawn(ctx context.Context, dec *Decision, sig *record.RunSignal, attr *record.Attribution, base policy.StrategyGenome) error {
	shadowing, err := e.registry.CountByStatus(ctx, policy.CandidateShadowing)
	if err != nil {
		return err
	}
	generated, err := e.registry.CountByStatus(ctx, policy.CandidateGenerated)
	if err != nil {
		return err
	}
	slots := e.maxParallel - shadowing - generated
	if slots <= 0 {
		dec.SkipReason = "max_parallel_candidates"
		dec.Explore = false
		return nil
	}
	if !e.budget.CanSpend(1, 0, 0) {
		dec.SkipReason = "budget_exhausted"
		dec.Explore = false
		// A spend the budget cannot cover trips the hard stop so later
		// decisions skip without re-probing.
		if err := e.budget.Spend(ctx, 1, 0, 0); err != nil {
			e.logger.Warn("budget hard stop persist failed", "run_id", sig.RunID, "error", err)
		}
		return nil
	}

	rng := decisionRNG(sig.RunID, sig.PolicyID)
	for i := 0; i < slots; i++ {
		cand, mutErr := e.mutate(base, dec.TargetSpaces, rng, sig)
		if mutErr != nil {
			return mutErr
		}
		cand.ParentID = sig.PolicyID
		if err := e.registry.SaveCandidate(ctx, cand); err != nil {
			return err
		}
		dec.SpawnedIDs = append(dec.SpawnedIDs, cand.CandidateID)

		if i == 0 && e.evaluator != nil {
			e.evaluateFirst(ctx, cand, sig, attr)
		}
	}
	return nil
}

// evaluateFirst runs the shadow path for the first candidate only, updates
// its status from the regression verdict, and persists a discovery reward.
func (e *Engine) evaluateFirst(ctx context.Context, cand *policy.CandidatePolicy, sig *record.RunSignal, attr *record.Attribution) {
	outcome, err := e.evaluator.Evaluate(ctx, cand, sig)
	if err != nil {
		e.logger.Warn("first-candidate evaluation failed", "candidate_id", cand.CandidateID, "error", err)
		return
	}
	status := policy.CandidateShadowing
	if !outcome.RegressionPass {
		status = policy.CandidateRejected
	}
	if err := e.registry.UpdateCandidateStatus(ctx, cand.CandidateID, status); err != nil {
		e.logger.Warn("candidate status update failed", "candidate_id", cand.CandidateID, "error", err)
	}

	reward := ComputeReward(outcome, sig, attr)
	reward.CandidateID = cand.CandidateID
	reward.RunID = sig.RunID
	if err := e.saveReward(ctx, reward); err != nil {
		e.logger.Warn("reward persist failed", "run_id", sig.RunID, "error", err)
	}

	spendFailures := 0
	if outcome.SuccessDelta < 0 {
		spendFailures = 1
	}
	cost := outcome.CostDeltaUSD
	if cost < 0 {
		cost = 0
	}
	lat := int64(outcome.LatencyDeltaMs)
	if lat < 0 {
		lat = 0
	}
	if err := e.budget.Spend(ctx, spendFailures, cost, lat); err != nil {
		e.logger.Warn("budget spend failed", "error", err)
	}
}

func (e *Engine) saveDecision(ctx context.Context, dec *Decision) error {
	data, err := json.Marshal(dec)
	if err != nil {
		return fmt.Errorf("marshal decision %s: %w", dec.RunID, err)
	}
	_, err = e.artifacts.Put(ctx, fmt.Sprintf(keyDecisionFmt, dec.RunID), data)
	return err
}

func (e *Engine) saveReward(ctx context.Context, r *Reward) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal reward %s: %w", r.RunID, err)
	}
	_, err = e.artifacts.Put(ctx, fmt.Sprintf(keyRewardFmt, r.RunID), data)
	return err
}

// decisionRNG seeds a deterministic generator per decision so repeated
// processing of the same run draws the same mutations.
func decisionRNG(runID, policyID string) *rand.Rand {
	sum := sha256.Sum256([]byte(runID + "|" + policyID))
	seed := int64(binary.BigEndian.Uint64(sum[:8])) //nolint:gosec // non-cryptographic draw
	return rand.New(rand.NewSource(seed))           //nolint:gosec // deterministic by design requirement
}

func kpiSuccess(k *kpi.KPI) float64 {
	if k == nil {
		return 1.0
	}
	return k.SuccessRate
}

func primaryCause(attr *record.Attribution) string {
	if attr == nil {
		return ""
	}
	return string(attr.PrimaryCause)
}

// sortedCopy returns a sorted copy for deterministic pool iteration.
func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func newCandidateID() string {
	return "cand_" + uuid.NewString()
}
