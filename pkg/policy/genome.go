package policy

// PlannerMode is the planning strategy a genome selects.
type PlannerMode string

const (
	PlannerNormal   PlannerMode = "normal"
	PlannerDegraded PlannerMode = "degraded"
	PlannerMinimal  PlannerMode = "minimal"
	PlannerFallback PlannerMode = "fallback"
)

// StrategyGenome is the tunable parameter vector defining a policy's
// behavior. Mutation operators act on these fields.
type StrategyGenome struct {
	RetrievalPolicyID string      `json:"retrieval_policy_id"`
	PromptTemplateID  string      `json:"prompt_template_id"`
	ToolChainID       string      `json:"tool_chain_id"`
	PlannerMode       PlannerMode `json:"planner_mode"`
	TopK              int         `json:"top_k"`
	ToolTimeoutMs     int64       `json:"tool_timeout_ms"`
}

// CandidateStatus is the lifecycle state of a candidate policy.
type CandidateStatus string

const (
	CandidateGenerated CandidateStatus = "generated"
	CandidateShadowing CandidateStatus = "shadowing"
	CandidateRejected  CandidateStatus = "rejected"
	CandidatePassed    CandidateStatus = "passed"
	CandidateRolledOut CandidateStatus = "rolled_out"
)

// EvaluationPlan fixes how a candidate will be evaluated before rollout.
type EvaluationPlan struct {
	ShadowRuns    int     `json:"shadow_runs"`
	ReplayCap     int     `json:"replay_cap"`
	MinUplift     float64 `json:"min_success_uplift"`
	MaxCostGrowth float64 `json:"max_cost_increase"`
}

// CandidatePolicy is a mutated genome awaiting evaluation.
type CandidatePolicy struct {
	SchemaVersion     string          `json:"schema_version"`
	CandidateID       string          `json:"candidate_id"`
	ParentID          string          `json:"parent_id"`
	Genome            StrategyGenome  `json:"genome"`
	MutationOperators []string        `json:"mutation_operators"`
	InputsHash        string          `json:"inputs_hash"`
	EvaluationPlan    EvaluationPlan  `json:"evaluation_plan"`
	Status            CandidateStatus `json:"status"`
	GeneratedAt       string          `json:"generated_at"`
}
