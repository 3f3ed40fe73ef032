package record

import (
	"fmt"

	"github.com/Mindburn-Labs/evoloop/pkg/canonical"
)

// RunSignal is the normalized, flat view of a completed run. It is the
// stable contract between the collector and every downstream consumer;
// RunRecord layout may change, RunSignal fields may only be added.
type RunSignal struct {
	SchemaVersion string `json:"schema_version"`
	RunID         string `json:"run_id"`
	CreatedAt     string `json:"created_at"`
	CompletedAt   string `json:"completed_at"`

	PolicyID           string       `json:"policy_id"`
	PlanID             string       `json:"plan_id"`
	PlanPathType       PlanPathType `json:"plan_path_type"`
	GovernanceDecision string       `json:"governance_decision,omitempty"`
	FinalState         FinalState   `json:"final_state"`
	Success            bool         `json:"success"`

	ToolSequence     []string       `json:"tool_sequence"`
	ToolFailureTypes map[string]int `json:"tool_failure_types,omitempty"`
	ToolSuccessRate  float64        `json:"tool_success_rate"`

	RetrievalPolicyID string `json:"retrieval_policy_id"`
	NumDocs           int    `json:"num_docs"`

	EvidenceTotal     int     `json:"evidence_total"`
	EvidenceUsed      int     `json:"evidence_used"`
	EvidenceConflicts int     `json:"evidence_conflicts"`
	EvidenceUsageRate float64 `json:"evidence_usage_rate"`

	PromptTemplateID    string  `json:"prompt_template_id"`
	GenerationTokens    int     `json:"generation_tokens"`
	GenerationLatencyMs int64   `json:"generation_latency_ms"`
	GenerationCostUSD   float64 `json:"generation_cost_usd"`

	TotalCostUSD float64 `json:"total_cost_usd"`
	LatencyMs    int64   `json:"latency_ms"`

	PatternHash  string `json:"pattern_hash"`
	PatternIsNew bool   `json:"pattern_is_new"`

	PlanSwitches int `json:"plan_switches"`
	RetryCount   int `json:"retry_count"`
}

// EvidenceBucket maps an evidence count into a coarse bucket so that
// pattern signatures stay stable across small count jitter.
func EvidenceBucket(n int) string {
	switch {
	case n == 0:
		return "none"
	case n <= 3:
		return "low"
	case n <= 10:
		return "mid"
	default:
		return "high"
	}
}

// PatternSignature identifies a class of execution behavior for cross-run
// learning: the canonical hash of (tool sequence, planner choice, retrieval
// policy, evidence count bucket, prompt template).
func PatternSignature(s *RunSignal) (string, error) {
	input := struct {
		Tools          []string `json:"tools"`
		Plan           string   `json:"plan"`
		Retrieval      string   `json:"retrieval"`
		EvidenceBucket string   `json:"evidence_bucket"`
		Prompt         string   `json:"prompt"`
	}{
		Tools:          s.ToolSequence,
		Plan:           canonical.NormalizeID(string(s.PlanPathType)),
		Retrieval:      canonical.NormalizeID(s.RetrievalPolicyID),
		EvidenceBucket: EvidenceBucket(s.EvidenceTotal),
		Prompt:         canonical.NormalizeID(s.PromptTemplateID),
	}
	h, err := canonical.Hash(input)
	if err != nil {
		return "", fmt.Errorf("pattern signature: %w", err)
	}
	return h[:16], nil
}
