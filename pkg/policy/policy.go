// Package policy defines released policies, candidate policies, strategy
// genomes, the on-disk registry, and the rules-based trainer.
package policy

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/evoloop/pkg/canonical"
	"github.com/Mindburn-Labs/evoloop/pkg/record"
)

// PlanStat aggregates observed behavior of one plan id.
type PlanStat struct {
	PlanID       string  `json:"plan_id"`
	SuccessRate  float64 `json:"success_rate"`
	Samples      int     `json:"samples"`
	AvgCostUSD   float64 `json:"avg_cost_usd"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// PlanSelectionRules is the trained plan preference of a policy.
type PlanSelectionRules struct {
	PreferPlan    string              `json:"prefer_plan"`
	FallbackOrder []string            `json:"fallback_order"`
	PlanStats     map[string]PlanStat `json:"plan_stats,omitempty"`
}

// Thresholds are the runtime guardrails a policy carries.
type Thresholds struct {
	MaxCostUSD           float64 `json:"max_cost_usd"`
	MaxLatencyMs         float64 `json:"max_latency_ms"`
	FailureRateTolerance float64 `json:"failure_rate_tolerance"`
}

// Metadata records the provenance of a trained policy.
type Metadata struct {
	SourceRuns          int     `json:"source_runs"`
	TotalRunsAtTraining int     `json:"total_runs_at_training"`
	ObservedSuccessRate float64 `json:"observed_success_rate"`
	BaseVersion         int     `json:"base_version,omitempty"`
}

// Policy is a released, versioned configuration. Never mutated; it becomes
// active only through a completed rollout.
type Policy struct {
	SchemaVersion      string             `json:"schema_version"`
	Version            int                `json:"policy_version"`
	PlanSelectionRules PlanSelectionRules `json:"plan_selection_rules"`
	Thresholds         Thresholds         `json:"thresholds"`
	Metadata           Metadata           `json:"metadata"`
	GeneratedAt        string             `json:"generated_at"`
}

// ID returns the policy's stable textual identifier, e.g. "v2".
func (p *Policy) ID() string {
	return fmt.Sprintf("v%d", p.Version)
}

// ContentHash hashes the behavioral content of the policy (rules and
// thresholds, not provenance or timestamps). Two policies with equal
// content hashes route traffic identically.
func (p *Policy) ContentHash() (string, error) {
	return canonical.InputsHash(struct {
		Rules      PlanSelectionRules `json:"rules"`
		Thresholds Thresholds         `json:"thresholds"`
	}{p.PlanSelectionRules, p.Thresholds})
}

// schemaConstraint accepts records of the same schema major version.
var schemaConstraint = mustConstraint("^" + record.SchemaVersion)

func mustConstraint(c string) *semver.Constraints {
	parsed, err := semver.NewConstraint(c)
	if err != nil {
		panic(fmt.Sprintf("invalid schema constraint %q: %v", c, err))
	}
	return parsed
}

// CompatibleSchema reports whether a record's schema_version can be read by
// this build. Versions are semver-ish; unparsable versions are rejected.
func CompatibleSchema(version string) bool {
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return schemaConstraint.Check(v)
}
