// Package gate renders the deterministic release decision over a shadow
// evaluation report: a candidate only proceeds to canary when every check
// holds.
package gate

import (
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/evoloop/pkg/record"
	"github.com/Mindburn-Labs/evoloop/pkg/shadow"
)

// Check names, reported on both passing and blocking sides.
const (
	CheckSuccess  = "success_uplift"
	CheckCost     = "cost_increase"
	CheckLatency  = "latency_increase_p95"
	CheckEvidence = "evidence_pass_rate"
)

// Thresholds configure the gate.
type Thresholds struct {
	MinSuccessUplift      float64 `json:"min_success_uplift"`
	MaxCostIncrease       float64 `json:"max_cost_increase"`
	MaxLatencyIncreaseP95 float64 `json:"max_latency_increase_p95"`
	MinEvidencePassRate   float64 `json:"min_evidence_pass_rate"`
}

// DefaultThresholds returns the standard gate configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSuccessUplift:      0.0,
		MaxCostIncrease:       0.05,
		MaxLatencyIncreaseP95: 0.10,
		MinEvidencePassRate:   0.90,
	}
}

// CheckResult is one evaluated rule.
type CheckResult struct {
	Name      string  `json:"name"`
	Pass      bool    `json:"pass"`
	Observed  float64 `json:"observed"`
	Threshold float64 `json:"threshold"`
}

// Decision is the gate output.
type Decision struct {
	SchemaVersion string `json:"schema_version"`
	CandidateID   string `json:"candidate_id"`
	GeneratedAt   string `json:"generated_at"`

	GatePass       bool          `json:"gate_pass"`
	Reasons        []string      `json:"reasons,omitempty"`
	BlockedReasons []string      `json:"blocked_reasons,omitempty"`
	Checks         []CheckResult `json:"checks"`
	Thresholds     Thresholds    `json:"thresholds"`
}

// Gate applies the built-in checks plus any custom rules.
type Gate struct {
	thresholds Thresholds
	custom     *RuleSet
	logger     *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithCustomRules adds operator-defined expression rules evaluated after
// the built-in checks.
func WithCustomRules(rs *RuleSet) Option {
	return func(g *Gate) { g.custom = rs }
}

// New creates a Gate.
func New(thresholds Thresholds, opts ...Option) *Gate {
	g := &Gate{
		thresholds: thresholds,
		logger:     slog.Default().With("component", "gate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ratio computes numerator/denominator with the zero-denominator rule:
// a non-positive numerator over zero is no increase, a positive one is a
// full increase.
func ratio(numerator, denominator float64) float64 {
	if denominator == 0 {
		if numerator <= 0 {
			return 0
		}
		return 1.0
	}
	return numerator / denominator
}

// Evaluate renders the gate decision for a report. All built-in checks are
// AND-ed; custom rules can only block, never rescue a failing candidate.
func (g *Gate) Evaluate(report *shadow.EvalReport) *Decision {
	t := g.thresholds
	dec := &Decision{
		SchemaVersion: record.SchemaVersion,
		CandidateID:   report.CandidateID,
		GeneratedAt:   record.Now(),
		Thresholds:    t,
	}

	uplift := report.Candidate.SuccessRate - report.Active.SuccessRate
	costRatio := ratio(report.Candidate.AvgCostUSD-report.Active.AvgCostUSD, report.Active.AvgCostUSD)
	latRatio := ratio(report.Candidate.P95LatencyMs-report.Active.P95LatencyMs, report.Active.P95LatencyMs)

	checks := []CheckResult{
		{Name: CheckSuccess, Pass: uplift >= t.MinSuccessUplift, Observed: uplift, Threshold: t.MinSuccessUplift},
		{Name: CheckCost, Pass: costRatio <= t.MaxCostIncrease, Observed: costRatio, Threshold: t.MaxCostIncrease},
		{Name: CheckLatency, Pass: latRatio <= t.MaxLatencyIncreaseP95, Observed: latRatio, Threshold: t.MaxLatencyIncreaseP95},
		{Name: CheckEvidence, Pass: report.Candidate.EvidencePassRate >= t.MinEvidencePassRate, Observed: report.Candidate.EvidencePassRate, Threshold: t.MinEvidencePassRate},
	}
	dec.Checks = checks

	for _, c := range checks {
		if c.Pass {
			dec.Reasons = append(dec.Reasons, c.Name)
		} else {
			dec.BlockedReasons = append(dec.BlockedReasons, c.Name)
		}
	}

	if g.custom != nil {
		blocked, err := g.custom.Blocking(report)
		if err != nil {
			// A broken rule fails closed: the candidate is blocked, not
			// waved through.
			g.logger.Warn("custom gate rule error, blocking", "error", err)
			dec.BlockedReasons = append(dec.BlockedReasons, fmt.Sprintf("custom_rule_error:%v", err))
		}
		dec.BlockedReasons = append(dec.BlockedReasons, blocked...)
	}

	dec.GatePass = len(dec.BlockedReasons) == 0
	return dec
}
