package gate

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/evoloop/pkg/shadow"
)

// Rule is an operator-defined gate expression. The expression must evaluate
// to a boolean; false blocks the candidate.
type Rule struct {
	Name string `yaml:"name" json:"name"`
	Expr string `yaml:"expr" json:"expr"`
}

type compiledRule struct {
	name    string
	program cel.Program
}

// RuleSet holds compiled custom rules. Programs are compiled once at
// construction and reused for every evaluation.
type RuleSet struct {
	rules []compiledRule
}

// ruleEnv declares the variables a gate expression may reference.
func ruleEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("active_success_rate", cel.DoubleType),
		cel.Variable("candidate_success_rate", cel.DoubleType),
		cel.Variable("active_avg_cost_usd", cel.DoubleType),
		cel.Variable("candidate_avg_cost_usd", cel.DoubleType),
		cel.Variable("active_p95_latency_ms", cel.DoubleType),
		cel.Variable("candidate_p95_latency_ms", cel.DoubleType),
		cel.Variable("active_evidence_pass_rate", cel.DoubleType),
		cel.Variable("candidate_evidence_pass_rate", cel.DoubleType),
		cel.Variable("active_runs", cel.IntType),
		cel.Variable("candidate_runs", cel.IntType),
		cel.Variable("success_uplift", cel.DoubleType),
		cel.Variable("cost_delta_usd", cel.DoubleType),
		cel.Variable("latency_delta_ms", cel.DoubleType),
	)
}

// NewRuleSet compiles the rules. A rule that does not compile, or whose
// result is not boolean, is a configuration error.
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	env, err := ruleEnv()
	if err != nil {
		return nil, fmt.Errorf("gate rule env: %w", err)
	}
	rs := &RuleSet{}
	for _, r := range rules {
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile gate rule %q: %w", r.Name, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("gate rule %q: result must be bool, got %s", r.Name, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("program gate rule %q: %w", r.Name, err)
		}
		rs.rules = append(rs.rules, compiledRule{name: r.Name, program: prg})
	}
	return rs, nil
}

// Blocking evaluates all rules against a report and returns the names of
// rules that did not hold.
func (rs *RuleSet) Blocking(report *shadow.EvalReport) ([]string, error) {
	vars := map[string]interface{}{
		"active_success_rate":          report.Active.SuccessRate,
		"candidate_success_rate":       report.Candidate.SuccessRate,
		"active_avg_cost_usd":          report.Active.AvgCostUSD,
		"candidate_avg_cost_usd":       report.Candidate.AvgCostUSD,
		"active_p95_latency_ms":        report.Active.P95LatencyMs,
		"candidate_p95_latency_ms":     report.Candidate.P95LatencyMs,
		"active_evidence_pass_rate":    report.Active.EvidencePassRate,
		"candidate_evidence_pass_rate": report.Candidate.EvidencePassRate,
		"active_runs":                  int64(report.Active.Runs),
		"candidate_runs":               int64(report.Candidate.Runs),
		"success_uplift":               report.SuccessUplift,
		"cost_delta_usd":               report.CostDeltaUSD,
		"latency_delta_ms":             report.LatencyDeltaMs,
	}

	var blocked []string
	for _, r := range rs.rules {
		out, _, err := r.program.Eval(vars)
		if err != nil {
			return blocked, fmt.Errorf("eval gate rule %q: %w", r.name, err)
		}
		pass, ok := out.Value().(bool)
		if !ok {
			return blocked, fmt.Errorf("gate rule %q: non-boolean result", r.name)
		}
		if !pass {
			blocked = append(blocked, "custom:"+r.name)
		}
	}
	return blocked, nil
}
