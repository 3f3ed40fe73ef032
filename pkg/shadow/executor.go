// Package shadow executes a candidate policy side by side with the active
// one, without production side effects, and reports per-run divergence and
// aggregate statistics over recent traffic.
package shadow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Mindburn-Labs/evoloop/pkg/canonical"
	"github.com/Mindburn-Labs/evoloop/pkg/record"
	"github.com/Mindburn-Labs/evoloop/pkg/trace"
)

// Payload is the replayed input handed to both runners.
type Payload struct {
	RunID  string                 `json:"run_id"`
	Input  map[string]interface{} `json:"input,omitempty"`
	Signal *record.RunSignal      `json:"signal,omitempty"`
}

// Outcome is what one runner produced for one payload.
type Outcome struct {
	Decision          string  `json:"decision"`
	Success           bool    `json:"success"`
	CostUSD           float64 `json:"cost_usd"`
	LatencyMs         float64 `json:"latency_ms"`
	EvidenceUsageRate float64 `json:"evidence_usage_rate"`
	ErrorType         string  `json:"error_type,omitempty"`
}

// Runner executes one payload under a fixed policy. Implementations must be
// side-effect-free: no writes outside the shadow namespace.
type Runner interface {
	Run(ctx context.Context, p *Payload) (*Outcome, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, p *Payload) (*Outcome, error)

func (f RunnerFunc) Run(ctx context.Context, p *Payload) (*Outcome, error) { return f(ctx, p) }

// Result is the persisted per-run shadow diff.
type Result struct {
	SchemaVersion string `json:"schema_version"`
	RunID         string `json:"run_id"`
	GeneratedAt   string `json:"generated_at"`
	InputsHash    string `json:"inputs_hash"`

	Active    *Outcome `json:"active"`
	Candidate *Outcome `json:"candidate"`

	DecisionDivergence bool    `json:"decision_divergence"`
	CostDeltaUSD       float64 `json:"cost_delta_usd"`
	LatencyDeltaMs     float64 `json:"latency_delta_ms"`
	SuccessDelta       float64 `json:"success_delta"`
}

// ErrNoCandidateRunner is returned when the candidate runner is missing;
// shadowing a policy against itself produces no information.
var ErrNoCandidateRunner = errors.New("shadow: candidate runner required")

// Executor runs shadow comparisons with a per-item timeout.
type Executor struct {
	traces  *trace.Store
	timeout time.Duration
	logger  *slog.Logger
}

// NewExecutor creates an Executor persisting diffs through the trace store.
// timeout bounds each runner invocation; zero means 30s.
func NewExecutor(traces *trace.Store, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Executor{
		traces:  traces,
		timeout: timeout,
		logger:  slog.Default().With("component", "shadow"),
	}
}

// RunShadow executes active then candidate sequentially on the same payload
// and persists the diff under the shadow namespace.
func (e *Executor) RunShadow(ctx context.Context, runID string, p *Payload, active, candidate Runner) (*Result, error) {
	if candidate == nil {
		return nil, ErrNoCandidateRunner
	}
	if active == nil {
		return nil, errors.New("shadow: active runner required")
	}

	// Candidate runs after active so both observe the same snapshot of any
	// shared read-only state.
	activeOut := e.runOne(ctx, active, p)
	candOut := e.runOne(ctx, candidate, p)

	res := &Result{
		SchemaVersion: record.SchemaVersion,
		RunID:         runID,
		GeneratedAt:   record.Now(),
		Active:        activeOut,
		Candidate:     candOut,

		DecisionDivergence: activeOut.Decision != candOut.Decision,
		CostDeltaUSD:       candOut.CostUSD - activeOut.CostUSD,
		LatencyDeltaMs:     candOut.LatencyMs - activeOut.LatencyMs,
		SuccessDelta:       successValue(candOut) - successValue(activeOut),
	}
	hash, err := canonical.InputsHash(struct {
		RunID string   `json:"run_id"`
		Input *Payload `json:"payload"`
	}{runID, p})
	if err != nil {
		return nil, fmt.Errorf("shadow inputs hash: %w", err)
	}
	res.InputsHash = hash

	if err := e.traces.SaveShadowDiff(ctx, runID, res); err != nil {
		return nil, err
	}
	return res, nil
}

// runOne invokes a runner under the item timeout. Runner errors and
// timeouts become failed outcomes rather than aborting the comparison.
func (e *Executor) runOne(ctx context.Context, r Runner, p *Payload) *Outcome {
	itemCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	out, err := r.Run(itemCtx, p)
	if err != nil {
		errType := "runner_error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(itemCtx.Err(), context.DeadlineExceeded) {
			errType = "timeout"
		}
		e.logger.Warn("shadow runner failed", "run_id", p.RunID, "error", err)
		return &Outcome{
			Success:   false,
			LatencyMs: float64(time.Since(start).Milliseconds()),
			ErrorType: errType,
		}
	}
	if out == nil {
		return &Outcome{Success: false, ErrorType: "empty_outcome"}
	}
	return out
}

func successValue(o *Outcome) float64 {
	if o.Success {
		return 1.0
	}
	return 0.0
}

// SideStats aggregates one side of an evaluation.
type SideStats struct {
	Runs             int     `json:"runs"`
	SuccessRate      float64 `json:"success_rate"`
	AvgCostUSD       float64 `json:"avg_cost_usd"`
	P95LatencyMs     float64 `json:"p95_latency_ms"`
	EvidencePassRate float64 `json:"evidence_pass_rate"`
}

// EvalReport compares active and candidate over a batch of replayed runs.
// The release gate consumes this report.
type EvalReport struct {
	SchemaVersion string `json:"schema_version"`
	GeneratedAt   string `json:"generated_at"`
	CandidateID   string `json:"candidate_id"`

	Active    SideStats `json:"active"`
	Candidate SideStats `json:"candidate"`

	SuccessUplift  float64 `json:"success_uplift"`
	CostDeltaUSD   float64 `json:"cost_delta_usd"`
	LatencyDeltaMs float64 `json:"latency_delta_ms"`
}

// Evaluate replays recent run signals under both runners sequentially and
// aggregates the outcomes. Individual item failures count as failed runs.
func (e *Executor) Evaluate(ctx context.Context, candidateID string, signals []*record.RunSignal, active, candidate Runner) (*EvalReport, error) {
	if candidate == nil {
		return nil, ErrNoCandidateRunner
	}
	if active == nil {
		return nil, errors.New("shadow: active runner required")
	}

	var activeOuts, candOuts []*Outcome
	for _, sig := range signals {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := &Payload{RunID: sig.RunID, Signal: sig}
		activeOuts = append(activeOuts, e.runOne(ctx, active, p))
		candOuts = append(candOuts, e.runOne(ctx, candidate, p))
	}

	report := &EvalReport{
		SchemaVersion: record.SchemaVersion,
		GeneratedAt:   record.Now(),
		CandidateID:   candidateID,
		Active:        aggregate(activeOuts),
		Candidate:     aggregate(candOuts),
	}
	report.SuccessUplift = report.Candidate.SuccessRate - report.Active.SuccessRate
	report.CostDeltaUSD = report.Candidate.AvgCostUSD - report.Active.AvgCostUSD
	report.LatencyDeltaMs = report.Candidate.P95LatencyMs - report.Active.P95LatencyMs
	return report, nil
}

const evidencePassMinimum = 0.3

func aggregate(outs []*Outcome) SideStats {
	st := SideStats{Runs: len(outs)}
	if len(outs) == 0 {
		return st
	}
	var successes, passes int
	var costSum float64
	lats := make([]float64, 0, len(outs))
	for _, o := range outs {
		if o.Success {
			successes++
		}
		if o.EvidenceUsageRate >= evidencePassMinimum {
			passes++
		}
		costSum += o.CostUSD
		lats = append(lats, o.LatencyMs)
	}
	sort.Float64s(lats)
	idx := int(0.95 * float64(len(lats)))
	if idx >= len(lats) {
		idx = len(lats) - 1
	}
	st.SuccessRate = float64(successes) / float64(len(outs))
	st.AvgCostUSD = costSum / float64(len(outs))
	st.P95LatencyMs = lats[idx]
	st.EvidencePassRate = float64(passes) / float64(len(outs))
	return st
}
