// Package replay re-executes a candidate policy against a curated golden
// suite plus recent failures and novel patterns, and decides whether the
// candidate regresses against the golden baseline.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/evoloop/pkg/artifact"
	"github.com/Mindburn-Labs/evoloop/pkg/record"
	"github.com/Mindburn-Labs/evoloop/pkg/shadow"
)

const (
	keyGoldenSuite  = "eval/golden_suite.json"
	keyReportFmt    = "eval/golden_replay_report_%s.json"
	defaultSuiteCap = 100
)

// Blocking reason names carried on a failing verdict.
const (
	BlockSuccessRateDrop   = "success_rate_drop"
	BlockCostIncrease      = "cost_increase"
	BlockNewFailureModes   = "new_failure_modes"
	BlockSuccessRegression = "success_regression"
)

// GoldenItem is one curated input with its recorded baseline behavior.
type GoldenItem struct {
	RunID             string                 `json:"run_id"`
	Input             map[string]interface{} `json:"input,omitempty"`
	Signal            *record.RunSignal      `json:"signal,omitempty"`
	ExpectedSuccess   bool                   `json:"expected_success"`
	BaselineCostUSD   float64                `json:"baseline_cost_usd"`
	BaselineLatencyMs float64                `json:"baseline_latency_ms"`
	BaselineErrorType string                 `json:"baseline_error_type,omitempty"`
}

// suiteItem is one replay input; golden items carry a baseline, the rest
// only carry expectations.
type suiteItem struct {
	GoldenItem
	Source string `json:"source"` // golden | recent_failure | novel_pattern
}

// Thresholds configure the drift checks.
type Thresholds struct {
	SuccessDropThreshold  float64 `json:"success_drop_threshold"`
	CostIncreaseThreshold float64 `json:"cost_increase_threshold"`
	AllowNewFailureModes  bool    `json:"allow_new_failure_modes"`
	SuiteCap              int     `json:"suite_cap"`
}

// DefaultThresholds returns the standard regression configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SuccessDropThreshold:  0.05,
		CostIncreaseThreshold: 0.10,
		AllowNewFailureModes:  false,
		SuiteCap:              defaultSuiteCap,
	}
}

// ItemResult records the candidate's behavior on one replay input.
type ItemResult struct {
	RunID     string  `json:"run_id"`
	Source    string  `json:"source"`
	Success   bool    `json:"success"`
	CostUSD   float64 `json:"cost_usd"`
	LatencyMs float64 `json:"latency_ms"`
	ErrorType string  `json:"error_type,omitempty"`
}

// Verdict is the regression decision for one candidate.
type Verdict struct {
	SchemaVersion string `json:"schema_version"`
	CandidateID   string `json:"candidate_id"`
	GeneratedAt   string `json:"generated_at"`

	SuiteSize       int          `json:"suite_size"`
	GoldenSize      int          `json:"golden_size"`
	Results         []ItemResult `json:"results"`
	PassRegression  bool         `json:"pass_regression"`
	SafeToRollout   bool         `json:"safe_to_rollout"`
	BlockingReasons []string     `json:"blocking_reasons,omitempty"`

	CandidateSuccessRate float64 `json:"candidate_success_rate"`
	GoldenSuccessRate    float64 `json:"golden_success_rate"`
	CandidateAvgCostUSD  float64 `json:"candidate_avg_cost_usd"`
	GoldenAvgCostUSD     float64 `json:"golden_avg_cost_usd"`
}

// Runner builds replay suites and evaluates candidates against them.
type Runner struct {
	artifacts  artifact.Store
	thresholds Thresholds
	timeout    time.Duration
	logger     *slog.Logger
}

// NewRunner creates a replay runner; timeout bounds each replay item.
func NewRunner(artifacts artifact.Store, thresholds Thresholds, timeout time.Duration) *Runner {
	if thresholds.SuiteCap <= 0 {
		thresholds.SuiteCap = defaultSuiteCap
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Runner{
		artifacts:  artifacts,
		thresholds: thresholds,
		timeout:    timeout,
		logger:     slog.Default().With("component", "replay"),
	}
}

// LoadGoldenSuite reads the curated golden list; absence yields an empty
// suite, not an error.
func (r *Runner) LoadGoldenSuite(ctx context.Context) ([]GoldenItem, error) {
	data, err := r.artifacts.Get(ctx, keyGoldenSuite)
	if err != nil {
		if artifact.IsAbsent(err) {
			return nil, nil
		}
		return nil, err
	}
	var items []GoldenItem
	if err := json.Unmarshal(data, &items); err != nil {
		r.logger.Warn("corrupt golden suite, treating as empty", "error", err)
		return nil, nil
	}
	return items, nil
}

// SaveGoldenSuite replaces the curated golden list.
func (r *Runner) SaveGoldenSuite(ctx context.Context, items []GoldenItem) error {
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshal golden suite: %w", err)
	}
	_, err = r.artifacts.Put(ctx, keyGoldenSuite, data)
	return err
}

// buildSuite merges golden items, recent failures, and novel-pattern runs,
// capped at the configured size with golden items taking priority.
func (r *Runner) buildSuite(golden []GoldenItem, recent []*record.RunSignal) []suiteItem {
	limit := r.thresholds.SuiteCap
	suite := make([]suiteItem, 0, limit)
	seen := make(map[string]bool)

	for _, g := range golden {
		if len(suite) >= limit {
			return suite
		}
		suite = append(suite, suiteItem{GoldenItem: g, Source: "golden"})
		seen[g.RunID] = true
	}
	for _, sig := range recent {
		if len(suite) >= limit {
			return suite
		}
		if sig.Success || seen[sig.RunID] {
			continue
		}
		suite = append(suite, suiteItem{
			GoldenItem: GoldenItem{RunID: sig.RunID, Signal: sig, ExpectedSuccess: false},
			Source:     "recent_failure",
		})
		seen[sig.RunID] = true
	}
	for _, sig := range recent {
		if len(suite) >= limit {
			return suite
		}
		if !sig.PatternIsNew || seen[sig.RunID] {
			continue
		}
		suite = append(suite, suiteItem{
			GoldenItem: GoldenItem{RunID: sig.RunID, Signal: sig, ExpectedSuccess: sig.Success},
			Source:     "novel_pattern",
		})
		seen[sig.RunID] = true
	}
	return suite
}

// Evaluate replays the suite under the candidate runner and renders the
// regression verdict. The report is persisted per candidate.
func (r *Runner) Evaluate(ctx context.Context, candidateID string, recent []*record.RunSignal, candidate shadow.Runner) (*Verdict, error) {
	golden, err := r.LoadGoldenSuite(ctx)
	if err != nil {
		return nil, err
	}
	suite := r.buildSuite(golden, recent)

	v := &Verdict{
		SchemaVersion: record.SchemaVersion,
		CandidateID:   candidateID,
		GeneratedAt:   record.Now(),
		SuiteSize:     len(suite),
		GoldenSize:    len(golden),
	}

	goldenErrorTypes := make(map[string]bool)
	var goldenSuccesses int
	var goldenCost float64
	for _, g := range golden {
		if g.ExpectedSuccess {
			goldenSuccesses++
		}
		goldenCost += g.BaselineCostUSD
		if g.BaselineErrorType != "" {
			goldenErrorTypes[g.BaselineErrorType] = true
		}
	}
	if len(golden) > 0 {
		v.GoldenSuccessRate = float64(goldenSuccesses) / float64(len(golden))
		v.GoldenAvgCostUSD = goldenCost / float64(len(golden))
	}

	var successes int
	var costSum float64
	blocked := make(map[string]bool)
	for _, item := range suite {
		res := r.replayOne(ctx, item, candidate)
		v.Results = append(v.Results, res)
		if res.Success {
			successes++
		}
		costSum += res.CostUSD

		if item.ExpectedSuccess && !res.Success {
			blocked[BlockSuccessRegression] = true
		}
		if !r.thresholds.AllowNewFailureModes && res.ErrorType != "" && !goldenErrorTypes[res.ErrorType] {
			blocked[BlockNewFailureModes] = true
		}
	}
	if len(suite) > 0 {
		v.CandidateSuccessRate = float64(successes) / float64(len(suite))
		v.CandidateAvgCostUSD = costSum / float64(len(suite))
	}

	if len(golden) > 0 {
		if v.CandidateSuccessRate < v.GoldenSuccessRate*(1-r.thresholds.SuccessDropThreshold) {
			blocked[BlockSuccessRateDrop] = true
		}
		if v.GoldenAvgCostUSD > 0 && v.CandidateAvgCostUSD > v.GoldenAvgCostUSD*(1+r.thresholds.CostIncreaseThreshold) {
			blocked[BlockCostIncrease] = true
		}
	}

	for _, reason := range []string{BlockSuccessRateDrop, BlockCostIncrease, BlockNewFailureModes, BlockSuccessRegression} {
		if blocked[reason] {
			v.BlockingReasons = append(v.BlockingReasons, reason)
		}
	}
	v.PassRegression = len(v.BlockingReasons) == 0
	v.SafeToRollout = v.PassRegression && len(suite) > 0

	if err := r.saveReport(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// replayOne executes one input under the item timeout. Timeouts and runner
// errors count as failures with a named error type.
func (r *Runner) replayOne(ctx context.Context, item suiteItem, candidate shadow.Runner) ItemResult {
	itemCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	out, err := candidate.Run(itemCtx, &shadow.Payload{
		RunID:  item.RunID,
		Input:  item.Input,
		Signal: item.Signal,
	})
	if err != nil {
		errType := "runner_error"
		if itemCtx.Err() == context.DeadlineExceeded {
			errType = "timeout"
		}
		r.logger.Warn("replay item failed", "run_id", item.RunID, "error", err)
		return ItemResult{
			RunID:     item.RunID,
			Source:    item.Source,
			Success:   false,
			LatencyMs: float64(time.Since(start).Milliseconds()),
			ErrorType: errType,
		}
	}
	if out == nil {
		r.logger.Warn("replay item returned no outcome", "run_id", item.RunID)
		return ItemResult{
			RunID:     item.RunID,
			Source:    item.Source,
			Success:   false,
			LatencyMs: float64(time.Since(start).Milliseconds()),
			ErrorType: "empty_outcome",
		}
	}
	return ItemResult{
		RunID:     item.RunID,
		Source:    item.Source,
		Success:   out.Success,
		CostUSD:   out.CostUSD,
		LatencyMs: out.LatencyMs,
		ErrorType: out.ErrorType,
	}
}

func (r *Runner) saveReport(ctx context.Context, v *Verdict) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal replay report %s: %w", v.CandidateID, err)
	}
	_, err = r.artifacts.Put(ctx, fmt.Sprintf(keyReportFmt, v.CandidateID), data)
	return err
}
