// Package kpi computes rolling-window KPIs per policy, retrieval policy,
// prompt template, and tool signature, with regression flags against the
// previous aggregate.
package kpi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/Mindburn-Labs/evoloop/pkg/artifact"
	"github.com/Mindburn-Labs/evoloop/pkg/record"
)

const kpisKey = "policy_kpis.json"

// Regression flag thresholds versus the previous aggregate.
const (
	regressSuccessDrop  = 0.10
	regressLatencyGrow  = 0.20
	regressCostGrow     = 0.20
	evidencePassMinimum = 0.3
)

// KPI is the rolling aggregate for one keyspace entry.
type KPI struct {
	Key               string         `json:"key"`
	TotalRuns         int            `json:"total_runs"`
	SuccessRate       float64        `json:"success_rate"`
	FailureRate       float64        `json:"failure_rate"`
	AvgCostUSD        float64        `json:"avg_cost_usd"`
	AvgLatencyMs      float64        `json:"avg_latency_ms"`
	P95LatencyMs      int64          `json:"p95_latency_ms"`
	EvidenceUsageRate float64        `json:"evidence_usage_rate"`
	EvidencePassRate  float64        `json:"evidence_pass_rate"`
	FailureCauses     map[string]int `json:"failure_causes,omitempty"`
	RegressionFlags   []string       `json:"regression_flags,omitempty"`
}

// Set is the full aggregate, overwritten atomically each tick.
type Set struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   string          `json:"generated_at"`
	WindowRuns    int             `json:"window_runs"`
	KPIs          map[string]*KPI `json:"kpis"`
}

// Policy returns the KPI for a policy id, or nil.
func (s *Set) Policy(policyID string) *KPI {
	if s == nil {
		return nil
	}
	return s.KPIs["policy::"+policyID]
}

// Aggregator reads run signals and attributions and emits KPI sets.
type Aggregator struct {
	artifacts artifact.Store
	sink      Sink // optional warehouse export
	logger    *slog.Logger
}

// Sink receives each persisted KPI set, e.g. a Postgres warehouse.
type Sink interface {
	Export(ctx context.Context, set *Set) error
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithSink attaches a warehouse sink; export failures are logged, never
// surfaced to the tick.
func WithSink(sink Sink) Option {
	return func(a *Aggregator) { a.sink = sink }
}

// New creates an Aggregator.
func New(artifacts artifact.Store, opts ...Option) *Aggregator {
	a := &Aggregator{
		artifacts: artifacts,
		logger:    slog.Default().With("component", "kpi_aggregator"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type accumulator struct {
	runs        int
	successes   int
	costSum     float64
	latencySum  float64
	latencies   []int64
	evidenceSum float64
	evidenceOK  int
	causes      map[string]int
}

func (acc *accumulator) add(sig *record.RunSignal, attr *record.Attribution) {
	acc.runs++
	if sig.Success {
		acc.successes++
	}
	acc.costSum += sig.TotalCostUSD
	acc.latencySum += float64(sig.LatencyMs)
	acc.latencies = append(acc.latencies, sig.LatencyMs)
	acc.evidenceSum += sig.EvidenceUsageRate
	if sig.EvidenceUsageRate >= evidencePassMinimum {
		acc.evidenceOK++
	}
	if attr != nil && attr.Failure {
		if acc.causes == nil {
			acc.causes = make(map[string]int)
		}
		acc.causes[string(attr.PrimaryCause)]++
	}
}

func (acc *accumulator) kpi(key string) *KPI {
	n := float64(acc.runs)
	k := &KPI{
		Key:               key,
		TotalRuns:         acc.runs,
		SuccessRate:       float64(acc.successes) / n,
		FailureRate:       1 - float64(acc.successes)/n,
		AvgCostUSD:        acc.costSum / n,
		AvgLatencyMs:      acc.latencySum / n,
		P95LatencyMs:      percentile95(acc.latencies),
		EvidenceUsageRate: acc.evidenceSum / n,
		EvidencePassRate:  float64(acc.evidenceOK) / n,
		FailureCauses:     acc.causes,
	}
	return k
}

func percentile95(latencies []int64) int64 {
	if len(latencies) == 0 {
		return 0
	}
	sorted := append([]int64(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (len(sorted)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}

// Aggregate computes KPIs over the window and persists them, comparing each
// key against the previous persisted set for regression flags.
func (a *Aggregator) Aggregate(ctx context.Context, signals []record.RunSignal, attrs map[string]*record.Attribution) (*Set, error) {
	previous, err := a.Load(ctx)
	if err != nil && !artifact.IsAbsent(err) {
		return nil, err
	}

	accs := make(map[string]*accumulator)
	accFor := func(key string) *accumulator {
		acc, ok := accs[key]
		if !ok {
			acc = &accumulator{}
			accs[key] = acc
		}
		return acc
	}

	for i := range signals {
		sig := &signals[i]
		attr := attrs[sig.RunID]
		if sig.PolicyID != "" {
			accFor("policy::" + sig.PolicyID).add(sig, attr)
		}
		if sig.RetrievalPolicyID != "" {
			accFor("retrieval::" + sig.RetrievalPolicyID).add(sig, attr)
		}
		if sig.PromptTemplateID != "" {
			accFor("prompt::" + sig.PromptTemplateID).add(sig, attr)
		}
		if sig.PatternHash != "" {
			accFor("tools::" + sig.PatternHash).add(sig, attr)
		}
	}

	set := &Set{
		SchemaVersion: record.SchemaVersion,
		GeneratedAt:   record.Now(),
		WindowRuns:    len(signals),
		KPIs:          make(map[string]*KPI, len(accs)),
	}
	for key, acc := range accs {
		k := acc.kpi(key)
		if previous != nil {
			if base, ok := previous.KPIs[key]; ok {
				k.RegressionFlags = regressionFlags(k, base)
			}
		}
		set.KPIs[key] = k
	}

	data, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("marshal policy kpis: %w", err)
	}
	if _, err := a.artifacts.Put(ctx, kpisKey, data); err != nil {
		return nil, err
	}

	if a.sink != nil {
		if err := a.sink.Export(ctx, set); err != nil {
			a.logger.WarnContext(ctx, "kpi sink export failed", "error", err)
		}
	}
	return set, nil
}

// Load reads the last persisted KPI set. Absent returns artifact.ErrAbsent.
func (a *Aggregator) Load(ctx context.Context) (*Set, error) {
	data, err := a.artifacts.Get(ctx, kpisKey)
	if err != nil {
		return nil, err
	}
	var set Set
	if err := json.Unmarshal(data, &set); err != nil {
		a.logger.Warn("corrupt kpi set, treating as absent", "error", err)
		return nil, fmt.Errorf("%w: %s", artifact.ErrAbsent, kpisKey)
	}
	return &set, nil
}

func regressionFlags(current, base *KPI) []string {
	var flags []string
	if current.SuccessRate < base.SuccessRate-regressSuccessDrop {
		flags = append(flags, fmt.Sprintf("success_rate_drop: %.2f -> %.2f", base.SuccessRate, current.SuccessRate))
	}
	if base.AvgLatencyMs > 0 && current.AvgLatencyMs > base.AvgLatencyMs*(1+regressLatencyGrow) {
		flags = append(flags, fmt.Sprintf("latency_increase: %.0fms -> %.0fms", base.AvgLatencyMs, current.AvgLatencyMs))
	}
	if base.AvgCostUSD > 0 && current.AvgCostUSD > base.AvgCostUSD*(1+regressCostGrow) {
		flags = append(flags, fmt.Sprintf("cost_increase: %.4f -> %.4f", base.AvgCostUSD, current.AvgCostUSD))
	}
	return flags
}
