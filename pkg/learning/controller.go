// Package learning hosts the top-level controller: it observes completed
// runs, decides when to train, evaluates candidates against live traffic,
// and drives the staged rollout. Every step is best-effort; nothing in this
// package may fail the run that triggered it.
package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/evoloop/pkg/artifact"
	"github.com/Mindburn-Labs/evoloop/pkg/attribution"
	"github.com/Mindburn-Labs/evoloop/pkg/config"
	"github.com/Mindburn-Labs/evoloop/pkg/exploration"
	"github.com/Mindburn-Labs/evoloop/pkg/failbudget"
	"github.com/Mindburn-Labs/evoloop/pkg/gate"
	"github.com/Mindburn-Labs/evoloop/pkg/kpi"
	"github.com/Mindburn-Labs/evoloop/pkg/observability"
	"github.com/Mindburn-Labs/evoloop/pkg/policy"
	"github.com/Mindburn-Labs/evoloop/pkg/record"
	"github.com/Mindburn-Labs/evoloop/pkg/replay"
	"github.com/Mindburn-Labs/evoloop/pkg/rollout"
	"github.com/Mindburn-Labs/evoloop/pkg/shadow"
	"github.com/Mindburn-Labs/evoloop/pkg/signal"
	"github.com/Mindburn-Labs/evoloop/pkg/trace"
	"github.com/Mindburn-Labs/evoloop/pkg/workingmem"
)

// Actions reported in tick summaries.
const (
	ActionRolloutTick   = "rollout_tick"
	ActionSkip          = "skip"
	ActionCanaryStarted = "canary_started"
	ActionGateBlocked   = "gate_blocked"
	ActionError         = "error"
)

// Summary is the controller's report for one tick. The hot path ignores it;
// operators and tests read it.
type Summary struct {
	Action        string              `json:"action"`
	Reason        string              `json:"reason,omitempty"`
	PolicyVersion int                 `json:"policy_version,omitempty"`
	Rollout       *rollout.TickResult `json:"rollout,omitempty"`
	Gate          *gate.Decision      `json:"gate,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// Controller orchestrates the learning loop.
type Controller struct {
	cfg        *config.Config
	artifacts  artifact.Store
	traces     *trace.Store
	memory     *workingmem.Memory
	collector  *signal.Collector
	attributor *attribution.Attributor
	kpis       *kpi.Aggregator
	budget     *failbudget.Budget
	explorer   *exploration.Engine
	shadows    *shadow.Executor
	replayer   *replay.Runner
	gate       *gate.Gate
	registry   *policy.Registry
	trainer    *policy.Trainer
	rollouts   *rollout.Manager
	audit      *rollout.AuditLog
	runners    RunnerFactory
	obs        *observability.Provider
	logger     *slog.Logger
}

// Deps bundles the component wiring for NewController.
type Deps struct {
	Config     *config.Config
	Artifacts  artifact.Store
	Traces     *trace.Store
	Memory     *workingmem.Memory
	Collector  *signal.Collector
	Attributor *attribution.Attributor
	KPIs       *kpi.Aggregator
	Budget     *failbudget.Budget
	Explorer   *exploration.Engine
	Shadows    *shadow.Executor
	Replayer   *replay.Runner
	Gate       *gate.Gate
	Registry   *policy.Registry
	Trainer    *policy.Trainer
	Rollouts   *rollout.Manager
	Audit      *rollout.AuditLog
	Runners    RunnerFactory
	Observe    *observability.Provider
}

// NewController wires the controller. A nil runner factory falls back to the
// replay simulator.
func NewController(d Deps) *Controller {
	if d.Runners == nil {
		d.Runners = SimFactory{}
	}
	if d.Trainer == nil {
		d.Trainer = policy.NewTrainer()
	}
	return &Controller{
		cfg:        d.Config,
		artifacts:  d.Artifacts,
		traces:     d.Traces,
		memory:     d.Memory,
		collector:  d.Collector,
		attributor: d.Attributor,
		kpis:       d.KPIs,
		budget:     d.Budget,
		explorer:   d.Explorer,
		shadows:    d.Shadows,
		replayer:   d.Replayer,
		gate:       d.Gate,
		registry:   d.Registry,
		trainer:    d.Trainer,
		rollouts:   d.Rollouts,
		audit:      d.Audit,
		runners:    d.Runners,
		obs:        d.Observe,
		logger:     slog.Default().With("component", "learning"),
	}
}

// OnRunCompleted is the hot-path entry point. It persists the run, runs the
// per-run side effects (signal, memory, attribution, KPIs, exploration), and
// then takes one controller tick. Every failure is swallowed into the error
// sink; the caller's run is never affected.
func (c *Controller) OnRunCompleted(ctx context.Context, rec *record.RunRecord, events []record.Event) *Summary {
	var done func(error)
	if c.obs != nil {
		ctx, done = c.obs.TrackOperation(ctx, "learning.on_run_completed")
		c.obs.RecordRun(ctx)
	}

	c.sideEffects(ctx, rec, events)
	summary := c.Tick(ctx)

	if done != nil {
		done(nil)
	}
	return summary
}

// sideEffects runs the per-run shadow pipeline.
func (c *Controller) sideEffects(ctx context.Context, rec *record.RunRecord, events []record.Event) {
	if err := c.traces.SaveRunRecord(ctx, rec); err != nil {
		c.sinkError(ctx, "save_run_record", rec.RunID, err)
		return
	}
	if len(events) > 0 {
		if err := c.traces.AppendEvents(ctx, rec.RunID, events); err != nil {
			c.sinkError(ctx, "append_events", rec.RunID, err)
		}
	}

	sig, err := c.collector.Collect(ctx, rec, events)
	if err != nil {
		c.sinkError(ctx, "collect_signal", rec.RunID, err)
		return
	}

	attr := c.attribute(ctx, sig)
	c.aggregateKPIs(ctx)
	c.explore(ctx, sig, attr)
}

// attribute computes and persists the failure attribution for one signal.
func (c *Controller) attribute(ctx context.Context, sig *record.RunSignal) *record.Attribution {
	attr, err := c.attributor.Attribute(sig, c.history(ctx, sig))
	if err != nil {
		c.sinkError(ctx, "attribute", sig.RunID, err)
		return nil
	}
	if err := c.traces.SaveAttribution(ctx, attr); err != nil {
		c.sinkError(ctx, "save_attribution", sig.RunID, err)
	}
	return attr
}

// history assembles the success-rate context the attributor scores against.
func (c *Controller) history(ctx context.Context, sig *record.RunSignal) attribution.History {
	var hist attribution.History
	if entry, ok := c.memory.Lookup(sig.PatternHash); ok {
		rate := entry.SuccessRate()
		hist.PatternSuccessRate = &rate
	}
	set, err := c.kpis.Load(ctx)
	if err != nil {
		if !artifact.IsAbsent(err) {
			c.sinkError(ctx, "load_kpis", sig.RunID, err)
		}
		return hist
	}
	if k := set.KPIs["retrieval::"+sig.RetrievalPolicyID]; k != nil {
		rate := k.SuccessRate
		hist.RetrievalPolicySuccessRate = &rate
	}
	if k := set.KPIs["prompt::"+sig.PromptTemplateID]; k != nil {
		rate := k.SuccessRate
		hist.PromptTemplateSuccessRate = &rate
	}
	return hist
}

// aggregateKPIs recomputes the rolling KPI set from the signal window.
func (c *Controller) aggregateKPIs(ctx context.Context) {
	signals, err := c.collector.Recent(ctx, 0)
	if err != nil {
		c.sinkError(ctx, "load_signals", "", err)
		return
	}
	attrs := make(map[string]*record.Attribution)
	for i := range signals {
		sig := &signals[i]
		if sig.Success {
			continue
		}
		if attr, err := c.traces.LoadAttribution(ctx, sig.RunID); err == nil {
			attrs[sig.RunID] = attr
		}
	}
	if _, err := c.kpis.Aggregate(ctx, signals, attrs); err != nil {
		c.sinkError(ctx, "aggregate_kpis", "", err)
	}
}

// explore hands the run to the exploration engine with the active genome.
func (c *Controller) explore(ctx context.Context, sig *record.RunSignal, attr *record.Attribution) {
	var policyKPI *kpi.KPI
	if set, err := c.kpis.Load(ctx); err == nil {
		policyKPI = set.Policy(sig.PolicyID)
	}
	if _, err := c.explorer.Observe(ctx, sig, attr, policyKPI, baseGenome(sig)); err != nil {
		c.sinkError(ctx, "explore", sig.RunID, err)
	}
}

// baseGenome projects the run's observed strategy into a genome for
// mutation.
func baseGenome(sig *record.RunSignal) policy.StrategyGenome {
	mode := policy.PlannerNormal
	switch sig.PlanPathType {
	case record.PlanDegraded:
		mode = policy.PlannerDegraded
	case record.PlanMinimal:
		mode = policy.PlannerMinimal
	}
	topK := sig.NumDocs
	if topK <= 0 {
		topK = 5
	}
	return policy.StrategyGenome{
		RetrievalPolicyID: sig.RetrievalPolicyID,
		PromptTemplateID:  sig.PromptTemplateID,
		PlannerMode:       mode,
		TopK:              topK,
		ToolTimeoutMs:     10000,
	}
}

// Tick is the control-path step: advance a live rollout, or decide whether
// to train, evaluate, and gate a new candidate.
func (c *Controller) Tick(ctx context.Context) *Summary {
	st, err := c.rollouts.State(ctx)
	if err != nil {
		return c.errorSummary(ctx, "load_rollout_state", err)
	}
	if st != nil && st.Stage.Routable() {
		res, err := c.rollouts.CheckTick(ctx)
		if err != nil {
			return c.errorSummary(ctx, "rollout_tick", err)
		}
		return &Summary{Action: ActionRolloutTick, Rollout: res}
	}

	signals, err := c.collector.Recent(ctx, 0)
	if err != nil {
		return c.errorSummary(ctx, "load_signals", err)
	}
	totalRuns := len(signals)
	failures := 0
	for i := range signals {
		if !signals[i].Success {
			failures++
		}
	}
	failureRate := 0.0
	if totalRuns > 0 {
		failureRate = float64(failures) / float64(totalRuns)
	}

	runsSinceTraining := totalRuns
	if meta, err := c.registry.LoadTrainingMetadata(ctx); err == nil {
		runsSinceTraining = totalRuns - meta.TotalRunsAtTraining
	} else if !artifact.IsAbsent(err) {
		return c.errorSummary(ctx, "load_training_metadata", err)
	}

	mainTrigger := totalRuns >= c.cfg.Learning.MinRuns && failureRate > c.cfg.Learning.MaxFailureRate
	cadenceTrigger := runsSinceTraining >= c.cfg.Learning.MinRunsBetweenTraining
	if !mainTrigger && !cadenceTrigger {
		return &Summary{Action: ActionSkip, Reason: "no_training_trigger"}
	}

	return c.trainAndEvaluate(ctx, signals, totalRuns)
}

// trainAndEvaluate runs steps 4-10 of the tick: train, shadow-evaluate,
// gate, and start a canary on pass.
func (c *Controller) trainAndEvaluate(ctx context.Context, signals []record.RunSignal, totalRuns int) *Summary {
	examples := signals
	if limit := c.cfg.Learning.MaxTrainExamples; limit > 0 && len(examples) > limit {
		examples = examples[len(examples)-limit:]
	}
	trainSet := make([]policy.TrainExample, 0, len(examples))
	for i := range examples {
		trainSet = append(trainSet, policy.ExampleFromSignal(&examples[i]))
	}

	base, err := c.registry.LatestPolicy(ctx)
	if err != nil && !artifact.IsAbsent(err) {
		return c.errorSummary(ctx, "load_base_policy", err)
	}
	version, err := c.registry.LatestVersion(ctx)
	if err != nil {
		return c.errorSummary(ctx, "latest_version", err)
	}

	candidate := c.trainer.Train(version+1, trainSet, base)
	candidate.Metadata.TotalRunsAtTraining = totalRuns
	if err := c.registry.SavePolicy(ctx, candidate); err != nil {
		return c.errorSummary(ctx, "save_policy", err)
	}
	if err := c.registry.SaveTrainingMetadata(ctx, &policy.TrainingMetadata{
		SchemaVersion:       record.SchemaVersion,
		TrainedVersion:      candidate.Version,
		TotalRunsAtTraining: totalRuns,
		Examples:            len(trainSet),
		BaseVersion:         candidate.Metadata.BaseVersion,
		GeneratedAt:         record.Now(),
	}); err != nil {
		return c.errorSummary(ctx, "save_training_metadata", err)
	}

	if base != nil {
		baseHash, err1 := base.ContentHash()
		candHash, err2 := candidate.ContentHash()
		if err1 == nil && err2 == nil && baseHash == candHash {
			summary := &Summary{Action: ActionSkip, Reason: "candidate_same_as_active", PolicyVersion: candidate.Version}
			c.auditTick(ctx, summary)
			return summary
		}
	}
	if base == nil {
		// First policy ever: nothing to compare against, release directly
		// as the active baseline.
		summary := &Summary{Action: ActionSkip, Reason: "initial_policy_released", PolicyVersion: candidate.Version}
		c.auditTick(ctx, summary)
		return summary
	}

	evalWindow := signals
	if n := c.cfg.Learning.ShadowEvalRuns; n > 0 && len(evalWindow) > n {
		evalWindow = evalWindow[len(evalWindow)-n:]
	}
	evalSignals := make([]*record.RunSignal, 0, len(evalWindow))
	for i := range evalWindow {
		evalSignals = append(evalSignals, &evalWindow[i])
	}

	verdict, err := c.replayer.Evaluate(ctx, candidate.ID(), evalSignals, c.runners.Runner(candidate))
	if err != nil {
		return c.errorSummary(ctx, "replay", err)
	}
	if !verdict.PassRegression {
		summary := &Summary{
			Action:        ActionGateBlocked,
			Reason:        fmt.Sprintf("regression:%v", verdict.BlockingReasons),
			PolicyVersion: candidate.Version,
		}
		c.auditTick(ctx, summary)
		return summary
	}

	report, err := c.shadows.Evaluate(ctx, candidate.ID(), evalSignals, c.runners.Runner(base), c.runners.Runner(candidate))
	if err != nil {
		return c.errorSummary(ctx, "shadow_eval", err)
	}
	decision := c.gate.Evaluate(report)
	if !decision.GatePass {
		summary := &Summary{
			Action:        ActionGateBlocked,
			Reason:        fmt.Sprintf("gate:%v", decision.BlockedReasons),
			PolicyVersion: candidate.Version,
			Gate:          decision,
		}
		c.auditTick(ctx, summary)
		return summary
	}

	if err := c.rollouts.StartCanary(ctx, base.ID(), candidate.ID(), c.cfg.Rollout.CanaryPct); err != nil {
		return c.errorSummary(ctx, "start_canary", err)
	}
	summary := &Summary{Action: ActionCanaryStarted, PolicyVersion: candidate.Version, Gate: decision}
	c.auditTick(ctx, summary)
	return summary
}

// auditTick appends the tick outcome to the audit log, best-effort.
func (c *Controller) auditTick(ctx context.Context, s *Summary) {
	if c.audit == nil {
		return
	}
	entry := &rollout.AuditEntry{
		Action: "learning_" + s.Action,
		Reason: s.Reason,
	}
	if s.PolicyVersion > 0 {
		entry.CandidatePolicy = fmt.Sprintf("v%d", s.PolicyVersion)
	}
	if err := c.audit.Append(ctx, entry); err != nil {
		c.logger.Warn("learning audit append failed", "error", err)
	}
}

// errorSummary records a swallowed control-path error.
func (c *Controller) errorSummary(ctx context.Context, stage string, err error) *Summary {
	c.sinkError(ctx, stage, "", err)
	return &Summary{Action: ActionError, Reason: stage, Error: err.Error()}
}

// sinkError writes a structured failure record to the error sink. The sink
// itself failing only logs; nothing propagates.
func (c *Controller) sinkError(ctx context.Context, stage, runID string, err error) {
	c.logger.WarnContext(ctx, "learning step failed", "stage", stage, "run_id", runID, "error", err)
	if c.obs != nil {
		c.obs.RecordError(ctx, err)
	}
	rec := struct {
		SchemaVersion string `json:"schema_version"`
		Stage         string `json:"stage"`
		RunID         string `json:"run_id,omitempty"`
		Error         string `json:"error"`
		At            string `json:"at"`
	}{record.SchemaVersion, stage, runID, err.Error(), record.Now()}
	data, merr := json.Marshal(rec)
	if merr != nil {
		return
	}
	key := fmt.Sprintf("errors/%s.json", uuid.NewString())
	if _, perr := c.artifacts.Put(ctx, key, data); perr != nil {
		c.logger.Warn("error sink write failed", "error", perr)
	}
}
