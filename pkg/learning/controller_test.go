package learning

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/evoloop/pkg/artifact"
	"github.com/Mindburn-Labs/evoloop/pkg/attribution"
	"github.com/Mindburn-Labs/evoloop/pkg/config"
	"github.com/Mindburn-Labs/evoloop/pkg/exploration"
	"github.com/Mindburn-Labs/evoloop/pkg/failbudget"
	"github.com/Mindburn-Labs/evoloop/pkg/gate"
	"github.com/Mindburn-Labs/evoloop/pkg/kpi"
	"github.com/Mindburn-Labs/evoloop/pkg/policy"
	"github.com/Mindburn-Labs/evoloop/pkg/record"
	"github.com/Mindburn-Labs/evoloop/pkg/replay"
	"github.com/Mindburn-Labs/evoloop/pkg/rollout"
	"github.com/Mindburn-Labs/evoloop/pkg/shadow"
	"github.com/Mindburn-Labs/evoloop/pkg/signal"
	"github.com/Mindburn-Labs/evoloop/pkg/trace"
	"github.com/Mindburn-Labs/evoloop/pkg/workingmem"
)

type loopFixture struct {
	controller *Controller
	collector  *signal.Collector
	registry   *policy.Registry
	rollouts   *rollout.Manager
	store      artifact.Store
	runSeq     int
}

func newLoopFixture(t *testing.T, cfg *config.Config, opts ...func(*Deps)) *loopFixture {
	t.Helper()
	ctx := context.Background()

	store, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)
	traces := trace.New(store)
	memory, err := workingmem.New(ctx, store, workingmem.Config{})
	require.NoError(t, err)
	collector := signal.New(store, memory, 0)
	kpis := kpi.New(store)
	budget, err := failbudget.New(ctx, store, failbudget.DefaultLimits())
	require.NoError(t, err)
	registry := policy.NewRegistry(store)
	explorer := exploration.NewEngine(store, registry, budget, exploration.Pools{})
	audit, err := rollout.NewAuditLog(store, []byte("test-secret"))
	require.NoError(t, err)
	rollouts := rollout.NewManager(store, registry, kpis, audit, rollout.DefaultThresholds())

	deps := Deps{
		Config:     cfg,
		Artifacts:  store,
		Traces:     traces,
		Memory:     memory,
		Collector:  collector,
		Attributor: attribution.New(attribution.DefaultThresholds()),
		KPIs:       kpis,
		Budget:     budget,
		Explorer:   explorer,
		Shadows:    shadow.NewExecutor(traces, time.Second),
		Replayer:   replay.NewRunner(store, replay.DefaultThresholds(), time.Second),
		Gate:       gate.New(gate.DefaultThresholds()),
		Registry:   registry,
		Rollouts:   rollouts,
		Audit:      audit,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	ctrl := NewController(deps)
	return &loopFixture{
		controller: ctrl,
		collector:  collector,
		registry:   registry,
		rollouts:   rollouts,
		store:      store,
	}
}

func loopConfig() *config.Config {
	cfg := config.Default()
	cfg.Learning.MinRuns = 50
	cfg.Learning.MaxFailureRate = 0.15
	cfg.Learning.MinRunsBetweenTraining = 25
	cfg.Learning.ShadowEvalRuns = 0
	return cfg
}

// ingest records n completed runs directly through the collector, bypassing
// the controller tick.
func (f *loopFixture) ingest(t *testing.T, n int, success bool, costUSD float64, latencyMs int64) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		f.runSeq++
		rec := &record.RunRecord{
			SchemaVersion: record.SchemaVersion,
			RunID:         fmt.Sprintf("run_%04d", f.runSeq),
			CreatedAt:     record.Now(),
			CompletedAt:   record.Now(),
			FinalState:    record.StateCompleted,
			PolicyID:      "v1",
			PlanID:        "plan_1",
			PlanPathType:  record.PlanNormal,
			Retrieval:     record.RetrievalSignals{PolicyID: "rp_default", NumDocs: 5},
			Evidence:      record.EvidenceSignals{Total: 10, Used: 5},
			Generation:    record.GenerationSignals{PromptTemplateID: "pt_v1"},
			CostSummary:   record.CostSummary{TotalUSD: costUSD},
			LatencyMs:     latencyMs,
			Success:       success,
		}
		if !success {
			rec.FinalState = record.StateFailed
		}
		_, err := f.collector.Collect(ctx, rec, nil)
		require.NoError(t, err)
	}
}

func TestTickSkipsWithoutTrigger(t *testing.T) {
	f := newLoopFixture(t, loopConfig())
	f.ingest(t, 10, true, 0.10, 1000)

	s := f.controller.Tick(context.Background())
	require.Equal(t, ActionSkip, s.Action)
	require.Equal(t, "no_training_trigger", s.Reason)
}

func TestTickReleasesInitialPolicy(t *testing.T) {
	ctx := context.Background()
	f := newLoopFixture(t, loopConfig())
	f.ingest(t, 30, true, 0.10, 1000)

	// Cadence trigger: 30 runs, never trained before.
	s := f.controller.Tick(ctx)
	require.Equal(t, ActionSkip, s.Action)
	require.Equal(t, "initial_policy_released", s.Reason)
	require.Equal(t, 1, s.PolicyVersion)

	meta, err := f.registry.LoadTrainingMetadata(ctx)
	require.NoError(t, err)
	require.Equal(t, 30, meta.TotalRunsAtTraining)
	require.Equal(t, 1, meta.TrainedVersion)

	p, err := f.registry.LatestPolicy(ctx)
	require.NoError(t, err)
	require.Equal(t, "v1", p.ID())
	require.Equal(t, 30, p.Metadata.TotalRunsAtTraining)
}

func TestTickSkipsUnchangedCandidate(t *testing.T) {
	ctx := context.Background()
	// Full-weight retraining: an unchanged window reproduces the base
	// thresholds exactly.
	f := newLoopFixture(t, loopConfig(), func(d *Deps) {
		d.Trainer = &policy.Trainer{MinSamplesForPreference: 3, SmallSample: 10, BaseBlend: 1.0}
	})
	// Failure rate 20/60 keeps the main trigger armed after training.
	f.ingest(t, 40, true, 0.10, 1000)
	f.ingest(t, 20, false, 0.10, 1000)

	s := f.controller.Tick(ctx)
	require.Equal(t, "initial_policy_released", s.Reason)

	// Same window, retrained: identical content, no evaluation.
	s = f.controller.Tick(ctx)
	require.Equal(t, ActionSkip, s.Action)
	require.Equal(t, "candidate_same_as_active", s.Reason)
	require.Equal(t, 2, s.PolicyVersion)
}

func TestTickBlocksRegressingCandidate(t *testing.T) {
	ctx := context.Background()
	f := newLoopFixture(t, loopConfig())
	f.ingest(t, 30, true, 0.10, 1000)

	s := f.controller.Tick(ctx)
	require.Equal(t, "initial_policy_released", s.Reason)

	// New traffic shifts the thresholds and carries recorded failures; the
	// replay suite picks those up and the candidate reproduces them.
	f.ingest(t, 20, true, 0.30, 3000)
	f.ingest(t, 10, false, 0.30, 3000)

	s = f.controller.Tick(ctx)
	require.Equal(t, ActionGateBlocked, s.Action)
	require.Contains(t, s.Reason, "regression")
	require.Equal(t, 2, s.PolicyVersion)

	// A blocked candidate never starts a rollout.
	st, err := f.rollouts.State(ctx)
	require.NoError(t, err)
	require.Nil(t, st)
}

func TestTickStartsCanary(t *testing.T) {
	ctx := context.Background()
	f := newLoopFixture(t, loopConfig())
	f.ingest(t, 30, true, 0.10, 1000)

	s := f.controller.Tick(ctx)
	require.Equal(t, "initial_policy_released", s.Reason)

	// Costlier successful traffic: v1's trained cost ceiling cuts these runs
	// off in shadow, the retrained candidate tolerates them, so the gate
	// sees a clean uplift.
	f.ingest(t, 30, true, 0.30, 3000)

	s = f.controller.Tick(ctx)
	require.Equal(t, ActionCanaryStarted, s.Action)
	require.Equal(t, 2, s.PolicyVersion)
	require.NotNil(t, s.Gate)
	require.True(t, s.Gate.GatePass)

	st, err := f.rollouts.State(ctx)
	require.NoError(t, err)
	require.Equal(t, rollout.StageCanary, st.Stage)
	require.Equal(t, "v1", st.ActivePolicy)
	require.Equal(t, "v2", st.CandidatePolicy)
	require.InDelta(t, 0.05, st.TrafficSplit["v2"], 1e-9)
}

func TestTickOnlyAdvancesRolloutInProgress(t *testing.T) {
	ctx := context.Background()
	f := newLoopFixture(t, loopConfig())
	f.ingest(t, 30, true, 0.10, 1000)
	require.NoError(t, f.rollouts.StartCanary(ctx, "v1", "v2", 0.05))

	s := f.controller.Tick(ctx)
	require.Equal(t, ActionRolloutTick, s.Action)
	require.NotNil(t, s.Rollout)
	// No KPIs for either policy yet: the rollout holds rather than moving.
	require.Equal(t, rollout.ActionHold, s.Rollout.Action)
}

func TestOnRunCompletedFullPipeline(t *testing.T) {
	ctx := context.Background()
	f := newLoopFixture(t, loopConfig())

	rec := &record.RunRecord{
		SchemaVersion: record.SchemaVersion,
		RunID:         "run_pipeline",
		CreatedAt:     record.Now(),
		CompletedAt:   record.Now(),
		FinalState:    record.StateFailed,
		PolicyID:      "v1",
		PlanID:        "plan_1",
		PlanPathType:  record.PlanNormal,
		ToolCalls: []record.ToolCall{
			{Name: "fetch", Success: false, FailureType: record.ToolFailTimeout},
		},
		Retrieval:   record.RetrievalSignals{PolicyID: "rp_default", NumDocs: 5},
		Evidence:    record.EvidenceSignals{Total: 10, Used: 1},
		CostSummary: record.CostSummary{TotalUSD: 0.10},
		LatencyMs:   2000,
	}
	events := []record.Event{
		{SchemaVersion: record.SchemaVersion, EventID: 1, RunID: "run_pipeline", Type: record.EventToolCall},
	}

	s := f.controller.OnRunCompleted(ctx, rec, events)
	require.Equal(t, ActionSkip, s.Action)

	// Every per-run artifact landed.
	for _, key := range []string{
		"run_records/run_pipeline.json",
		"attributions/run_pipeline.json",
		"policy_kpis.json",
		"exploration/decisions/run_pipeline.json",
	} {
		ok, err := f.store.Exists(ctx, key)
		require.NoError(t, err)
		require.True(t, ok, "missing artifact %s", key)
	}

	recent, err := f.collector.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "run_pipeline", recent[0].RunID)
	require.False(t, recent[0].Success)
	require.InDelta(t, 0.1, recent[0].EvidenceUsageRate, 1e-9)
}
