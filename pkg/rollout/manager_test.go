package rollout

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/evoloop/pkg/artifact"
	"github.com/Mindburn-Labs/evoloop/pkg/kpi"
	"github.com/Mindburn-Labs/evoloop/pkg/policy"
	"github.com/Mindburn-Labs/evoloop/pkg/record"
)

type stubKPIs struct {
	set *kpi.Set
}

func (s *stubKPIs) Load(ctx context.Context) (*kpi.Set, error) {
	return s.set, nil
}

func kpiSet(activeSuccess, candSuccess, candFailure, activeCost, candCost float64) *kpi.Set {
	return &kpi.Set{
		KPIs: map[string]*kpi.KPI{
			"policy::v1": {Key: "policy::v1", SuccessRate: activeSuccess, FailureRate: 1 - activeSuccess, AvgCostUSD: activeCost},
			"policy::v2": {Key: "policy::v2", SuccessRate: candSuccess, FailureRate: candFailure, AvgCostUSD: candCost},
		},
	}
}

func healthyKPIs() *stubKPIs {
	return &stubKPIs{set: kpiSet(0.80, 0.85, 0.10, 0.10, 0.10)}
}

func newTestManager(t *testing.T, kpis KPISource) (*Manager, artifact.Store) {
	t.Helper()
	store, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)
	audit, err := NewAuditLog(store, []byte("test-secret"))
	require.NoError(t, err)
	m := NewManager(store, policy.NewRegistry(store), kpis, audit, DefaultThresholds())
	return m, store
}

func TestStartCanary(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, healthyKPIs())

	require.NoError(t, m.StartCanary(ctx, "v1", "v2", 0))

	st, err := m.State(ctx)
	require.NoError(t, err)
	require.Equal(t, StageCanary, st.Stage)
	require.Equal(t, "v1", st.ActivePolicy)
	require.Equal(t, "v2", st.CandidatePolicy)
	require.InDelta(t, 0.05, st.TrafficSplit["v2"], 1e-9)
	require.InDelta(t, 0.95, st.TrafficSplit["v1"], 1e-9)
}

func TestStartCanaryRefusedMidRollout(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, healthyKPIs())

	require.NoError(t, m.StartCanary(ctx, "v1", "v2", 0))
	err := m.StartCanary(ctx, "v1", "v3", 0)

	var conflict *ErrStageConflict
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, StageCanary, conflict.Current)
}

func TestAdvanceThroughStages(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, healthyKPIs())
	require.NoError(t, m.StartCanary(ctx, "v1", "v2", 0))

	res, err := m.AdvanceStage(ctx)
	require.NoError(t, err)
	require.Equal(t, ActionAdvance, res.Action)
	require.Equal(t, StagePartial, res.Stage)

	st, err := m.State(ctx)
	require.NoError(t, err)
	require.InDelta(t, 0.25, st.TrafficSplit["v2"], 1e-9)

	res, err = m.AdvanceStage(ctx)
	require.NoError(t, err)
	require.Equal(t, ActionPromote, res.Action)
	require.Equal(t, StageFull, res.Stage)

	st, err = m.State(ctx)
	require.NoError(t, err)
	require.Equal(t, "v2", st.ActivePolicy)
	require.Empty(t, st.CandidatePolicy)
	require.Equal(t, "v1", st.PreviousPolicy)
	require.InDelta(t, 1.0, st.TrafficSplit["v2"], 1e-9)
}

func TestAdvanceRollsBackOnFailedCheck(t *testing.T) {
	ctx := context.Background()
	// Candidate failure rate 0.25 exceeds the 0.15 threshold.
	m, _ := newTestManager(t, &stubKPIs{set: kpiSet(0.80, 0.75, 0.25, 0.10, 0.10)})
	require.NoError(t, m.StartCanary(ctx, "v1", "v2", 0))

	res, err := m.AdvanceStage(ctx)
	require.NoError(t, err)
	require.Equal(t, ActionRollback, res.Action)
	require.Equal(t, "kpi_check_failed", res.Reason)

	st, err := m.State(ctx)
	require.NoError(t, err)
	require.Equal(t, StageRollback, st.Stage)
	require.Equal(t, StageCanary, st.RollbackFromStage)
	require.InDelta(t, 1.0, st.TrafficSplit["v1"], 1e-9)
	require.NotEmpty(t, st.RollbackAt)
}

func TestCheckTickNoopWhenIdle(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, healthyKPIs())

	res, err := m.CheckTick(ctx)
	require.NoError(t, err)
	require.Equal(t, ActionNoop, res.Action)
	require.Equal(t, StageIdle, res.Stage)
}

func TestCheckTickAdvancesOnHealthyKPIs(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, healthyKPIs())
	require.NoError(t, m.StartCanary(ctx, "v1", "v2", 0))

	res, err := m.CheckTick(ctx)
	require.NoError(t, err)
	require.Equal(t, ActionAdvance, res.Action)
	require.Equal(t, StagePartial, res.Stage)
}

func TestCheckTickRollsBackOnDegradation(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, &stubKPIs{set: kpiSet(0.80, 0.60, 0.40, 0.10, 0.10)})
	require.NoError(t, m.StartCanary(ctx, "v1", "v2", 0))

	res, err := m.CheckTick(ctx)
	require.NoError(t, err)
	require.Equal(t, ActionRollback, res.Action)
	require.Equal(t, "kpi_degradation", res.Reason)
}

func TestCheckTickHoldsOnMissingKPIs(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, &stubKPIs{set: &kpi.Set{KPIs: map[string]*kpi.KPI{}}})
	require.NoError(t, m.StartCanary(ctx, "v1", "v2", 0))

	res, err := m.CheckTick(ctx)
	require.NoError(t, err)
	require.Equal(t, ActionHold, res.Action)
	require.Equal(t, StageCanary, res.Stage)
	require.Contains(t, res.Check.FailedChecks, "kpis_missing")
}

func TestManualRollback(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, healthyKPIs())
	require.NoError(t, m.StartCanary(ctx, "v1", "v2", 0))

	res, err := m.Rollback(ctx, "operator_abort")
	require.NoError(t, err)
	require.Equal(t, ActionRollback, res.Action)
	require.Equal(t, "operator_abort", res.Reason)

	// A second rollback is a stage conflict, not a silent repeat.
	_, err = m.Rollback(ctx, "again")
	var conflict *ErrStageConflict
	require.ErrorAs(t, err, &conflict)
}

func TestResetToIdle(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, healthyKPIs())
	registry := policy.NewRegistry(store)
	require.NoError(t, registry.SavePolicy(ctx, &policy.Policy{SchemaVersion: record.SchemaVersion, Version: 2}))

	require.NoError(t, m.StartCanary(ctx, "v1", "v2", 0))
	_, err := m.Rollback(ctx, "bad_canary")
	require.NoError(t, err)

	require.NoError(t, m.ResetToIdle(ctx))
	st, err := m.State(ctx)
	require.NoError(t, err)
	require.Equal(t, StageIdle, st.Stage)
	require.Equal(t, "v2", st.ActivePolicy)
	require.InDelta(t, 1.0, st.TrafficSplit["v2"], 1e-9)
}

func TestTransitionsAreAudited(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, healthyKPIs())
	require.NoError(t, m.StartCanary(ctx, "v1", "v2", 0))
	_, err := m.AdvanceStage(ctx)
	require.NoError(t, err)

	audit, err := NewAuditLog(store, []byte("test-secret"))
	require.NoError(t, err)
	entries, err := audit.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, ActionStartCanary, entries[0].Action)
	require.Equal(t, ActionAdvance, entries[1].Action)
	require.NoError(t, audit.Verify(ctx, audit.PublicKey()))
}

func TestCustomStagePcts(t *testing.T) {
	ctx := context.Background()
	store, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)
	m := NewManager(store, policy.NewRegistry(store), healthyKPIs(), nil, DefaultThresholds(),
		WithStagePcts(0.10, 0.50))

	require.NoError(t, m.StartCanary(ctx, "v1", "v2", 0))
	st, err := m.State(ctx)
	require.NoError(t, err)
	require.InDelta(t, 0.10, st.TrafficSplit["v2"], 1e-9)

	_, err = m.AdvanceStage(ctx)
	require.NoError(t, err)
	st, err = m.State(ctx)
	require.NoError(t, err)
	require.InDelta(t, 0.50, st.TrafficSplit["v2"], 1e-9)
}
