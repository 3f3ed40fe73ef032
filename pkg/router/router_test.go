package router

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/evoloop/pkg/artifact"
	"github.com/Mindburn-Labs/evoloop/pkg/policy"
	"github.com/Mindburn-Labs/evoloop/pkg/record"
	"github.com/Mindburn-Labs/evoloop/pkg/rollout"
)

func newTestRouter(t *testing.T) (*Router, artifact.Store, *policy.Registry) {
	t.Helper()
	store, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)
	registry := policy.NewRegistry(store)
	return New(store, registry), store, registry
}

func putState(t *testing.T, store artifact.Store, st *rollout.State) {
	t.Helper()
	st.SchemaVersion = record.SchemaVersion
	data, err := json.Marshal(st)
	require.NoError(t, err)
	_, err = store.Put(context.Background(), rollout.StateKey, data)
	require.NoError(t, err)
}

func canaryState() *rollout.State {
	return &rollout.State{
		ActivePolicy:    "v1",
		CandidatePolicy: "v2",
		Stage:           rollout.StageCanary,
		TrafficSplit:    map[string]float64{"v1": 0.95, "v2": 0.05},
	}
}

func TestPickPolicyNoStateUsesLatest(t *testing.T) {
	ctx := context.Background()
	r, _, registry := newTestRouter(t)

	require.Empty(t, r.PickPolicy(ctx, &RunContext{TaskID: "t1"}))

	require.NoError(t, registry.SavePolicy(ctx, &policy.Policy{SchemaVersion: record.SchemaVersion, Version: 3}))
	require.Equal(t, "v3", r.PickPolicy(ctx, &RunContext{TaskID: "t1"}))
}

func TestPickPolicyStable(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRouter(t)
	putState(t, store, canaryState())

	rc := &RunContext{TaskID: "task_42"}
	first := r.PickPolicy(ctx, rc)
	for i := 0; i < 50; i++ {
		require.Equal(t, first, r.PickPolicy(ctx, rc))
	}
}

func TestPickPolicySplitProportion(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRouter(t)
	putState(t, store, canaryState())

	candidate := 0
	const n = 10000
	for i := 0; i < n; i++ {
		if r.PickPolicy(ctx, &RunContext{TaskID: fmt.Sprintf("task_%d", i)}) == "v2" {
			candidate++
		}
	}
	// 5% of 10000 with generous slack for hash variance.
	require.InDelta(t, 500, candidate, 100)
}

func TestPickPolicyNonRoutableStage(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRouter(t)

	st := canaryState()
	st.Stage = rollout.StageFull
	st.ActivePolicy = "v2"
	st.CandidatePolicy = ""
	st.TrafficSplit = map[string]float64{"v2": 1.0}
	putState(t, store, st)

	require.Equal(t, "v2", r.PickPolicy(ctx, &RunContext{TaskID: "t1"}))
}

func TestPickPolicyEmptyContextFailsClosed(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRouter(t)
	putState(t, store, canaryState())

	require.Equal(t, "v1", r.PickPolicy(ctx, &RunContext{}))
}

func TestPickPolicyEnvOverride(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRouter(t)
	putState(t, store, canaryState())
	t.Setenv(OverrideEnv, "v7")

	require.Equal(t, "v7", r.PickPolicy(ctx, &RunContext{TaskID: "t1"}))
}

func TestHashInputPriority(t *testing.T) {
	rc := &RunContext{TaskID: "t", RunID: "r", ProjectID: "p", UserID: "u"}
	require.Equal(t, "task:t", rc.hashInput())

	rc.TaskID = ""
	require.Equal(t, "run:r", rc.hashInput())

	rc.RunID = ""
	require.Equal(t, "proj_user:p|u", rc.hashInput())

	rc.UserID = ""
	require.Equal(t, "proj:p", rc.hashInput())

	rc.ProjectID = ""
	require.Empty(t, rc.hashInput())
}

func TestHashFractionRange(t *testing.T) {
	for _, in := range []string{"", "a", "task:task_1", "proj_user:p|u"} {
		f := hashFraction(in)
		require.GreaterOrEqual(t, f, 0.0)
		require.Less(t, f, 1.0)
	}
}
