package signal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/evoloop/pkg/artifact"
	"github.com/Mindburn-Labs/evoloop/pkg/record"
	"github.com/Mindburn-Labs/evoloop/pkg/workingmem"
)

func sampleRecord(runID string) *record.RunRecord {
	return &record.RunRecord{
		SchemaVersion: record.SchemaVersion,
		RunID:         runID,
		CreatedAt:     "2026-08-01T10:00:00Z",
		CompletedAt:   "2026-08-01T10:00:09Z",
		FinalState:    record.StateCompleted,
		PolicyID:      "v1",
		PlanID:        "plan_1",
		PlanPathType:  record.PlanNormal,
		ToolCalls: []record.ToolCall{
			{Name: "search", Success: true, LatencyMs: 300, CostUSD: 0.01},
			{Name: "fetch", Success: false, FailureType: record.ToolFailTimeout, LatencyMs: 5000},
			{Name: "fetch", Success: true, LatencyMs: 700, CostUSD: 0.02},
			{Name: "summarize", Success: true, LatencyMs: 900, CostUSD: 0.05},
		},
		Retrieval:   record.RetrievalSignals{PolicyID: "rp_default", NumDocs: 8},
		Evidence:    record.EvidenceSignals{Total: 10, Used: 4, Conflicts: 1},
		Generation:  record.GenerationSignals{PromptTemplateID: "pt_v1", Tokens: 1200, LatencyMs: 2500, CostUSD: 0.05},
		CostSummary: record.CostSummary{TotalUSD: 0.08},
		LatencyMs:   9000,
		Success:     true,
	}
}

func TestBuildFlattensRecord(t *testing.T) {
	c := New(nil, nil, 0)

	sig, err := c.Build(sampleRecord("r1"), nil)
	require.NoError(t, err)

	require.Equal(t, "r1", sig.RunID)
	require.Equal(t, []string{"search", "fetch", "fetch", "summarize"}, sig.ToolSequence)
	require.InDelta(t, 0.75, sig.ToolSuccessRate, 1e-9)
	require.Equal(t, map[string]int{"TIMEOUT": 1}, sig.ToolFailureTypes)
	require.InDelta(t, 0.4, sig.EvidenceUsageRate, 1e-9)
	require.Len(t, sig.PatternHash, 16)
}

func TestBuildDeterministic(t *testing.T) {
	c := New(nil, nil, 0)

	a, err := c.Build(sampleRecord("r1"), nil)
	require.NoError(t, err)
	b, err := c.Build(sampleRecord("r1"), nil)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestBuildRetryCountConsecutiveOnly(t *testing.T) {
	c := New(nil, nil, 0)
	rec := sampleRecord("r1")
	rec.ToolCalls = []record.ToolCall{
		{Name: "fetch", Success: true},
		{Name: "fetch", Success: true},
		{Name: "search", Success: true},
		{Name: "fetch", Success: true}, // non-consecutive, not a retry
		{Name: "fetch", Success: true},
		{Name: "fetch", Success: true},
	}

	sig, err := c.Build(rec, nil)
	require.NoError(t, err)
	require.Equal(t, 3, sig.RetryCount)
}

func TestBuildCountsPlanSwitches(t *testing.T) {
	c := New(nil, nil, 0)
	events := []record.Event{
		{EventID: 1, Type: record.EventToolCall},
		{EventID: 2, Type: record.EventPlanSwitch},
		{EventID: 3, Type: record.EventPlanSwitch},
		{EventID: 4, Type: record.EventStateChange},
	}

	sig, err := c.Build(sampleRecord("r1"), events)
	require.NoError(t, err)
	require.Equal(t, 2, sig.PlanSwitches)
}

func TestBuildNoToolCalls(t *testing.T) {
	c := New(nil, nil, 0)
	rec := sampleRecord("r1")
	rec.ToolCalls = nil

	sig, err := c.Build(rec, nil)
	require.NoError(t, err)
	require.InDelta(t, 1.0, sig.ToolSuccessRate, 1e-9)
	require.Equal(t, 0, sig.RetryCount)
	require.Empty(t, sig.ToolSequence)
}

func TestBuildNilRecord(t *testing.T) {
	c := New(nil, nil, 0)
	_, err := c.Build(nil, nil)
	require.Error(t, err)
}

func TestCollectAppendsAndTracksPatterns(t *testing.T) {
	ctx := context.Background()
	store, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)
	mem, err := workingmem.New(ctx, store, workingmem.Config{})
	require.NoError(t, err)
	c := New(store, mem, 0)

	sig1, err := c.Collect(ctx, sampleRecord("r1"), nil)
	require.NoError(t, err)
	require.True(t, sig1.PatternIsNew)

	sig2, err := c.Collect(ctx, sampleRecord("r2"), nil)
	require.NoError(t, err)
	require.False(t, sig2.PatternIsNew)
	require.Equal(t, sig1.PatternHash, sig2.PatternHash)

	recent, err := c.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "r1", recent[0].RunID)
	require.Equal(t, "r2", recent[1].RunID)
}

func TestCollectRollingCap(t *testing.T) {
	ctx := context.Background()
	store, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)
	c := New(store, nil, 3)

	for _, id := range []string{"r1", "r2", "r3", "r4", "r5"} {
		_, err := c.Collect(ctx, sampleRecord(id), nil)
		require.NoError(t, err)
	}

	recent, err := c.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	require.Equal(t, "r3", recent[0].RunID)
	require.Equal(t, "r5", recent[2].RunID)
}

func TestRecentLimitsFromTail(t *testing.T) {
	ctx := context.Background()
	store, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)
	c := New(store, nil, 0)

	for _, id := range []string{"r1", "r2", "r3"} {
		_, err := c.Collect(ctx, sampleRecord(id), nil)
		require.NoError(t, err)
	}

	recent, err := c.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "r2", recent[0].RunID)
}
