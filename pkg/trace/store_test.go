package trace

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/evoloop/pkg/artifact"
	"github.com/Mindburn-Labs/evoloop/pkg/record"
)

func newTestTrace(t *testing.T) (*Store, artifact.Store) {
	t.Helper()
	fs, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return New(fs), fs
}

func traceRecord(runID string, success bool) *record.RunRecord {
	rec := &record.RunRecord{
		SchemaVersion: record.SchemaVersion,
		RunID:         runID,
		CreatedAt:     "2026-08-01T10:00:00Z",
		CompletedAt:   "2026-08-01T10:00:05Z",
		FinalState:    record.StateCompleted,
		PolicyID:      "v1",
		PlanID:        "plan_1",
		PlanPathType:  record.PlanNormal,
		CostSummary:   record.CostSummary{TotalUSD: 0.05},
		LatencyMs:     5000,
		Success:       success,
	}
	if !success {
		rec.FinalState = record.StateFailed
		rec.ToolCalls = []record.ToolCall{
			{Name: "fetch", Success: false, FailureType: record.ToolFailTimeout},
		}
	}
	return rec
}

func TestRunRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestTrace(t)

	want := traceRecord("r1", true)
	require.NoError(t, s.SaveRunRecord(ctx, want))

	got, err := s.LoadRunRecord(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, want, got)

	summary, err := s.LoadSummary(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "v1", summary.PolicyID)
	require.True(t, summary.Success)
	require.Empty(t, summary.FailureType)
}

func TestRunRecordAbsent(t *testing.T) {
	s, _ := newTestTrace(t)
	_, err := s.LoadRunRecord(context.Background(), "missing")
	require.True(t, artifact.IsAbsent(err))
}

func TestMalformedRunRecordReportedAbsent(t *testing.T) {
	ctx := context.Background()
	s, fs := newTestTrace(t)

	// Violates the schema: no run_id, no final_state.
	_, err := fs.Put(ctx, "run_records/bad.json", []byte(`{"schema_version":"1.0"}`))
	require.NoError(t, err)

	_, err = s.LoadRunRecord(ctx, "bad")
	require.True(t, artifact.IsAbsent(err))
}

func TestSummaryCarriesFirstFailureType(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestTrace(t)

	require.NoError(t, s.SaveRunRecord(ctx, traceRecord("r1", false)))
	summary, err := s.LoadSummary(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "TIMEOUT", summary.FailureType)
}

func TestAppendEventsMonotone(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestTrace(t)

	events := []record.Event{
		{SchemaVersion: record.SchemaVersion, EventID: 1, RunID: "r1", Type: record.EventStateChange},
		{SchemaVersion: record.SchemaVersion, EventID: 2, RunID: "r1", Type: record.EventToolCall},
	}
	require.NoError(t, s.AppendEvents(ctx, "r1", events))

	// Out-of-order batch is rejected wholesale.
	err := s.AppendEvents(ctx, "r1", []record.Event{
		{EventID: 5, RunID: "r1", Type: record.EventToolCall},
		{EventID: 4, RunID: "r1", Type: record.EventToolCall},
	})
	require.Error(t, err)

	got, next, err := s.LoadEvents(ctx, "r1", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int64(2), next)
}

func TestLoadEventsCursor(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestTrace(t)

	var events []record.Event
	for i := int64(1); i <= 5; i++ {
		events = append(events, record.Event{EventID: i, RunID: "r1", Type: record.EventToolCall})
	}
	require.NoError(t, s.AppendEvents(ctx, "r1", events))

	first, cursor, err := s.LoadEvents(ctx, "r1", 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Equal(t, int64(2), cursor)

	rest, cursor, err := s.LoadEvents(ctx, "r1", cursor, 0)
	require.NoError(t, err)
	require.Len(t, rest, 3)
	require.Equal(t, int64(5), cursor)
	require.Equal(t, int64(3), rest[0].EventID)
}

func TestLoadEventsNoLog(t *testing.T) {
	s, _ := newTestTrace(t)
	events, cursor, err := s.LoadEvents(context.Background(), "r1", 7, 0)
	require.NoError(t, err)
	require.Empty(t, events)
	require.Equal(t, int64(7), cursor)
}

func TestBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestTrace(t)

	ref, err := s.PutBlob(ctx, "r1", "agent_report", []byte(`{"verdict":"ok"}`))
	require.NoError(t, err)

	data, err := s.GetBlob(ctx, ref)
	require.NoError(t, err)
	require.JSONEq(t, `{"verdict":"ok"}`, string(data))
}

func TestAttributionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestTrace(t)

	attr := &record.Attribution{
		SchemaVersion: record.SchemaVersion,
		RunID:         "r1",
		Failure:       true,
		PrimaryCause:  record.CauseToolTimeout,
		PrimaryLayer:  record.LayerTool,
		Confidence:    0.8,
	}
	require.NoError(t, s.SaveAttribution(ctx, attr))

	got, err := s.LoadAttribution(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, record.CauseToolTimeout, got.PrimaryCause)
}

func TestQueryRuns(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestTrace(t)

	require.NoError(t, s.SaveRunRecord(ctx, traceRecord("r1", true)))
	require.NoError(t, s.SaveRunRecord(ctx, traceRecord("r2", false)))
	require.NoError(t, s.SaveRunRecord(ctx, traceRecord("r3", false)))

	failed, err := s.QueryRuns(ctx, QueryFilter{FinalState: record.StateFailed})
	require.NoError(t, err)
	require.Equal(t, []string{"r2", "r3"}, failed)

	timeouts, err := s.QueryRuns(ctx, QueryFilter{FailureType: "TIMEOUT", Limit: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"r3"}, timeouts)

	all, err := s.QueryRuns(ctx, QueryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestQueryRunsSkipsMalformedLines(t *testing.T) {
	ctx := context.Background()
	s, fs := newTestTrace(t)

	require.NoError(t, s.SaveRunRecord(ctx, traceRecord("r1", true)))
	require.NoError(t, fs.Append(ctx, "trace_store/index/tasks_index.jsonl", []byte("not json\n")))
	require.NoError(t, s.SaveRunRecord(ctx, traceRecord("r2", true)))

	all, err := s.QueryRuns(ctx, QueryFilter{})
	require.NoError(t, err)
	require.Equal(t, []string{"r1", "r2"}, all)
}

func TestCostAndTimeBuckets(t *testing.T) {
	require.Equal(t, "free", CostBucket(0))
	require.Equal(t, "low", CostBucket(0.10))
	require.Equal(t, "mid", CostBucket(0.50))
	require.Equal(t, "high", CostBucket(2.0))
	require.Equal(t, "2026-08-01T10", TimeBucket("2026-08-01T10:00:05Z"))
}

func TestSaveShadowDiff(t *testing.T) {
	ctx := context.Background()
	s, fs := newTestTrace(t)

	require.NoError(t, s.SaveShadowDiff(ctx, "r1", map[string]string{"decision": "diverged"}))
	data, err := fs.Get(ctx, "shadow_diff/r1.json")
	require.NoError(t, err)

	var diff map[string]string
	require.NoError(t, json.Unmarshal(data, &diff))
	require.Equal(t, "diverged", diff["decision"])
}
