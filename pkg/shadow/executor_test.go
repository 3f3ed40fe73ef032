package shadow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/evoloop/pkg/artifact"
	"github.com/Mindburn-Labs/evoloop/pkg/record"
	"github.com/Mindburn-Labs/evoloop/pkg/trace"
)

func newTestExecutor(t *testing.T) (*Executor, artifact.Store) {
	t.Helper()
	fs, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return NewExecutor(trace.New(fs), time.Second), fs
}

func fixedRunner(out Outcome) Runner {
	return RunnerFunc(func(ctx context.Context, p *Payload) (*Outcome, error) {
		o := out
		return &o, nil
	})
}

func TestRunShadowDivergence(t *testing.T) {
	ctx := context.Background()
	e, fs := newTestExecutor(t)

	active := fixedRunner(Outcome{Decision: "plan_a", Success: true, CostUSD: 0.10, LatencyMs: 1000})
	candidate := fixedRunner(Outcome{Decision: "plan_b", Success: false, CostUSD: 0.15, LatencyMs: 1400})

	res, err := e.RunShadow(ctx, "r1", &Payload{RunID: "r1"}, active, candidate)
	require.NoError(t, err)
	require.True(t, res.DecisionDivergence)
	require.InDelta(t, 0.05, res.CostDeltaUSD, 1e-9)
	require.InDelta(t, 400, res.LatencyDeltaMs, 1e-9)
	require.InDelta(t, -1.0, res.SuccessDelta, 1e-9)
	require.Len(t, res.InputsHash, 16)

	// The diff lands in the shadow namespace.
	ok, err := fs.Exists(ctx, "shadow_diff/r1.json")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRunShadowNoDivergence(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestExecutor(t)

	same := fixedRunner(Outcome{Decision: "plan_a", Success: true, CostUSD: 0.10, LatencyMs: 1000})
	res, err := e.RunShadow(ctx, "r1", &Payload{RunID: "r1"}, same, same)
	require.NoError(t, err)
	require.False(t, res.DecisionDivergence)
	require.Zero(t, res.CostDeltaUSD)
	require.Zero(t, res.SuccessDelta)
}

func TestRunShadowRequiresCandidate(t *testing.T) {
	e, _ := newTestExecutor(t)
	_, err := e.RunShadow(context.Background(), "r1", &Payload{RunID: "r1"},
		fixedRunner(Outcome{}), nil)
	require.ErrorIs(t, err, ErrNoCandidateRunner)
}

func TestRunShadowRunnerErrorBecomesFailedOutcome(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestExecutor(t)

	active := fixedRunner(Outcome{Decision: "plan_a", Success: true})
	broken := RunnerFunc(func(ctx context.Context, p *Payload) (*Outcome, error) {
		return nil, errors.New("boom")
	})

	res, err := e.RunShadow(ctx, "r1", &Payload{RunID: "r1"}, active, broken)
	require.NoError(t, err)
	require.False(t, res.Candidate.Success)
	require.Equal(t, "runner_error", res.Candidate.ErrorType)
	require.InDelta(t, -1.0, res.SuccessDelta, 1e-9)
}

func TestRunShadowTimeout(t *testing.T) {
	ctx := context.Background()
	fs, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)
	e := NewExecutor(trace.New(fs), 10*time.Millisecond)

	slow := RunnerFunc(func(ctx context.Context, p *Payload) (*Outcome, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return &Outcome{Success: true}, nil
		}
	})

	res, err := e.RunShadow(ctx, "r1", &Payload{RunID: "r1"},
		fixedRunner(Outcome{Success: true}), slow)
	require.NoError(t, err)
	require.Equal(t, "timeout", res.Candidate.ErrorType)
}

func TestEvaluateAggregates(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestExecutor(t)

	signals := make([]*record.RunSignal, 10)
	for i := range signals {
		signals[i] = &record.RunSignal{RunID: fmt.Sprintf("r%d", i)}
	}

	// Active fails odd runs; candidate always succeeds but costs more.
	n := 0
	active := RunnerFunc(func(ctx context.Context, p *Payload) (*Outcome, error) {
		n++
		return &Outcome{Success: n%2 == 1, CostUSD: 0.10, LatencyMs: 1000, EvidenceUsageRate: 0.5}, nil
	})
	candidate := fixedRunner(Outcome{Success: true, CostUSD: 0.12, LatencyMs: 1100, EvidenceUsageRate: 0.5})

	report, err := e.Evaluate(ctx, "cand_1", signals, active, candidate)
	require.NoError(t, err)
	require.Equal(t, 10, report.Active.Runs)
	require.Equal(t, 10, report.Candidate.Runs)
	require.InDelta(t, 0.5, report.Active.SuccessRate, 1e-9)
	require.InDelta(t, 1.0, report.Candidate.SuccessRate, 1e-9)
	require.InDelta(t, 0.5, report.SuccessUplift, 1e-9)
	require.InDelta(t, 0.02, report.CostDeltaUSD, 1e-9)
	require.InDelta(t, 1.0, report.Candidate.EvidencePassRate, 1e-9)
}

func TestEvaluateEmptySignals(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestExecutor(t)

	report, err := e.Evaluate(ctx, "cand_1", nil,
		fixedRunner(Outcome{Success: true}), fixedRunner(Outcome{Success: true}))
	require.NoError(t, err)
	require.Zero(t, report.Active.Runs)
	require.Zero(t, report.SuccessUplift)
}
