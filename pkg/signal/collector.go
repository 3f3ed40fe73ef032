// Package signal assembles per-run causal chains into normalized RunSignal
// records: the stable contract every downstream consumer reads.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/evoloop/pkg/artifact"
	"github.com/Mindburn-Labs/evoloop/pkg/record"
	"github.com/Mindburn-Labs/evoloop/pkg/workingmem"
)

const signalsKey = "run_signals.json"

// DefaultMaxSignals bounds the rolling signal file.
const DefaultMaxSignals = 10000

type signalFile struct {
	SchemaVersion string              `json:"schema_version"`
	GeneratedAt   string              `json:"generated_at"`
	Signals       []record.RunSignal  `json:"signals"`
}

// Collector flattens RunRecord+Events into RunSignals, appends them to the
// rolling signal file, and updates working memory.
type Collector struct {
	artifacts  artifact.Store
	memory     *workingmem.Memory
	maxSignals int
	logger     *slog.Logger
}

// New creates a Collector. memory may be nil when pattern tracking is not
// wanted (tests).
func New(artifacts artifact.Store, memory *workingmem.Memory, maxSignals int) *Collector {
	if maxSignals <= 0 {
		maxSignals = DefaultMaxSignals
	}
	return &Collector{
		artifacts:  artifacts,
		memory:     memory,
		maxSignals: maxSignals,
		logger:     slog.Default().With("component", "signal_collector"),
	}
}

// Build constructs the RunSignal for a run. It is deterministic: identical
// inputs produce identical output, except PatternIsNew which reflects the
// working memory state at call time.
func (c *Collector) Build(rec *record.RunRecord, events []record.Event) (*record.RunSignal, error) {
	if rec == nil {
		return nil, fmt.Errorf("nil run record")
	}

	sig := &record.RunSignal{
		SchemaVersion:      record.SchemaVersion,
		RunID:              rec.RunID,
		CreatedAt:          rec.CreatedAt,
		CompletedAt:        rec.CompletedAt,
		PolicyID:           rec.PolicyID,
		PlanID:             rec.PlanID,
		PlanPathType:       rec.PlanPathType,
		GovernanceDecision: rec.GovernanceDecision,
		FinalState:         rec.FinalState,
		Success:            rec.Success,
		RetrievalPolicyID:  rec.Retrieval.PolicyID,
		NumDocs:            rec.Retrieval.NumDocs,
		EvidenceTotal:      rec.Evidence.Total,
		EvidenceUsed:       rec.Evidence.Used,
		EvidenceConflicts:  rec.Evidence.Conflicts,
		PromptTemplateID:   rec.Generation.PromptTemplateID,
		GenerationTokens:   rec.Generation.Tokens,
		GenerationLatencyMs: rec.Generation.LatencyMs,
		GenerationCostUSD:  rec.Generation.CostUSD,
		TotalCostUSD:       rec.CostSummary.TotalUSD,
		LatencyMs:          rec.LatencyMs,
	}

	succeeded := 0
	for _, tc := range rec.ToolCalls {
		sig.ToolSequence = append(sig.ToolSequence, tc.Name)
		if tc.Success {
			succeeded++
		} else if tc.FailureType != "" {
			if sig.ToolFailureTypes == nil {
				sig.ToolFailureTypes = make(map[string]int)
			}
			sig.ToolFailureTypes[string(tc.FailureType)]++
		}
	}
	if len(rec.ToolCalls) > 0 {
		sig.ToolSuccessRate = float64(succeeded) / float64(len(rec.ToolCalls))
	} else {
		sig.ToolSuccessRate = 1.0
	}

	if rec.Evidence.Total > 0 {
		sig.EvidenceUsageRate = float64(rec.Evidence.Used) / float64(rec.Evidence.Total)
	}

	// Consecutive repeats of the same tool read as retries.
	for i := 1; i < len(sig.ToolSequence); i++ {
		if sig.ToolSequence[i] == sig.ToolSequence[i-1] {
			sig.RetryCount++
		}
	}
	for _, ev := range events {
		if ev.Type == record.EventPlanSwitch {
			sig.PlanSwitches++
		}
	}

	hash, err := record.PatternSignature(sig)
	if err != nil {
		return nil, err
	}
	sig.PatternHash = hash
	if c.memory != nil {
		sig.PatternIsNew = !c.memory.Seen(hash)
	}
	return sig, nil
}

// Collect builds the RunSignal, appends it to the rolling file, and records
// the pattern in working memory. The working memory update is a shadow side
// effect: its failure is logged and swallowed.
func (c *Collector) Collect(ctx context.Context, rec *record.RunRecord, events []record.Event) (*record.RunSignal, error) {
	sig, err := c.Build(rec, events)
	if err != nil {
		return nil, err
	}
	if err := c.appendSignal(ctx, *sig); err != nil {
		return nil, err
	}
	if c.memory != nil {
		if err := c.memory.Record(ctx, sig.PatternHash, sig.Success, sig.TotalCostUSD, sig.LatencyMs); err != nil {
			c.logger.WarnContext(ctx, "working memory update failed", "run_id", sig.RunID, "error", err)
		}
	}
	return sig, nil
}

func (c *Collector) appendSignal(ctx context.Context, sig record.RunSignal) error {
	signals, err := c.load(ctx)
	if err != nil {
		return err
	}
	signals = append(signals, sig)
	if len(signals) > c.maxSignals {
		signals = signals[len(signals)-c.maxSignals:]
	}
	file := signalFile{
		SchemaVersion: record.SchemaVersion,
		GeneratedAt:   record.Now(),
		Signals:       signals,
	}
	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("marshal run signals: %w", err)
	}
	_, err = c.artifacts.Put(ctx, signalsKey, data)
	return err
}

// Recent returns up to n of the most recent signals, oldest first.
func (c *Collector) Recent(ctx context.Context, n int) ([]record.RunSignal, error) {
	signals, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(signals) > n {
		signals = signals[len(signals)-n:]
	}
	return signals, nil
}

func (c *Collector) load(ctx context.Context) ([]record.RunSignal, error) {
	data, err := c.artifacts.Get(ctx, signalsKey)
	if err != nil {
		if artifact.IsAbsent(err) {
			return nil, nil
		}
		return nil, err
	}
	var file signalFile
	if err := json.Unmarshal(data, &file); err != nil {
		// A corrupt rolling file is dropped rather than blocking signals.
		c.logger.WarnContext(ctx, "corrupt run signal file, starting empty", "error", err)
		return nil, nil
	}
	return file.Signals, nil
}
