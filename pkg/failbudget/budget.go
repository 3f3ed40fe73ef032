// Package failbudget provides the rolling exploration sandbox budget:
// failures, cost, and latency allowances with a hard stop. The budget is a
// soft sandbox for exploration, not a safety mechanism; the production path
// never consults it.
package failbudget

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/evoloop/pkg/artifact"
	"github.com/Mindburn-Labs/evoloop/pkg/record"
)

const stateKey = "exploration/budget_state.json"

// StopReasonExhausted is set when a spend request exceeds the remainder.
const StopReasonExhausted = "budget_exhausted"

// Limits configures the budget window at construction.
type Limits struct {
	MaxFailures  int     `json:"max_failures"`
	MaxCostUSD   float64 `json:"max_cost_usd"`
	MaxLatencyMs int64   `json:"max_latency_ms"`
}

// DefaultLimits mirrors the standard exploration configuration.
func DefaultLimits() Limits {
	return Limits{MaxFailures: 10, MaxCostUSD: 5.0, MaxLatencyMs: 20000}
}

// State is the persisted rolling-window budget record.
type State struct {
	SchemaVersion      string  `json:"schema_version"`
	GeneratedAt        string  `json:"generated_at"`
	Limits             Limits  `json:"limits"`
	RemainingFailures  int     `json:"remaining_failures"`
	RemainingCostUSD   float64 `json:"remaining_cost_usd"`
	RemainingLatencyMs int64   `json:"remaining_latency_ms"`
	SpentFailures      int     `json:"spent_failures"`
	SpentCostUSD       float64 `json:"spent_cost_usd"`
	SpentLatencyMs     int64   `json:"spent_latency_ms"`
	HardStop           bool    `json:"hard_stop"`
	LastStopReason     string  `json:"last_stop_reason,omitempty"`
}

// Budget is the single-writer budget instance. CanSpend+Spend form an
// advisory pair; double-spending across concurrent callers is tolerated.
type Budget struct {
	mu        sync.Mutex
	state     State
	artifacts artifact.Store
}

// New creates a budget with fresh limits, restoring persisted state when a
// snapshot exists so hard stops survive restarts.
func New(ctx context.Context, artifacts artifact.Store, limits Limits) (*Budget, error) {
	b := &Budget{
		artifacts: artifacts,
		state:     freshState(limits),
	}
	data, err := artifacts.Get(ctx, stateKey)
	if err != nil {
		if artifact.IsAbsent(err) {
			return b, nil
		}
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err == nil && st.Limits == limits {
		b.state = st
	}
	return b, nil
}

func freshState(limits Limits) State {
	return State{
		SchemaVersion:      record.SchemaVersion,
		GeneratedAt:        record.Now(),
		Limits:             limits,
		RemainingFailures:  limits.MaxFailures,
		RemainingCostUSD:   limits.MaxCostUSD,
		RemainingLatencyMs: limits.MaxLatencyMs,
	}
}

// CanSpend reports whether the requested spend fits the remaining budget.
// It returns false while the hard stop is set.
func (b *Budget) CanSpend(failures int, costUSD float64, latencyMs int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canSpendLocked(failures, costUSD, latencyMs)
}

func (b *Budget) canSpendLocked(failures int, costUSD float64, latencyMs int64) bool {
	if b.state.HardStop {
		return false
	}
	return failures <= b.state.RemainingFailures &&
		costUSD <= b.state.RemainingCostUSD &&
		latencyMs <= b.state.RemainingLatencyMs
}

// Spend subtracts from the budget. A disallowed spend trips the hard stop
// with reason "budget_exhausted" instead of spending.
func (b *Budget) Spend(ctx context.Context, failures int, costUSD float64, latencyMs int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.canSpendLocked(failures, costUSD, latencyMs) {
		b.state.HardStop = true
		b.state.LastStopReason = StopReasonExhausted
		return b.persistLocked(ctx)
	}
	b.state.RemainingFailures -= failures
	b.state.RemainingCostUSD -= costUSD
	b.state.RemainingLatencyMs -= latencyMs
	b.state.SpentFailures += failures
	b.state.SpentCostUSD += costUSD
	b.state.SpentLatencyMs += latencyMs
	return b.persistLocked(ctx)
}

// HardStop triggers the hard stop with a named reason, e.g. from an
// external circuit breaker. Exploration is blocked until Reset.
func (b *Budget) HardStop(ctx context.Context, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.HardStop = true
	b.state.LastStopReason = reason
	return b.persistLocked(ctx)
}

// Stopped reports the hard stop flag and its reason.
func (b *Budget) Stopped() (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.HardStop, b.state.LastStopReason
}

// Reset restores the initial budget and clears the hard stop.
func (b *Budget) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = freshState(b.state.Limits)
	return b.persistLocked(ctx)
}

// Snapshot returns a copy of the current state.
func (b *Budget) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state
	return st
}

func (b *Budget) persistLocked(ctx context.Context) error {
	b.state.GeneratedAt = record.Now()
	data, err := json.Marshal(b.state)
	if err != nil {
		return fmt.Errorf("marshal budget state: %w", err)
	}
	if _, err := b.artifacts.Put(ctx, stateKey, data); err != nil {
		return err
	}
	return nil
}
