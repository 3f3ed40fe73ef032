// Package rollout owns the staged release state machine: canary, partial,
// full, with automatic rollback, and the signed audit log every transition
// appends to.
package rollout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/evoloop/pkg/artifact"
	"github.com/Mindburn-Labs/evoloop/pkg/record"
)

// StateKey is the singleton rollout state artifact.
const StateKey = "rollouts/rollout_state.json"

// Stage is the rollout state machine position.
type Stage string

const (
	StageIdle     Stage = "idle"
	StageCanary   Stage = "canary"
	StagePartial  Stage = "partial"
	StageFull     Stage = "full"
	StageRollback Stage = "rollback"
)

// Routable reports whether the stage splits traffic between two policies.
func (s Stage) Routable() bool {
	return s == StageCanary || s == StagePartial
}

// Thresholds are the KPI guardrails checked on every tick.
type Thresholds struct {
	MaxFailureRate   float64 `json:"max_failure_rate"`
	MinSuccessUplift float64 `json:"min_success_uplift"`
	MaxCostIncrease  float64 `json:"max_cost_increase"`
}

// DefaultThresholds returns the standard rollout guardrails.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxFailureRate:   0.15,
		MinSuccessUplift: 0.0,
		MaxCostIncrease:  0.05,
	}
}

// State is the singleton record for the current active/candidate pair.
// Only the rollout manager writes it; readers load a fresh copy per call.
type State struct {
	SchemaVersion   string             `json:"schema_version"`
	ActivePolicy    string             `json:"active_policy"`
	CandidatePolicy string             `json:"candidate_policy,omitempty"`
	Stage           Stage              `json:"stage"`
	TrafficSplit    map[string]float64 `json:"traffic_split"`
	Thresholds      Thresholds         `json:"thresholds"`
	KPIWindow       int                `json:"kpi_window"`
	PreviousPolicy  string             `json:"previous_policy,omitempty"`
	StartedAt       string             `json:"started_at,omitempty"`
	LastCheckedAt   string             `json:"last_checked_at,omitempty"`

	RollbackFromStage Stage              `json:"rollback_from_stage,omitempty"`
	RollbackFromSplit map[string]float64 `json:"rollback_from_split,omitempty"`
	RollbackAt        string             `json:"rollback_at,omitempty"`
}

// LoadState reads the singleton state; absence returns (nil, nil).
func LoadState(ctx context.Context, artifacts artifact.Store) (*State, error) {
	data, err := artifacts.Get(ctx, StateKey)
	if err != nil {
		if artifact.IsAbsent(err) {
			return nil, nil
		}
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: rollout state", artifact.ErrAbsent)
	}
	return &st, nil
}

// saveState persists the singleton atomically.
func saveState(ctx context.Context, artifacts artifact.Store, st *State) error {
	st.SchemaVersion = record.SchemaVersion
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal rollout state: %w", err)
	}
	_, err = artifacts.Put(ctx, StateKey, data)
	return err
}

// splitSum checks the traffic split invariant.
func splitSum(split map[string]float64) float64 {
	var sum float64
	for _, v := range split {
		sum += v
	}
	return sum
}
