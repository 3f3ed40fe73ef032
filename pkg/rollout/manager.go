package rollout

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/Mindburn-Labs/evoloop/pkg/artifact"
	"github.com/Mindburn-Labs/evoloop/pkg/kpi"
	"github.com/Mindburn-Labs/evoloop/pkg/policy"
	"github.com/Mindburn-Labs/evoloop/pkg/record"
)

// Actions reported by the state machine, also used as audit actions.
const (
	ActionStartCanary = "start_canary"
	ActionAdvance     = "advance"
	ActionPromote     = "promote"
	ActionRollback    = "rollback"
	ActionHold        = "hold"
	ActionNoop        = "noop"
	ActionReset       = "reset_to_idle"
)

// Default traffic fractions per stage.
const (
	DefaultCanaryPct  = 0.05
	DefaultPartialPct = 0.25
)

// ErrStageConflict signals a refused transition, e.g. starting a canary
// while one is already in progress. It is a refusal, not a failure.
type ErrStageConflict struct {
	Current Stage
	Wanted  string
}

func (e *ErrStageConflict) Error() string {
	return fmt.Sprintf("rollout: cannot %s from stage %s", e.Wanted, e.Current)
}

// KPISource provides the current rolling KPI set.
type KPISource interface {
	Load(ctx context.Context) (*kpi.Set, error)
}

// TickResult summarizes one state machine step.
type TickResult struct {
	Action string    `json:"action"`
	Stage  Stage     `json:"stage"`
	Reason string    `json:"reason,omitempty"`
	Check  *KPICheck `json:"kpi_check,omitempty"`
}

// Manager is the single writer of the rollout state.
type Manager struct {
	mu         sync.Mutex
	artifacts  artifact.Store
	registry   *policy.Registry
	kpis       KPISource
	audit      *AuditLog
	thresholds Thresholds
	canaryPct  float64
	partialPct float64
	logger     *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithStagePcts overrides the canary and partial traffic fractions.
func WithStagePcts(canary, partial float64) Option {
	return func(m *Manager) {
		if canary > 0 && canary < 1 {
			m.canaryPct = canary
		}
		if partial > canary && partial < 1 {
			m.partialPct = partial
		}
	}
}

// NewManager creates the rollout manager.
func NewManager(artifacts artifact.Store, registry *policy.Registry, kpis KPISource, audit *AuditLog, thresholds Thresholds, opts ...Option) *Manager {
	m := &Manager{
		artifacts:  artifacts,
		registry:   registry,
		kpis:       kpis,
		audit:      audit,
		thresholds: thresholds,
		canaryPct:  DefaultCanaryPct,
		partialPct: DefaultPartialPct,
		logger:     slog.Default().With("component", "rollout"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current rollout state, nil when none exists.
func (m *Manager) State(ctx context.Context) (*State, error) {
	return LoadState(ctx, m.artifacts)
}

// StartCanary begins a staged rollout of candidate at pct traffic. Allowed
// only from idle, rollback, or full (or when no state exists yet).
func (m *Manager) StartCanary(ctx context.Context, active, candidate string, pct float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := LoadState(ctx, m.artifacts)
	if err != nil {
		return err
	}
	if st != nil && st.Stage.Routable() {
		return &ErrStageConflict{Current: st.Stage, Wanted: ActionStartCanary}
	}
	if pct <= 0 || pct >= 1 {
		pct = m.canaryPct
	}

	next := &State{
		ActivePolicy:    active,
		CandidatePolicy: candidate,
		Stage:           StageCanary,
		TrafficSplit:    map[string]float64{active: 1 - pct, candidate: pct},
		Thresholds:      m.thresholds,
		StartedAt:       record.Now(),
	}
	if err := m.persist(ctx, next); err != nil {
		return err
	}
	fromStage := StageIdle
	if st != nil {
		fromStage = st.Stage
	}
	m.auditTransition(ctx, ActionStartCanary, fromStage, next, nil, "")
	return nil
}

// AdvanceStage moves canary→partial or partial→full after a passing KPI
// check; a failing check rolls back instead.
func (m *Manager) AdvanceStage(ctx context.Context) (*TickResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advanceLocked(ctx)
}

func (m *Manager) advanceLocked(ctx context.Context) (*TickResult, error) {
	st, err := LoadState(ctx, m.artifacts)
	if err != nil {
		return nil, err
	}
	if st == nil || !st.Stage.Routable() {
		stage := StageIdle
		if st != nil {
			stage = st.Stage
		}
		return nil, &ErrStageConflict{Current: stage, Wanted: ActionAdvance}
	}

	check, err := m.kpiCheck(ctx, st)
	if err != nil {
		return nil, err
	}
	if !check.Pass {
		return m.rollbackLocked(ctx, st, check, "kpi_check_failed")
	}

	switch st.Stage {
	case StageCanary:
		from := st.Stage
		st.Stage = StagePartial
		st.TrafficSplit = map[string]float64{
			st.ActivePolicy:    1 - m.partialPct,
			st.CandidatePolicy: m.partialPct,
		}
		st.LastCheckedAt = record.Now()
		if err := m.persist(ctx, st); err != nil {
			return nil, err
		}
		m.auditTransition(ctx, ActionAdvance, from, st, check, "")
		return &TickResult{Action: ActionAdvance, Stage: st.Stage, Check: check}, nil
	case StagePartial:
		return m.promoteLocked(ctx, st, check)
	default:
		return nil, &ErrStageConflict{Current: st.Stage, Wanted: ActionAdvance}
	}
}

// promoteLocked completes the rollout: candidate becomes the active policy.
func (m *Manager) promoteLocked(ctx context.Context, st *State, check *KPICheck) (*TickResult, error) {
	from := st.Stage
	promoted := st.CandidatePolicy
	st.PreviousPolicy = st.ActivePolicy
	st.ActivePolicy = promoted
	st.CandidatePolicy = ""
	st.Stage = StageFull
	st.TrafficSplit = map[string]float64{promoted: 1.0}
	st.LastCheckedAt = record.Now()
	if err := m.persist(ctx, st); err != nil {
		return nil, err
	}
	m.auditTransition(ctx, ActionPromote, from, st, check, "")
	return &TickResult{Action: ActionPromote, Stage: st.Stage, Check: check}, nil
}

// CheckTick is the periodic step: no-op outside routable stages, otherwise
// rollback, advance, or hold based on KPIs.
func (m *Manager) CheckTick(ctx context.Context) (*TickResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := LoadState(ctx, m.artifacts)
	if err != nil {
		return nil, err
	}
	if st == nil || !st.Stage.Routable() {
		stage := StageIdle
		if st != nil {
			stage = st.Stage
		}
		return &TickResult{Action: ActionNoop, Stage: stage}, nil
	}

	check, err := m.kpiCheck(ctx, st)
	if err != nil {
		return nil, err
	}
	if m.shouldRollback(check) {
		return m.rollbackLocked(ctx, st, check, "kpi_degradation")
	}
	if check.Pass {
		return m.advanceLocked(ctx)
	}

	st.LastCheckedAt = record.Now()
	if err := m.persist(ctx, st); err != nil {
		return nil, err
	}
	return &TickResult{Action: ActionHold, Stage: st.Stage, Check: check}, nil
}

// ResetToIdle is the administrative reset; active resolves to the latest
// released policy version.
func (m *Manager) ResetToIdle(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := ""
	if p, err := m.registry.LatestPolicy(ctx); err == nil {
		active = p.ID()
	} else if !artifact.IsAbsent(err) {
		return err
	}

	st, err := LoadState(ctx, m.artifacts)
	if err != nil {
		return err
	}
	from := StageIdle
	if st != nil {
		from = st.Stage
		if active == "" {
			active = st.ActivePolicy
		}
	}

	next := &State{
		ActivePolicy: active,
		Stage:        StageIdle,
		TrafficSplit: map[string]float64{active: 1.0},
		Thresholds:   m.thresholds,
	}
	if err := m.persist(ctx, next); err != nil {
		return err
	}
	m.auditTransition(ctx, ActionReset, from, next, nil, "administrative")
	return nil
}

// Rollback forces an immediate rollback with a named reason.
func (m *Manager) Rollback(ctx context.Context, reason string) (*TickResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := LoadState(ctx, m.artifacts)
	if err != nil {
		return nil, err
	}
	if st == nil || !st.Stage.Routable() {
		stage := StageIdle
		if st != nil {
			stage = st.Stage
		}
		return nil, &ErrStageConflict{Current: stage, Wanted: ActionRollback}
	}
	return m.rollbackLocked(ctx, st, nil, reason)
}

// rollbackLocked rewrites the state to all-active and records the stage and
// split it rolled back from.
func (m *Manager) rollbackLocked(ctx context.Context, st *State, check *KPICheck, reason string) (*TickResult, error) {
	from := st.Stage
	st.RollbackFromStage = from
	st.RollbackFromSplit = st.TrafficSplit
	st.RollbackAt = record.Now()
	st.Stage = StageRollback
	st.TrafficSplit = map[string]float64{st.ActivePolicy: 1.0}
	st.LastCheckedAt = st.RollbackAt
	if err := m.persist(ctx, st); err != nil {
		return nil, err
	}
	m.auditTransition(ctx, ActionRollback, from, st, check, reason)
	return &TickResult{Action: ActionRollback, Stage: st.Stage, Reason: reason, Check: check}, nil
}

// kpiCheck evaluates the transition guardrails from the rolling KPI set.
// Missing KPIs for either side fail the check; a rollout never advances on
// absent evidence.
func (m *Manager) kpiCheck(ctx context.Context, st *State) (*KPICheck, error) {
	set, err := m.kpis.Load(ctx)
	if err != nil {
		return nil, err
	}
	check := &KPICheck{}
	active := set.Policy(st.ActivePolicy)
	cand := set.Policy(st.CandidatePolicy)
	if active == nil || cand == nil {
		check.FailedChecks = append(check.FailedChecks, "kpis_missing")
		return check, nil
	}
	check.ActiveSuccess = active.SuccessRate
	check.CandSuccess = cand.SuccessRate
	check.CandFailureRate = cand.FailureRate
	check.CostRatio = costRatio(cand.AvgCostUSD, active.AvgCostUSD)

	if cand.FailureRate > st.Thresholds.MaxFailureRate {
		check.FailedChecks = append(check.FailedChecks, "failure_rate")
	}
	if cand.SuccessRate-active.SuccessRate < st.Thresholds.MinSuccessUplift {
		check.FailedChecks = append(check.FailedChecks, "success_uplift")
	}
	if check.CostRatio > st.Thresholds.MaxCostIncrease {
		check.FailedChecks = append(check.FailedChecks, "cost_increase")
	}
	check.Pass = len(check.FailedChecks) == 0
	return check, nil
}

// shouldRollback applies the rollback conditions, which are looser than the
// advance check: a candidate may hold without advancing, but degradation
// past these bounds forces a rollback.
func (m *Manager) shouldRollback(check *KPICheck) bool {
	for _, f := range check.FailedChecks {
		if f == "kpis_missing" {
			return false
		}
	}
	if check.CandFailureRate > m.thresholds.MaxFailureRate {
		return true
	}
	if check.ActiveSuccess-check.CandSuccess > 0.05 {
		return true
	}
	return check.CostRatio > m.thresholds.MaxCostIncrease
}

func costRatio(cand, active float64) float64 {
	if active == 0 {
		if cand <= 0 {
			return 0
		}
		return 1.0
	}
	return (cand - active) / active
}

// persist writes the state after checking the split invariant.
func (m *Manager) persist(ctx context.Context, st *State) error {
	if sum := splitSum(st.TrafficSplit); math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("rollout: traffic split sums to %f", sum)
	}
	return saveState(ctx, m.artifacts, st)
}

// auditTransition appends the transition entry; audit failures are logged,
// never block the transition that already happened.
func (m *Manager) auditTransition(ctx context.Context, action string, from Stage, st *State, check *KPICheck, reason string) {
	if m.audit == nil {
		return
	}
	err := m.audit.Append(ctx, &AuditEntry{
		Action:          action,
		FromStage:       from,
		ToStage:         st.Stage,
		ActivePolicy:    st.ActivePolicy,
		CandidatePolicy: st.CandidatePolicy,
		TrafficSplit:    st.TrafficSplit,
		KPICheck:        check,
		Reason:          reason,
	})
	if err != nil {
		m.logger.Warn("audit append failed", "action", action, "error", err)
	}
}
