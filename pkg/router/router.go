// Package router picks the policy version for each run. Routing is a pure
// function of the run context and the current rollout state, so the same
// run context maps to the same policy across processes and restarts.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"log/slog"
	"os"

	"github.com/Mindburn-Labs/evoloop/pkg/artifact"
	"github.com/Mindburn-Labs/evoloop/pkg/policy"
	"github.com/Mindburn-Labs/evoloop/pkg/rollout"
)

// OverrideEnv forces a fixed policy id regardless of rollout state.
const OverrideEnv = "EVOLOOP_ACTIVE_POLICY"

// RunContext carries the identifiers available at routing time. Fields are
// consulted in stability order: task, run, project+user, project.
type RunContext struct {
	TaskID    string `json:"task_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// hashInput returns the most stable identifier present, empty when none.
func (rc *RunContext) hashInput() string {
	switch {
	case rc.TaskID != "":
		return "task:" + rc.TaskID
	case rc.RunID != "":
		return "run:" + rc.RunID
	case rc.ProjectID != "" && rc.UserID != "":
		return "proj_user:" + rc.ProjectID + "|" + rc.UserID
	case rc.ProjectID != "":
		return "proj:" + rc.ProjectID
	default:
		return ""
	}
}

// Router resolves the policy for each run.
type Router struct {
	artifacts artifact.Store
	registry  *policy.Registry
	logger    *slog.Logger
}

// New creates a Router. The registry resolves the default active policy
// when no rollout state exists.
func New(artifacts artifact.Store, registry *policy.Registry) *Router {
	return &Router{
		artifacts: artifacts,
		registry:  registry,
		logger:    slog.Default().With("component", "router"),
	}
}

// PickPolicy returns the policy id this run should execute under. Every
// failure path falls back to the active policy; routing never blocks a run.
func (r *Router) PickPolicy(ctx context.Context, rc *RunContext) string {
	if override := os.Getenv(OverrideEnv); override != "" {
		return override
	}

	st, err := rollout.LoadState(ctx, r.artifacts)
	if err != nil {
		r.logger.Warn("rollout state unreadable, using default active", "error", err)
		return r.defaultActive(ctx)
	}
	if st == nil {
		return r.defaultActive(ctx)
	}
	if !st.Stage.Routable() {
		return st.ActivePolicy
	}

	input := rc.hashInput()
	if input == "" {
		// No stable identifier: routing would be random, so fail closed to
		// the active policy.
		r.logger.Warn("run context has no stable identifier, routing to active")
		return st.ActivePolicy
	}

	if hashFraction(input) < st.TrafficSplit[st.CandidatePolicy] {
		return st.CandidatePolicy
	}
	return st.ActivePolicy
}

// hashFraction maps an identifier deterministically into [0, 1).
func hashFraction(input string) float64 {
	sum := sha256.Sum256([]byte(input))
	n := binary.BigEndian.Uint64(sum[:8])
	return float64(n) / float64(1<<63) / 2.0
}

// defaultActive resolves the latest released policy; empty when none exist.
func (r *Router) defaultActive(ctx context.Context) string {
	p, err := r.registry.LatestPolicy(ctx)
	if err != nil {
		if !artifact.IsAbsent(err) {
			r.logger.Warn("latest policy unreadable", "error", err)
		}
		return ""
	}
	return p.ID()
}
