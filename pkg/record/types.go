// Package record defines the immutable data model of the policy evolution
// core: run records, events, run signals, attributions, and the pattern
// signature used for cross-run learning.
//
// All records are UTF-8 JSON, carry a schema_version, and are never mutated
// after being written.
package record

import (
	"encoding/json"
	"time"
)

// SchemaVersion is stamped on every record written by this module.
const SchemaVersion = "1.0"

// TimeFormat is the fixed-width UTC ISO-8601 layout used for all timestamps.
// Fixed width keeps string comparison order-equivalent to time order.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// Now returns the current UTC time formatted with TimeFormat.
func Now() string {
	return time.Now().UTC().Format(TimeFormat)
}

// FormatTime renders t in the canonical timestamp layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// FinalState is the terminal state of a run.
type FinalState string

const (
	StateCompleted FinalState = "COMPLETED"
	StateFailed    FinalState = "FAILED"
	StatePaused    FinalState = "PAUSED"
	StateCancelled FinalState = "CANCELLED"
)

// PlanPathType describes which plan tier a run executed.
type PlanPathType string

const (
	PlanNormal   PlanPathType = "normal"
	PlanDegraded PlanPathType = "degraded"
	PlanMinimal  PlanPathType = "minimal"
)

// ToolFailureType is the closed set of tool call failure classes.
type ToolFailureType string

const (
	ToolFailTimeout    ToolFailureType = "TIMEOUT"
	ToolFailPermission ToolFailureType = "PERMISSION"
	ToolFailInvalid    ToolFailureType = "INVALID"
	ToolFailEnv        ToolFailureType = "ENV"
)

// ToolCall captures one tool invocation inside a run.
type ToolCall struct {
	Name        string          `json:"name"`
	Success     bool            `json:"success"`
	FailureType ToolFailureType `json:"failure_type,omitempty"`
	LatencyMs   int64           `json:"latency_ms"`
	CostUSD     float64         `json:"cost_usd"`
}

// RetrievalSignals captures the retrieval layer of a run.
type RetrievalSignals struct {
	PolicyID string `json:"policy_id"`
	NumDocs  int    `json:"num_docs"`
}

// EvidenceSignals captures the evidence pack layer of a run.
type EvidenceSignals struct {
	Total     int `json:"total"`
	Used      int `json:"used"`
	Conflicts int `json:"conflicts"`
}

// GenerationSignals captures the generation layer of a run.
type GenerationSignals struct {
	PromptTemplateID string  `json:"prompt_template_id"`
	Tokens           int     `json:"tokens"`
	LatencyMs        int64   `json:"latency_ms"`
	CostUSD          float64 `json:"cost_usd"`
}

// CostSummary totals run cost, with an optional per-layer breakdown.
type CostSummary struct {
	TotalUSD float64            `json:"total_usd"`
	PerLayer map[string]float64 `json:"per_layer,omitempty"`
}

// RunRecord is the one-per-run artifact written by the outer execution
// engine. Every field needed to replay attribution is present or explicitly
// marked absent via its zero value.
type RunRecord struct {
	SchemaVersion string     `json:"schema_version"`
	RunID         string     `json:"run_id"`
	CreatedAt     string     `json:"created_at"`
	CompletedAt   string     `json:"completed_at"`
	FinalState    FinalState `json:"final_state"`

	PolicyID     string       `json:"policy_id"`
	PlanID       string       `json:"plan_id"`
	PlanPathType PlanPathType `json:"plan_path_type"`

	GovernanceDecision string `json:"governance_decision,omitempty"`

	ToolCalls  []ToolCall        `json:"tool_calls,omitempty"`
	Retrieval  RetrievalSignals  `json:"retrieval"`
	Evidence   EvidenceSignals   `json:"evidence"`
	Generation GenerationSignals `json:"generation"`

	CostSummary CostSummary `json:"cost_summary"`
	LatencyMs   int64       `json:"latency_ms"`
	Success     bool        `json:"success"`

	// Extras is the forward-compatibility bag for fields this schema
	// version does not model.
	Extras map[string]json.RawMessage `json:"extras,omitempty"`
}

// EventType is the closed set of per-run event categories.
type EventType string

const (
	EventAgentReport        EventType = "agent_report"
	EventGovernanceDecision EventType = "governance_decision"
	EventPlanSwitch         EventType = "plan_switch"
	EventToolCall           EventType = "tool_call"
	EventStateChange        EventType = "state_change"
	EventCostUpdate         EventType = "cost_update"
	EventEvaluationFeedback EventType = "evaluation_feedback"
)

// Event is one append-only entry in a run's event log. EventID is strictly
// monotone within a run.
type Event struct {
	SchemaVersion string          `json:"schema_version"`
	EventID       int64           `json:"event_id"`
	RunID         string          `json:"run_id"`
	Timestamp     string          `json:"timestamp"`
	Type          EventType       `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	PayloadRef    string          `json:"payload_ref,omitempty"`
}
