package record

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// JSON Schemas for the records the core reads back from disk. Validation
// runs on read: a malformed artifact is logged and skipped, never fatal.
const (
	runRecordSchema = `{
		"type": "object",
		"required": ["schema_version", "run_id", "final_state", "policy_id"],
		"properties": {
			"schema_version": {"type": "string"},
			"run_id": {"type": "string", "minLength": 1},
			"final_state": {"enum": ["COMPLETED", "FAILED", "PAUSED", "CANCELLED"]},
			"policy_id": {"type": "string"},
			"plan_path_type": {"enum": ["normal", "degraded", "minimal", ""]},
			"latency_ms": {"type": "integer", "minimum": 0},
			"success": {"type": "boolean"}
		}
	}`

	eventSchema = `{
		"type": "object",
		"required": ["event_id", "run_id", "type"],
		"properties": {
			"event_id": {"type": "integer", "minimum": 1},
			"run_id": {"type": "string", "minLength": 1},
			"type": {"enum": [
				"agent_report", "governance_decision", "plan_switch",
				"tool_call", "state_change", "cost_update", "evaluation_feedback"
			]}
		}
	}`

	attributionSchema = `{
		"type": "object",
		"required": ["schema_version", "run_id", "primary_cause", "confidence"],
		"properties": {
			"schema_version": {"type": "string"},
			"run_id": {"type": "string", "minLength": 1},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1}
		}
	}`
)

// Validator checks raw artifact bytes against the record schemas.
type Validator struct {
	runRecord   *jsonschema.Schema
	event       *jsonschema.Schema
	attribution *jsonschema.Schema
}

// NewValidator compiles the embedded schemas. Compilation failure is a
// programming error, so it panics rather than returning an error.
func NewValidator() *Validator {
	return &Validator{
		runRecord:   jsonschema.MustCompileString("run_record.json", runRecordSchema),
		event:       jsonschema.MustCompileString("event.json", eventSchema),
		attribution: jsonschema.MustCompileString("attribution.json", attributionSchema),
	}
}

func (v *Validator) validate(schema *jsonschema.Schema, data []byte) error {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema violation: %w", err)
	}
	return nil
}

// ValidateRunRecord checks raw bytes against the RunRecord schema.
func (v *Validator) ValidateRunRecord(data []byte) error { return v.validate(v.runRecord, data) }

// ValidateEvent checks raw bytes against the Event schema.
func (v *Validator) ValidateEvent(data []byte) error { return v.validate(v.event, data) }

// ValidateAttribution checks raw bytes against the Attribution schema.
func (v *Validator) ValidateAttribution(data []byte) error { return v.validate(v.attribution, data) }
