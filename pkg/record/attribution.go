package record

// Cause is the closed set of primary failure causes.
type Cause string

const (
	CauseToolTimeout      Cause = "TOOL_TIMEOUT"
	CauseRetrievalMiss    Cause = "RETRIEVAL_MISS"
	CausePromptMismatch   Cause = "PROMPT_MISMATCH"
	CausePlannerError     Cause = "PLANNER_ERROR"
	CauseEvidenceGap      Cause = "EVIDENCE_INSUFFICIENT"
	CauseHallucination    Cause = "GENERATION_HALLUCINATION"
	CauseEnvironmentError Cause = "ENVIRONMENT_ERROR"
	CauseUnknown          Cause = "UNKNOWN"
)

// Layer names one stage of the causal chain, in execution order.
type Layer string

const (
	LayerPlanner     Layer = "planner"
	LayerTool        Layer = "tool"
	LayerMemory      Layer = "memory"
	LayerRetrieval   Layer = "retrieval"
	LayerEvidence    Layer = "evidence"
	LayerGeneration  Layer = "generation"
	LayerEnvironment Layer = "environment"
)

// ExecutionOrder lists layers in the order a run traverses them. The
// attributor tie-breaks near-equal causes toward the earliest failing layer.
var ExecutionOrder = []Layer{
	LayerPlanner,
	LayerTool,
	LayerMemory,
	LayerRetrieval,
	LayerEvidence,
	LayerGeneration,
	LayerEnvironment,
}

// CauseLayer maps each cause to the layer it blames.
func CauseLayer(c Cause) Layer {
	switch c {
	case CauseToolTimeout:
		return LayerTool
	case CauseRetrievalMiss:
		return LayerRetrieval
	case CausePromptMismatch, CauseHallucination:
		return LayerGeneration
	case CausePlannerError:
		return LayerPlanner
	case CauseEvidenceGap:
		return LayerEvidence
	case CauseEnvironmentError:
		return LayerEnvironment
	default:
		return ""
	}
}

// Attribution assigns a primary cause and per-layer blame weights to a run.
// Successful runs carry a neutral attribution: Failure=false, confidence 0,
// cause UNKNOWN.
type Attribution struct {
	SchemaVersion string `json:"schema_version"`
	RunID         string `json:"run_id"`
	GeneratedAt   string `json:"generated_at"`
	InputsHash    string `json:"inputs_hash"`

	Failure      bool    `json:"failure"`
	PrimaryCause Cause   `json:"primary_cause"`
	PrimaryLayer Layer   `json:"primary_layer,omitempty"`
	Confidence   float64 `json:"confidence"`

	// LayerBlameWeights sums to 1 (±0.01) across non-zero layers when
	// Failure is true; empty otherwise.
	LayerBlameWeights map[Layer]float64 `json:"layer_blame_weights,omitempty"`
	ExcludedLayers    []Layer           `json:"excluded_layers,omitempty"`
	SupportingSignals []string          `json:"supporting_signals,omitempty"`
}
