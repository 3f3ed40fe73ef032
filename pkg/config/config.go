// Package config carries the tunables of the learning loop: defaults in
// code, an optional YAML profile, and environment overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Learning configures the controller triggers.
type Learning struct {
	MinRuns                int `yaml:"min_runs" json:"min_runs"`
	MinRunsBetweenTraining int `yaml:"min_runs_between_training" json:"min_runs_between_training"`
	MaxTrainExamples       int `yaml:"max_train_examples" json:"max_train_examples"`
	ShadowEvalRuns         int `yaml:"shadow_eval_runs" json:"shadow_eval_runs"`

	MaxFailureRate float64 `yaml:"max_failure_rate" json:"max_failure_rate"`
}

// Exploration configures the failure budget and candidate spawning.
type Exploration struct {
	MaxFailures           int     `yaml:"max_failures" json:"max_failures"`
	MaxCostUSD            float64 `yaml:"max_cost_usd" json:"max_cost_usd"`
	MaxLatencyMs          int64   `yaml:"max_latency_ms" json:"max_latency_ms"`
	MaxParallelCandidates int     `yaml:"max_parallel_candidates" json:"max_parallel_candidates"`
	SpawnPerMinute        float64 `yaml:"spawn_per_minute" json:"spawn_per_minute"`

	RetrievalPolicyIDs []string `yaml:"retrieval_policy_ids" json:"retrieval_policy_ids"`
	PromptTemplateIDs  []string `yaml:"prompt_template_ids" json:"prompt_template_ids"`
	ToolChainIDs       []string `yaml:"tool_chain_ids" json:"tool_chain_ids"`
}

// Rollout configures the staged release fractions and guardrails.
type Rollout struct {
	CanaryPct        float64 `yaml:"canary_pct" json:"canary_pct"`
	PartialPct       float64 `yaml:"partial_pct" json:"partial_pct"`
	MaxFailureRate   float64 `yaml:"max_failure_rate" json:"max_failure_rate"`
	MinSuccessUplift float64 `yaml:"min_success_uplift" json:"min_success_uplift"`
	MaxCostIncrease  float64 `yaml:"max_cost_increase" json:"max_cost_increase"`
}

// Gate configures the release gate.
type Gate struct {
	MinSuccessUplift      float64 `yaml:"min_success_uplift" json:"min_success_uplift"`
	MaxCostIncrease       float64 `yaml:"max_cost_increase" json:"max_cost_increase"`
	MaxLatencyIncreaseP95 float64 `yaml:"max_latency_increase_p95" json:"max_latency_increase_p95"`
	MinEvidencePassRate   float64 `yaml:"min_evidence_pass_rate" json:"min_evidence_pass_rate"`

	// CustomRules are operator-defined expressions; each must evaluate to a
	// boolean, false blocks the candidate.
	CustomRules []CustomRule `yaml:"custom_rules" json:"custom_rules"`
}

// CustomRule is one operator-defined gate expression.
type CustomRule struct {
	Name string `yaml:"name" json:"name"`
	Expr string `yaml:"expr" json:"expr"`
}

// Replay configures the golden replay runner.
type Replay struct {
	SuiteCap              int     `yaml:"suite_cap" json:"suite_cap"`
	SuccessDropThreshold  float64 `yaml:"success_drop_threshold" json:"success_drop_threshold"`
	CostIncreaseThreshold float64 `yaml:"cost_increase_threshold" json:"cost_increase_threshold"`
	AllowNewFailureModes  bool    `yaml:"allow_new_failure_modes" json:"allow_new_failure_modes"`
	ItemTimeoutMs         int64   `yaml:"item_timeout_ms" json:"item_timeout_ms"`
}

// Storage selects and configures the artifact backend.
type Storage struct {
	Type string `yaml:"type" json:"type"` // file | s3 | gcs
	Root string `yaml:"root" json:"root"`

	S3Bucket  string `yaml:"s3_bucket" json:"s3_bucket"`
	S3Prefix  string `yaml:"s3_prefix" json:"s3_prefix"`
	GCSBucket string `yaml:"gcs_bucket" json:"gcs_bucket"`
	GCSPrefix string `yaml:"gcs_prefix" json:"gcs_prefix"`

	// SQLiteIndexPath enables the queryable run index when non-empty.
	SQLiteIndexPath string `yaml:"sqlite_index_path" json:"sqlite_index_path"`
}

// Sinks configures optional external exports.
type Sinks struct {
	PostgresDSN string `yaml:"postgres_dsn" json:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr" json:"redis_addr"`
	RedisDB     int    `yaml:"redis_db" json:"redis_db"`
}

// Observability configures tracing and metrics export.
type Observability struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name" json:"service_name"`
}

// Config is the full runtime configuration.
type Config struct {
	Learning      Learning      `yaml:"learning" json:"learning"`
	Exploration   Exploration   `yaml:"exploration" json:"exploration"`
	Rollout       Rollout       `yaml:"rollout" json:"rollout"`
	Gate          Gate          `yaml:"gate" json:"gate"`
	Replay        Replay        `yaml:"replay" json:"replay"`
	Storage       Storage       `yaml:"storage" json:"storage"`
	Sinks         Sinks         `yaml:"sinks" json:"sinks"`
	Observability Observability `yaml:"observability" json:"observability"`

	// AuditSecret signs the rollout audit log when non-empty.
	AuditSecret string `yaml:"audit_secret" json:"-"`
}

// Default returns the standard configuration.
func Default() *Config {
	return &Config{
		Learning: Learning{
			MinRuns:                500,
			MinRunsBetweenTraining: 1000,
			MaxTrainExamples:       2000,
			ShadowEvalRuns:         100,
			MaxFailureRate:         0.15,
		},
		Exploration: Exploration{
			MaxFailures:           10,
			MaxCostUSD:            5.0,
			MaxLatencyMs:          20000,
			MaxParallelCandidates: 2,
			SpawnPerMinute:        6,
		},
		Rollout: Rollout{
			CanaryPct:        0.05,
			PartialPct:       0.25,
			MaxFailureRate:   0.15,
			MinSuccessUplift: 0.0,
			MaxCostIncrease:  0.05,
		},
		Gate: Gate{
			MinSuccessUplift:      0.0,
			MaxCostIncrease:       0.05,
			MaxLatencyIncreaseP95: 0.10,
			MinEvidencePassRate:   0.90,
		},
		Replay: Replay{
			SuiteCap:              100,
			SuccessDropThreshold:  0.05,
			CostIncreaseThreshold: 0.10,
			AllowNewFailureModes:  false,
			ItemTimeoutMs:         30000,
		},
		Storage: Storage{
			Type: "file",
			Root: "artifacts",
		},
		Observability: Observability{
			ServiceName: "evoloop",
		},
	}
}

// Load builds the configuration: defaults, then the YAML profile at path
// (skipped when empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays EVOLOOP_* environment variables.
func (c *Config) applyEnv() {
	setString(&c.Storage.Type, "EVOLOOP_STORAGE_TYPE")
	setString(&c.Storage.Root, "EVOLOOP_ARTIFACT_ROOT")
	setString(&c.Storage.S3Bucket, "EVOLOOP_S3_BUCKET")
	setString(&c.Storage.S3Prefix, "EVOLOOP_S3_PREFIX")
	setString(&c.Storage.GCSBucket, "EVOLOOP_GCS_BUCKET")
	setString(&c.Storage.GCSPrefix, "EVOLOOP_GCS_PREFIX")
	setString(&c.Storage.SQLiteIndexPath, "EVOLOOP_SQLITE_INDEX")
	setString(&c.Sinks.PostgresDSN, "EVOLOOP_POSTGRES_DSN")
	setString(&c.Sinks.RedisAddr, "EVOLOOP_REDIS_ADDR")
	setString(&c.Observability.OTLPEndpoint, "EVOLOOP_OTLP_ENDPOINT")
	setString(&c.AuditSecret, "EVOLOOP_AUDIT_SECRET")

	setInt(&c.Learning.MinRuns, "EVOLOOP_LEARNING_MIN_RUNS")
	setInt(&c.Learning.MinRunsBetweenTraining, "EVOLOOP_LEARNING_MIN_RUNS_BETWEEN_TRAINING")
	setFloat(&c.Learning.MaxFailureRate, "EVOLOOP_LEARNING_MAX_FAILURE_RATE")
	setInt(&c.Exploration.MaxFailures, "EVOLOOP_EXPLORATION_MAX_FAILURES")
	setFloat(&c.Exploration.MaxCostUSD, "EVOLOOP_EXPLORATION_MAX_COST_USD")
	setInt64(&c.Exploration.MaxLatencyMs, "EVOLOOP_EXPLORATION_MAX_LATENCY_MS")
	setInt(&c.Exploration.MaxParallelCandidates, "EVOLOOP_EXPLORATION_MAX_PARALLEL_CANDIDATES")
	setFloat(&c.Rollout.CanaryPct, "EVOLOOP_ROLLOUT_CANARY_PCT")
	setFloat(&c.Rollout.PartialPct, "EVOLOOP_ROLLOUT_PARTIAL_PCT")
	setFloat(&c.Gate.MinSuccessUplift, "EVOLOOP_GATE_MIN_SUCCESS_UPLIFT")
	setFloat(&c.Gate.MaxCostIncrease, "EVOLOOP_GATE_MAX_COST_INCREASE")
	setFloat(&c.Gate.MaxLatencyIncreaseP95, "EVOLOOP_GATE_MAX_LATENCY_INCREASE_P95")
	setFloat(&c.Gate.MinEvidencePassRate, "EVOLOOP_GATE_MIN_EVIDENCE_PASS_RATE")
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, env string) {
	if v := os.Getenv(env); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
