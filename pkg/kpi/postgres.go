package kpi

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresSink exports each KPI set into a Postgres warehouse table for
// dashboards and long-horizon analysis. The artifact file remains the
// source of truth; this table is a derived view.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink wraps an open database handle.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// OpenPostgresSink opens a connection with the lib/pq driver.
func OpenPostgresSink(dsn string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("kpi: open postgres: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

const sinkSchema = `
CREATE TABLE IF NOT EXISTS policy_kpis (
	id BIGSERIAL PRIMARY KEY,
	generated_at TEXT NOT NULL,
	key TEXT NOT NULL,
	total_runs BIGINT NOT NULL,
	success_rate DOUBLE PRECISION NOT NULL,
	failure_rate DOUBLE PRECISION NOT NULL,
	avg_cost_usd DOUBLE PRECISION NOT NULL,
	avg_latency_ms DOUBLE PRECISION NOT NULL,
	p95_latency_ms BIGINT NOT NULL,
	evidence_pass_rate DOUBLE PRECISION NOT NULL,
	failure_causes JSONB
);
CREATE INDEX IF NOT EXISTS idx_policy_kpis_key_time ON policy_kpis(key, generated_at);
`

// Init creates the warehouse table.
func (s *PostgresSink) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sinkSchema)
	if err != nil {
		return fmt.Errorf("kpi: init sink schema: %w", err)
	}
	return nil
}

// Export writes every KPI of the set as one row, in a single transaction.
func (s *PostgresSink) Export(ctx context.Context, set *Set) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kpi: begin export tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO policy_kpis (generated_at, key, total_runs, success_rate, failure_rate,
			avg_cost_usd, avg_latency_ms, p95_latency_ms, evidence_pass_rate, failure_causes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`)
	if err != nil {
		return fmt.Errorf("kpi: prepare export: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, k := range set.KPIs {
		var causesJSON []byte
		if k.FailureCauses != nil {
			causesJSON, err = json.Marshal(k.FailureCauses)
			if err != nil {
				return fmt.Errorf("kpi: marshal failure causes for %s: %w", k.Key, err)
			}
		}
		if _, err := stmt.ExecContext(ctx, set.GeneratedAt, k.Key, k.TotalRuns, k.SuccessRate,
			k.FailureRate, k.AvgCostUSD, k.AvgLatencyMs, k.P95LatencyMs, k.EvidencePassRate, causesJSON); err != nil {
			return fmt.Errorf("kpi: export row for %s: %w", k.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kpi: commit export: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
