package trace

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// RunIndex mirrors the tasks index into SQLite so operators can query runs
// by bucket without scanning JSONL. The JSONL file remains authoritative;
// the mirror can be rebuilt from it at any time.
type RunIndex struct {
	db *sql.DB
}

// NewRunIndex opens (or creates) the index database at path and applies the
// schema. Use ":memory:" for tests.
func NewRunIndex(path string) (*RunIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run index: %w", err)
	}
	idx := &RunIndex{db: db}
	if err := idx.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (i *RunIndex) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id       TEXT PRIMARY KEY,
		time_bucket  TEXT NOT NULL,
		final_state  TEXT NOT NULL,
		failure_type TEXT NOT NULL DEFAULT '',
		cost_bucket  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_time ON runs(time_bucket);
	CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(final_state);
	`
	_, err := i.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("migrate run index: %w", err)
	}
	return nil
}

// Insert records one index entry; replays of the same run id are idempotent.
func (i *RunIndex) Insert(ctx context.Context, e IndexEntry) error {
	_, err := i.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, time_bucket, final_state, failure_type, cost_bucket)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			time_bucket = excluded.time_bucket,
			final_state = excluded.final_state,
			failure_type = excluded.failure_type,
			cost_bucket = excluded.cost_bucket
	`, e.RunID, e.TimeBucket, string(e.FinalState), e.FailureType, e.CostBucket)
	if err != nil {
		return fmt.Errorf("insert run index entry %s: %w", e.RunID, err)
	}
	return nil
}

// Query returns run ids matching the filter, oldest first.
func (i *RunIndex) Query(ctx context.Context, f QueryFilter) ([]string, error) {
	query := `SELECT run_id FROM runs WHERE 1=1`
	var args []interface{}
	if f.TimeBucket != "" {
		query += ` AND time_bucket = ?`
		args = append(args, f.TimeBucket)
	}
	if f.FinalState != "" {
		query += ` AND final_state = ?`
		args = append(args, string(f.FinalState))
	}
	if f.FailureType != "" {
		query += ` AND failure_type = ?`
		args = append(args, f.FailureType)
	}
	if f.CostBucket != "" {
		query += ` AND cost_bucket = ?`
		args = append(args, f.CostBucket)
	}
	query += ` ORDER BY time_bucket, run_id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := i.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query run index: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run index row: %w", err)
		}
		runIDs = append(runIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run index: %w", err)
	}
	return runIDs, nil
}

// Close releases the database handle.
func (i *RunIndex) Close() error {
	return i.db.Close()
}
