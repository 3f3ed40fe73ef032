// Package trace layers run-oriented views over the artifact store: one
// summary per run, an append-only event log with cursor iteration, blob
// side-tables, and a secondary index for bucketed queries.
//
// The trace store is the exclusive on-disk owner of RunRecord, Event,
// Attribution, and ShadowResult artifacts.
package trace

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/evoloop/pkg/artifact"
	"github.com/Mindburn-Labs/evoloop/pkg/record"
)

// Artifact key layout (under the configurable root).
const (
	keyRunRecords  = "run_records/%s.json"
	keySummaries   = "trace_store/summaries/%s.json"
	keyEvents      = "trace_store/events/%s.jsonl"
	keyBlobs       = "trace_store/blobs/%s_%s.json"
	keyTasksIndex  = "trace_store/index/tasks_index.jsonl"
	keyAttribution = "attributions/%s.json"
	keyAttrLatest  = "attributions/latest.json"
	keyShadowDiff  = "shadow_diff/%s.json"
)

// Summary is the compact per-run record used by index queries and suite
// assembly, derived from the RunRecord at write time.
type Summary struct {
	SchemaVersion string            `json:"schema_version"`
	RunID         string            `json:"run_id"`
	CreatedAt     string            `json:"created_at"`
	CompletedAt   string            `json:"completed_at"`
	FinalState    record.FinalState `json:"final_state"`
	PolicyID      string            `json:"policy_id"`
	Success       bool              `json:"success"`
	FailureType   string            `json:"failure_type,omitempty"`
	TotalCostUSD  float64           `json:"total_cost_usd"`
	LatencyMs     int64             `json:"latency_ms"`
}

// IndexEntry is one line of the tasks index JSONL.
type IndexEntry struct {
	TimeBucket  string            `json:"time_bucket"`
	FinalState  record.FinalState `json:"final_state"`
	FailureType string            `json:"failure_type,omitempty"`
	CostBucket  string            `json:"cost_bucket"`
	RunID       string            `json:"run_id"`
}

// Store is the layered trace view over an artifact.Store.
type Store struct {
	artifacts artifact.Store
	validator *record.Validator
	logger    *slog.Logger
	index     *RunIndex // optional SQLite mirror, may be nil
}

// Option configures a Store.
type Option func(*Store)

// WithRunIndex attaches a SQLite mirror of the tasks index.
func WithRunIndex(idx *RunIndex) Option {
	return func(s *Store) { s.index = idx }
}

// New creates a trace store over the given artifact backend.
func New(artifacts artifact.Store, opts ...Option) *Store {
	s := &Store{
		artifacts: artifacts,
		validator: record.NewValidator(),
		logger:    slog.Default().With("component", "trace_store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CostBucket maps a run cost into a coarse query bucket.
func CostBucket(usd float64) string {
	switch {
	case usd <= 0:
		return "free"
	case usd <= 0.10:
		return "low"
	case usd <= 1.0:
		return "mid"
	default:
		return "high"
	}
}

// TimeBucket truncates a canonical timestamp to its hour.
func TimeBucket(ts string) string {
	if len(ts) >= 13 {
		return ts[:13]
	}
	return ts
}

// SaveRunRecord persists the run record, derives its summary, and updates
// the secondary index. Write failures surface to the caller.
func (s *Store) SaveRunRecord(ctx context.Context, rec *record.RunRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal run record %s: %w", rec.RunID, err)
	}
	if _, err := s.artifacts.Put(ctx, fmt.Sprintf(keyRunRecords, rec.RunID), data); err != nil {
		return err
	}

	failureType := ""
	for _, tc := range rec.ToolCalls {
		if !tc.Success && tc.FailureType != "" {
			failureType = string(tc.FailureType)
			break
		}
	}
	summary := &Summary{
		SchemaVersion: record.SchemaVersion,
		RunID:         rec.RunID,
		CreatedAt:     rec.CreatedAt,
		CompletedAt:   rec.CompletedAt,
		FinalState:    rec.FinalState,
		PolicyID:      rec.PolicyID,
		Success:       rec.Success,
		FailureType:   failureType,
		TotalCostUSD:  rec.CostSummary.TotalUSD,
		LatencyMs:     rec.LatencyMs,
	}
	if err := s.SaveSummary(ctx, summary); err != nil {
		return err
	}

	entry := IndexEntry{
		TimeBucket:  TimeBucket(rec.CompletedAt),
		FinalState:  rec.FinalState,
		FailureType: failureType,
		CostBucket:  CostBucket(rec.CostSummary.TotalUSD),
		RunID:       rec.RunID,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal index entry %s: %w", rec.RunID, err)
	}
	if err := s.artifacts.Append(ctx, keyTasksIndex, append(line, '\n')); err != nil {
		return err
	}
	if s.index != nil {
		if err := s.index.Insert(ctx, entry); err != nil {
			// The SQLite mirror is a convenience view; the JSONL index
			// stays authoritative.
			s.logger.WarnContext(ctx, "run index insert failed", "run_id", rec.RunID, "error", err)
		}
	}
	return nil
}

// LoadRunRecord reads a run record. Missing runs return artifact.ErrAbsent;
// malformed records are logged and reported absent.
func (s *Store) LoadRunRecord(ctx context.Context, runID string) (*record.RunRecord, error) {
	data, err := s.artifacts.Get(ctx, fmt.Sprintf(keyRunRecords, runID))
	if err != nil {
		return nil, err
	}
	if err := s.validator.ValidateRunRecord(data); err != nil {
		s.logger.WarnContext(ctx, "malformed run record skipped", "run_id", runID, "error", err)
		return nil, fmt.Errorf("%w: %s", artifact.ErrAbsent, runID)
	}
	var rec record.RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.WarnContext(ctx, "malformed run record skipped", "run_id", runID, "error", err)
		return nil, fmt.Errorf("%w: %s", artifact.ErrAbsent, runID)
	}
	return &rec, nil
}

// SaveSummary writes the per-run summary.
func (s *Store) SaveSummary(ctx context.Context, summary *Summary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary %s: %w", summary.RunID, err)
	}
	_, err = s.artifacts.Put(ctx, fmt.Sprintf(keySummaries, summary.RunID), data)
	return err
}

// LoadSummary reads a per-run summary; absent returns artifact.ErrAbsent.
func (s *Store) LoadSummary(ctx context.Context, runID string) (*Summary, error) {
	data, err := s.artifacts.Get(ctx, fmt.Sprintf(keySummaries, runID))
	if err != nil {
		return nil, err
	}
	var summary Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		s.logger.WarnContext(ctx, "malformed summary skipped", "run_id", runID, "error", err)
		return nil, fmt.Errorf("%w: %s", artifact.ErrAbsent, runID)
	}
	return &summary, nil
}

// AppendEvents appends events to the run's log. Event ids must be strictly
// monotone; out-of-order ids are rejected before anything is written.
func (s *Store) AppendEvents(ctx context.Context, runID string, events []record.Event) error {
	if len(events) == 0 {
		return nil
	}
	last := int64(0)
	var buf bytes.Buffer
	for _, ev := range events {
		if ev.EventID <= last {
			return fmt.Errorf("event ids not monotone for run %s: %d after %d", runID, ev.EventID, last)
		}
		last = ev.EventID
		line, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %d for run %s: %w", ev.EventID, runID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return s.artifacts.Append(ctx, fmt.Sprintf(keyEvents, runID), buf.Bytes())
}

// LoadEvents returns up to limit events after the cursor (the last returned
// event_id; 0 starts from the beginning) and the next cursor. Malformed
// lines are logged and skipped.
func (s *Store) LoadEvents(ctx context.Context, runID string, cursor int64, limit int) ([]record.Event, int64, error) {
	data, err := s.artifacts.Get(ctx, fmt.Sprintf(keyEvents, runID))
	if err != nil {
		if artifact.IsAbsent(err) {
			return nil, cursor, nil
		}
		return nil, cursor, err
	}

	var events []record.Event
	next := cursor
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev record.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			s.logger.WarnContext(ctx, "malformed event skipped", "run_id", runID, "error", err)
			continue
		}
		if ev.EventID <= cursor {
			continue
		}
		events = append(events, ev)
		next = ev.EventID
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return events, next, fmt.Errorf("scan events for run %s: %w", runID, err)
	}
	return events, next, nil
}

// PutBlob stores a large side-payload and returns its reference key.
func (s *Store) PutBlob(ctx context.Context, runID, blobID string, data []byte) (string, error) {
	key := fmt.Sprintf(keyBlobs, runID, blobID)
	if _, err := s.artifacts.Put(ctx, key, data); err != nil {
		return "", err
	}
	return key, nil
}

// GetBlob retrieves a blob by the reference key returned from PutBlob.
func (s *Store) GetBlob(ctx context.Context, ref string) ([]byte, error) {
	return s.artifacts.Get(ctx, ref)
}

// SaveAttribution persists an attribution under its run key and refreshes
// the latest pointer for downstream consumers.
func (s *Store) SaveAttribution(ctx context.Context, attr *record.Attribution) error {
	data, err := json.Marshal(attr)
	if err != nil {
		return fmt.Errorf("marshal attribution %s: %w", attr.RunID, err)
	}
	if _, err := s.artifacts.Put(ctx, fmt.Sprintf(keyAttribution, attr.RunID), data); err != nil {
		return err
	}
	_, err = s.artifacts.Put(ctx, keyAttrLatest, data)
	return err
}

// LoadAttribution reads the attribution for a run.
func (s *Store) LoadAttribution(ctx context.Context, runID string) (*record.Attribution, error) {
	data, err := s.artifacts.Get(ctx, fmt.Sprintf(keyAttribution, runID))
	if err != nil {
		return nil, err
	}
	if err := s.validator.ValidateAttribution(data); err != nil {
		s.logger.WarnContext(ctx, "malformed attribution skipped", "run_id", runID, "error", err)
		return nil, fmt.Errorf("%w: %s", artifact.ErrAbsent, runID)
	}
	var attr record.Attribution
	if err := json.Unmarshal(data, &attr); err != nil {
		return nil, fmt.Errorf("%w: %s", artifact.ErrAbsent, runID)
	}
	return &attr, nil
}

// SaveShadowDiff persists a shadow result under the shadow namespace. The
// value is opaque here; the shadow executor owns its shape.
func (s *Store) SaveShadowDiff(ctx context.Context, runID string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal shadow diff %s: %w", runID, err)
	}
	_, err = s.artifacts.Put(ctx, fmt.Sprintf(keyShadowDiff, runID), data)
	return err
}

// QueryFilter selects index entries; zero values match everything.
type QueryFilter struct {
	TimeBucket  string
	FinalState  record.FinalState
	FailureType string
	CostBucket  string
	Limit       int
}

// QueryRuns scans the JSONL tasks index and returns matching run ids,
// newest last. Malformed lines are skipped.
func (s *Store) QueryRuns(ctx context.Context, f QueryFilter) ([]string, error) {
	data, err := s.artifacts.Get(ctx, keyTasksIndex)
	if err != nil {
		if artifact.IsAbsent(err) {
			return nil, nil
		}
		return nil, err
	}

	var runIDs []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var entry IndexEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			s.logger.WarnContext(ctx, "malformed index entry skipped", "error", err)
			continue
		}
		if f.TimeBucket != "" && entry.TimeBucket != f.TimeBucket {
			continue
		}
		if f.FinalState != "" && entry.FinalState != f.FinalState {
			continue
		}
		if f.FailureType != "" && entry.FailureType != f.FailureType {
			continue
		}
		if f.CostBucket != "" && entry.CostBucket != f.CostBucket {
			continue
		}
		runIDs = append(runIDs, entry.RunID)
	}
	if err := scanner.Err(); err != nil {
		return runIDs, fmt.Errorf("scan tasks index: %w", err)
	}
	if f.Limit > 0 && len(runIDs) > f.Limit {
		runIDs = runIDs[len(runIDs)-f.Limit:]
	}
	return runIDs, nil
}
