package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/evoloop/pkg/artifact"
	"github.com/Mindburn-Labs/evoloop/pkg/record"
)

const (
	keyPolicyFmt       = "policies/policy_%d.json"
	keyPoliciesPrefix  = "policies"
	keyTrainingMeta    = "policies/training_metadata.json"
	keyCandidateFmt    = "policy/candidates/%s.json"
	keyCandidateIndex  = "policy/registry.json"
	policyFilePrefix   = "policies/policy_"
	policyFileSuffix   = ".json"
)

// TrainingMetadata is the provenance record written beside each training.
type TrainingMetadata struct {
	SchemaVersion       string `json:"schema_version"`
	TrainedVersion      int    `json:"trained_version"`
	TotalRunsAtTraining int    `json:"total_runs_at_training"`
	Examples            int    `json:"examples"`
	BaseVersion         int    `json:"base_version,omitempty"`
	GeneratedAt         string `json:"generated_at"`
}

type candidateIndex struct {
	SchemaVersion string                     `json:"schema_version"`
	UpdatedAt     string                     `json:"updated_at"`
	Candidates    map[string]CandidateStatus `json:"candidates"`
}

// Registry persists policies and candidate policies in the artifact store.
type Registry struct {
	artifacts artifact.Store
	logger    *slog.Logger
	mu        sync.Mutex // serializes candidate index rewrites
}

// NewRegistry creates a Registry over the artifact store.
func NewRegistry(artifacts artifact.Store) *Registry {
	return &Registry{
		artifacts: artifacts,
		logger:    slog.Default().With("component", "policy_registry"),
	}
}

// SavePolicy persists a released policy under its version key.
func (r *Registry) SavePolicy(ctx context.Context, p *Policy) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal policy v%d: %w", p.Version, err)
	}
	_, err = r.artifacts.Put(ctx, fmt.Sprintf(keyPolicyFmt, p.Version), data)
	return err
}

// LoadPolicy reads a policy by version.
func (r *Registry) LoadPolicy(ctx context.Context, version int) (*Policy, error) {
	data, err := r.artifacts.Get(ctx, fmt.Sprintf(keyPolicyFmt, version))
	if err != nil {
		return nil, err
	}
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		r.logger.Warn("malformed policy skipped", "version", version, "error", err)
		return nil, fmt.Errorf("%w: policy v%d", artifact.ErrAbsent, version)
	}
	if p.SchemaVersion != "" && !CompatibleSchema(p.SchemaVersion) {
		r.logger.Warn("incompatible policy schema skipped", "version", version, "schema", p.SchemaVersion)
		return nil, fmt.Errorf("%w: policy v%d", artifact.ErrAbsent, version)
	}
	return &p, nil
}

// LatestVersion returns the highest persisted policy version, 0 when none.
func (r *Registry) LatestVersion(ctx context.Context) (int, error) {
	keys, err := r.artifacts.List(ctx, keyPoliciesPrefix)
	if err != nil {
		return 0, err
	}
	latest := 0
	for _, key := range keys {
		if !strings.HasPrefix(key, policyFilePrefix) || !strings.HasSuffix(key, policyFileSuffix) {
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(key, policyFilePrefix), policyFileSuffix)
		v, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		if v > latest {
			latest = v
		}
	}
	return latest, nil
}

// LatestPolicy loads the highest-version policy, or ErrAbsent when none.
func (r *Registry) LatestPolicy(ctx context.Context) (*Policy, error) {
	v, err := r.LatestVersion(ctx)
	if err != nil {
		return nil, err
	}
	if v == 0 {
		return nil, fmt.Errorf("%w: no policies", artifact.ErrAbsent)
	}
	return r.LoadPolicy(ctx, v)
}

// SaveTrainingMetadata persists the provenance of the last training.
func (r *Registry) SaveTrainingMetadata(ctx context.Context, meta *TrainingMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal training metadata: %w", err)
	}
	_, err = r.artifacts.Put(ctx, keyTrainingMeta, data)
	return err
}

// LoadTrainingMetadata reads the last training provenance record.
func (r *Registry) LoadTrainingMetadata(ctx context.Context) (*TrainingMetadata, error) {
	data, err := r.artifacts.Get(ctx, keyTrainingMeta)
	if err != nil {
		return nil, err
	}
	var meta TrainingMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: training metadata", artifact.ErrAbsent)
	}
	return &meta, nil
}

// SaveCandidate persists a candidate and registers its status.
func (r *Registry) SaveCandidate(ctx context.Context, c *CandidatePolicy) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal candidate %s: %w", c.CandidateID, err)
	}
	if _, err := r.artifacts.Put(ctx, fmt.Sprintf(keyCandidateFmt, c.CandidateID), data); err != nil {
		return err
	}
	return r.setStatus(ctx, c.CandidateID, c.Status)
}

// LoadCandidate reads a candidate by id.
func (r *Registry) LoadCandidate(ctx context.Context, candidateID string) (*CandidatePolicy, error) {
	data, err := r.artifacts.Get(ctx, fmt.Sprintf(keyCandidateFmt, candidateID))
	if err != nil {
		return nil, err
	}
	var c CandidatePolicy
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: candidate %s", artifact.ErrAbsent, candidateID)
	}
	return &c, nil
}

// UpdateCandidateStatus rewrites a candidate with a new status. The
// candidate artifact itself is append-only in spirit: the new record keeps
// the full history of mutation operators and evaluation plan.
func (r *Registry) UpdateCandidateStatus(ctx context.Context, candidateID string, status CandidateStatus) error {
	c, err := r.LoadCandidate(ctx, candidateID)
	if err != nil {
		return err
	}
	c.Status = status
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal candidate %s: %w", candidateID, err)
	}
	if _, err := r.artifacts.Put(ctx, fmt.Sprintf(keyCandidateFmt, candidateID), data); err != nil {
		return err
	}
	return r.setStatus(ctx, candidateID, status)
}

// CandidateStatuses returns the registry index of candidate → status.
func (r *Registry) CandidateStatuses(ctx context.Context) (map[string]CandidateStatus, error) {
	idx, err := r.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	return idx.Candidates, nil
}

// CountByStatus returns how many candidates currently hold status.
func (r *Registry) CountByStatus(ctx context.Context, status CandidateStatus) (int, error) {
	statuses, err := r.CandidateStatuses(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range statuses {
		if s == status {
			n++
		}
	}
	return n, nil
}

func (r *Registry) setStatus(ctx context.Context, candidateID string, status CandidateStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, err := r.loadIndex(ctx)
	if err != nil {
		return err
	}
	idx.Candidates[candidateID] = status
	idx.UpdatedAt = record.Now()
	data, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("marshal candidate index: %w", err)
	}
	_, err = r.artifacts.Put(ctx, keyCandidateIndex, data)
	return err
}

func (r *Registry) loadIndex(ctx context.Context) (*candidateIndex, error) {
	idx := &candidateIndex{
		SchemaVersion: record.SchemaVersion,
		Candidates:    make(map[string]CandidateStatus),
	}
	data, err := r.artifacts.Get(ctx, keyCandidateIndex)
	if err != nil {
		if artifact.IsAbsent(err) {
			return idx, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, idx); err != nil {
		r.logger.Warn("corrupt candidate index, starting empty", "error", err)
		idx.Candidates = make(map[string]CandidateStatus)
	}
	if idx.Candidates == nil {
		idx.Candidates = make(map[string]CandidateStatus)
	}
	return idx, nil
}

// sortedCandidateIDs is a small helper for deterministic iteration in logs
// and tests.
func sortedCandidateIDs(m map[string]CandidateStatus) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
