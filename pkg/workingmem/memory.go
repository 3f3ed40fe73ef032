// Package workingmem holds the cross-run pattern table: success/failure
// counts per pattern signature with multiplicative time decay.
package workingmem

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/evoloop/pkg/artifact"
	"github.com/Mindburn-Labs/evoloop/pkg/record"
)

const snapshotKey = "working_memory.json"

// DefaultDecayFactor is applied to every entry each learning tick.
const DefaultDecayFactor = 0.95

// Entry is the per-signature state. Averages use the running-mean formula
// avg += (x - avg) / n.
type Entry struct {
	Signature    string  `json:"signature"`
	SuccessCount int     `json:"success_count"`
	FailureCount int     `json:"failure_count"`
	FirstSeen    string  `json:"first_seen"`
	LastSeen     string  `json:"last_seen"`
	DecayWeight  float64 `json:"decay_weight"`
	AvgCostUSD   float64 `json:"avg_cost_usd"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Observations returns the total sample count for the entry.
func (e *Entry) Observations() int {
	return e.SuccessCount + e.FailureCount
}

// SuccessRate returns successes over total observations (0 when empty).
func (e *Entry) SuccessRate() float64 {
	n := e.Observations()
	if n == 0 {
		return 0
	}
	return float64(e.SuccessCount) / float64(n)
}

type snapshot struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   string            `json:"generated_at"`
	DecayFactor   float64           `json:"decay_factor"`
	Entries       map[string]*Entry `json:"entries"`
}

// Memory is the in-memory pattern table, snapshotted to a single artifact
// on every update. All updates are totally ordered by one mutex.
type Memory struct {
	mu          sync.Mutex
	entries     map[string]*Entry
	decayFactor float64
	maxPatterns int
	artifacts   artifact.Store
	logger      *slog.Logger
}

// Config bounds the table.
type Config struct {
	DecayFactor float64 // default DefaultDecayFactor
	MaxPatterns int     // default 10000
}

// New creates a Memory, loading any existing snapshot from the store.
func New(ctx context.Context, artifacts artifact.Store, cfg Config) (*Memory, error) {
	if cfg.DecayFactor <= 0 || cfg.DecayFactor > 1 {
		cfg.DecayFactor = DefaultDecayFactor
	}
	if cfg.MaxPatterns <= 0 {
		cfg.MaxPatterns = 10000
	}
	m := &Memory{
		entries:     make(map[string]*Entry),
		decayFactor: cfg.DecayFactor,
		maxPatterns: cfg.MaxPatterns,
		artifacts:   artifacts,
		logger:      slog.Default().With("component", "working_memory"),
	}

	data, err := artifacts.Get(ctx, snapshotKey)
	if err != nil {
		if artifact.IsAbsent(err) {
			return m, nil
		}
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		// A corrupt snapshot must not block the run path; start empty.
		m.logger.WarnContext(ctx, "corrupt working memory snapshot, starting empty", "error", err)
		return m, nil
	}
	if snap.Entries != nil {
		m.entries = snap.Entries
	}
	return m, nil
}

// Record creates or updates the entry for signature, resetting its decay
// weight to 1.0 and folding cost/latency into the running averages.
func (m *Memory) Record(ctx context.Context, signature string, success bool, costUSD float64, latencyMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := record.Now()
	e, ok := m.entries[signature]
	if !ok {
		if len(m.entries) >= m.maxPatterns {
			m.evictLowestLocked(len(m.entries) - m.maxPatterns + 1)
		}
		e = &Entry{Signature: signature, FirstSeen: now, DecayWeight: 1.0}
		m.entries[signature] = e
	}
	if success {
		e.SuccessCount++
	} else {
		e.FailureCount++
	}
	n := float64(e.Observations())
	e.AvgCostUSD += (costUSD - e.AvgCostUSD) / n
	e.AvgLatencyMs += (float64(latencyMs) - e.AvgLatencyMs) / n
	e.LastSeen = now
	e.DecayWeight = 1.0

	return m.persistLocked(ctx)
}

// Seen reports whether the signature already has an entry.
func (m *Memory) Seen(signature string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[signature]
	return ok
}

// Lookup returns a copy of the entry for signature, if present.
func (m *Memory) Lookup(signature string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[signature]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Decay multiplies every weight by the decay factor and evicts entries
// whose weight falls below threshold. Returns the number evicted.
func (m *Memory) Decay(ctx context.Context, threshold float64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for sig, e := range m.entries {
		e.DecayWeight *= m.decayFactor
		if e.DecayWeight < threshold {
			delete(m.entries, sig)
			evicted++
		}
	}
	return evicted, m.persistLocked(ctx)
}

// TopKSuccess returns up to k entries maximizing success_rate × decay_weight.
func (m *Memory) TopKSuccess(k int) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, *e)
	}
	sort.Slice(all, func(i, j int) bool {
		si := all[i].SuccessRate() * all[i].DecayWeight
		sj := all[j].SuccessRate() * all[j].DecayWeight
		if si != sj {
			return si > sj
		}
		return all[i].Signature < all[j].Signature // deterministic order
	})
	if k > 0 && len(all) > k {
		all = all[:k]
	}
	return all
}

// Size returns the number of live entries.
func (m *Memory) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) evictLowestLocked(n int) {
	type weighted struct {
		sig string
		w   float64
	}
	all := make([]weighted, 0, len(m.entries))
	for sig, e := range m.entries {
		all = append(all, weighted{sig, e.DecayWeight})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].w != all[j].w {
			return all[i].w < all[j].w
		}
		return all[i].sig < all[j].sig
	})
	for i := 0; i < n && i < len(all); i++ {
		delete(m.entries, all[i].sig)
	}
}

func (m *Memory) persistLocked(ctx context.Context) error {
	snap := snapshot{
		SchemaVersion: record.SchemaVersion,
		GeneratedAt:   record.Now(),
		DecayFactor:   m.decayFactor,
		Entries:       m.entries,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal working memory snapshot: %w", err)
	}
	if _, err := m.artifacts.Put(ctx, snapshotKey, data); err != nil {
		return err
	}
	return nil
}
