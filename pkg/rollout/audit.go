package rollout

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/evoloop/pkg/artifact"
	"github.com/Mindburn-Labs/evoloop/pkg/canonical"
	"github.com/Mindburn-Labs/evoloop/pkg/record"
)

// AuditLogKey is the append-only JSONL transition log.
const AuditLogKey = "rollouts/audit_log.jsonl"

// genesisHash anchors the first entry of the chain.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// KPICheck is the guardrail evaluation recorded with a transition.
type KPICheck struct {
	Pass            bool     `json:"pass"`
	FailedChecks    []string `json:"failed_checks,omitempty"`
	ActiveSuccess   float64  `json:"active_success_rate"`
	CandSuccess     float64  `json:"candidate_success_rate"`
	CandFailureRate float64  `json:"candidate_failure_rate"`
	CostRatio       float64  `json:"cost_ratio"`
}

// AuditEntry is one hash-chained transition record. EntryHash covers every
// field except itself and the signature; PrevHash links to the previous
// entry so tampering breaks the chain.
type AuditEntry struct {
	SchemaVersion   string             `json:"schema_version"`
	Action          string             `json:"action"`
	FromStage       Stage              `json:"from_stage"`
	ToStage         Stage              `json:"to_stage"`
	ActivePolicy    string             `json:"active_policy"`
	CandidatePolicy string             `json:"candidate_policy,omitempty"`
	TrafficSplit    map[string]float64 `json:"traffic_split,omitempty"`
	KPICheck        *KPICheck          `json:"kpi_check,omitempty"`
	Reason          string             `json:"reason,omitempty"`
	Timestamp       string             `json:"timestamp"`

	PrevHash  string `json:"prev_hash"`
	EntryHash string `json:"entry_hash"`
	Signature string `json:"signature,omitempty"`
}

// AuditLog appends hash-chained, optionally ed25519-signed entries. The
// signing key is derived from a deployment secret so log files can be
// verified offline with only the public key.
type AuditLog struct {
	artifacts artifact.Store
	key       ed25519.PrivateKey
	lastHash  string
	loaded    bool
}

// NewAuditLog creates an audit log over the artifact store. An empty secret
// disables signing; entries are still hash-chained.
func NewAuditLog(artifacts artifact.Store, secret []byte) (*AuditLog, error) {
	l := &AuditLog{artifacts: artifacts}
	if len(secret) > 0 {
		key, err := deriveSigningKey(secret)
		if err != nil {
			return nil, err
		}
		l.key = key
	}
	return l, nil
}

// PublicKey returns the verification key, nil when signing is disabled.
func (l *AuditLog) PublicKey() ed25519.PublicKey {
	if l.key == nil {
		return nil
	}
	return l.key.Public().(ed25519.PublicKey)
}

// deriveSigningKey stretches the deployment secret into an ed25519 seed.
func deriveSigningKey(secret []byte) (ed25519.PrivateKey, error) {
	r := hkdf.New(sha256.New, secret, []byte("evoloop-audit"), []byte("ed25519-seed"))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("derive audit key: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// Append writes one entry, chaining it to the current tail.
func (l *AuditLog) Append(ctx context.Context, e *AuditEntry) error {
	if err := l.ensureTail(ctx); err != nil {
		return err
	}
	e.SchemaVersion = record.SchemaVersion
	if e.Timestamp == "" {
		e.Timestamp = record.Now()
	}
	e.PrevHash = l.lastHash
	e.EntryHash = ""
	e.Signature = ""

	hash, err := entryHash(e)
	if err != nil {
		return err
	}
	e.EntryHash = hash
	if l.key != nil {
		e.Signature = hex.EncodeToString(ed25519.Sign(l.key, []byte(hash)))
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	if err := l.artifacts.Append(ctx, AuditLogKey, append(line, '\n')); err != nil {
		return err
	}
	l.lastHash = hash
	return nil
}

// ensureTail recovers the chain tail from the persisted log once.
func (l *AuditLog) ensureTail(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	l.lastHash = genesisHash
	data, err := l.artifacts.Get(ctx, AuditLogKey)
	if err != nil {
		if artifact.IsAbsent(err) {
			l.loaded = true
			return nil
		}
		return err
	}
	entries, err := parseEntries(data)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		l.lastHash = entries[len(entries)-1].EntryHash
	}
	l.loaded = true
	return nil
}

// Entries returns all persisted entries in order.
func (l *AuditLog) Entries(ctx context.Context) ([]*AuditEntry, error) {
	data, err := l.artifacts.Get(ctx, AuditLogKey)
	if err != nil {
		if artifact.IsAbsent(err) {
			return nil, nil
		}
		return nil, err
	}
	return parseEntries(data)
}

// Verify walks the chain, recomputing every hash and checking every
// signature against pub. A nil pub skips signature checks.
func (l *AuditLog) Verify(ctx context.Context, pub ed25519.PublicKey) error {
	entries, err := l.Entries(ctx)
	if err != nil {
		return err
	}
	prev := genesisHash
	for i, e := range entries {
		if e.PrevHash != prev {
			return fmt.Errorf("audit entry %d: chain broken, prev_hash %s want %s", i, e.PrevHash, prev)
		}
		clone := *e
		clone.EntryHash = ""
		clone.Signature = ""
		hash, err := entryHash(&clone)
		if err != nil {
			return err
		}
		if hash != e.EntryHash {
			return fmt.Errorf("audit entry %d: hash mismatch", i)
		}
		if pub != nil {
			sig, err := hex.DecodeString(e.Signature)
			if err != nil || !ed25519.Verify(pub, []byte(e.EntryHash), sig) {
				return fmt.Errorf("audit entry %d: signature invalid", i)
			}
		}
		prev = e.EntryHash
	}
	return nil
}

func entryHash(e *AuditEntry) (string, error) {
	h, err := canonical.Hash(e)
	if err != nil {
		return "", fmt.Errorf("audit entry hash: %w", err)
	}
	return h, nil
}

func parseEntries(data []byte) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("malformed audit entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return entries, nil
}
