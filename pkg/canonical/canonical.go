// Package canonical provides RFC 8785 (JSON Canonicalization Scheme) compliant
// serialization for deterministic hashing of evoloop artifacts.
//
// Every record that carries an inputs_hash derives it from these functions, so
// identical inputs hash identically across processes and restarts.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Bytes returns the RFC 8785 canonical JSON representation of v.
//
// Strategy: marshal to intermediate JSON (standard, respecting struct tags),
// then let jcs sort keys and normalize number formatting.
func Bytes(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical JSON form of v.
func Hash(v interface{}) (string, error) {
	b, err := Bytes(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns the hex string.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// InputsHash returns the first 16 hex characters of the canonical hash of v.
// This is the reproducibility token stamped on decisions, verdicts, and
// evaluation reports.
func InputsHash(v interface{}) (string, error) {
	h, err := Hash(v)
	if err != nil {
		return "", err
	}
	return h[:16], nil
}

// NormalizeID returns s in Unicode NFC form. Caller-supplied identifiers
// (task ids, project ids) pass through here before hashing so that visually
// identical strings hash identically.
func NormalizeID(s string) string {
	return norm.NFC.String(s)
}
