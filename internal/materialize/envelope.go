package materialize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Envelope is the persisted unit for one stage execution: the content plus the
// fingerprints that tie it to the exact parent executions it was built from.
type Envelope struct {
	Stage              string            `json:"stage"`
	Timestamp          string            `json:"timestamp"`
	ParametersUsed     map[string]string `json:"parameters_used"`
	Content            string            `json:"content"`
	Fingerprint        string            `json:"_fingerprint"`
	ParentFingerprints map[string]string `json:"_parent_fingerprints"`
	Skipped            bool              `json:"skipped,omitempty"`
}

// Completeness is the explicit envelope validity variant. A missing
// fingerprint field is a distinct state, not a falsy value.
type Completeness int

const (
	// EnvelopeIncomplete marks an envelope missing one of its fingerprint
	// fields; it does not count as a completed stage.
	EnvelopeIncomplete Completeness = iota
	// EnvelopeValid marks an envelope carrying both fingerprint fields.
	EnvelopeValid
)

// Completeness classifies the envelope. Valid requires the execution
// fingerprint and the parent fingerprint map to both be present; an empty map
// is present (root stages have no parents).
func (e Envelope) Completeness() Completeness {
	if e.Fingerprint == "" || e.ParentFingerprints == nil {
		return EnvelopeIncomplete
	}
	return EnvelopeValid
}

// Encode serializes the envelope to its wire form.
func (e Envelope) Encode() ([]byte, error) {
	if e.ParentFingerprints == nil {
		e.ParentFingerprints = map[string]string{}
	}
	if e.ParametersUsed == nil {
		e.ParametersUsed = map[string]string{}
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("materialize: encode envelope for %s: %w", e.Stage, err)
	}
	return data, nil
}

// DecodeEnvelope parses an envelope from its wire form.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("materialize: decode envelope: %w", err)
	}
	return env, nil
}

// ComputeFingerprint derives the content identity for one execution. The same
// stage, content, and parameters always fingerprint identically; the timestamp
// deliberately does not participate.
func ComputeFingerprint(stage, content string, params map[string]string) string {
	hash := sha256.New()
	hash.Write([]byte(stage))
	hash.Write([]byte{0})
	hash.Write([]byte(content))
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		hash.Write([]byte{0})
		hash.Write([]byte(key))
		hash.Write([]byte{0})
		hash.Write([]byte(params[key]))
	}
	return "fp-" + hex.EncodeToString(hash.Sum(nil))[:16]
}

const timestampLayout = time.RFC3339
