package materialize

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteness(t *testing.T) {
	valid := Envelope{
		Stage:              "search",
		Fingerprint:        "fp-abc",
		ParentFingerprints: map[string]string{},
	}
	assert.Equal(t, EnvelopeValid, valid.Completeness())

	noFingerprint := valid
	noFingerprint.Fingerprint = ""
	assert.Equal(t, EnvelopeIncomplete, noFingerprint.Completeness())

	noParents := valid
	noParents.ParentFingerprints = nil
	assert.Equal(t, EnvelopeIncomplete, noParents.Completeness())
}

func TestEncodeNormalizesNilMaps(t *testing.T) {
	data, err := Envelope{Stage: "search", Fingerprint: "fp-abc"}.Encode()
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.JSONEq(t, `{}`, string(raw["parameters_used"]))
	assert.JSONEq(t, `{}`, string(raw["_parent_fingerprints"]))

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, EnvelopeValid, decoded.Completeness())
}

func TestEnvelopeWireKeys(t *testing.T) {
	data, err := Envelope{
		Stage:              "gather",
		Timestamp:          "2025-06-01T12:00:00Z",
		Content:            "cohort",
		Fingerprint:        "fp-1234",
		ParentFingerprints: map[string]string{"search": "fp-5678"},
	}.Encode()
	require.NoError(t, err)

	text := string(data)
	assert.Contains(t, text, `"_fingerprint"`)
	assert.Contains(t, text, `"_parent_fingerprints"`)
	assert.False(t, strings.Contains(text, `"skipped"`), "skipped is omitted when false")
}

func TestComputeFingerprint(t *testing.T) {
	fp := ComputeFingerprint("search", "content", map[string]string{"a": "1", "b": "2"})
	assert.True(t, strings.HasPrefix(fp, "fp-"))
	assert.Len(t, fp, len("fp-")+16)

	// Deterministic regardless of map iteration order.
	again := ComputeFingerprint("search", "content", map[string]string{"b": "2", "a": "1"})
	assert.Equal(t, fp, again)

	assert.NotEqual(t, fp, ComputeFingerprint("search", "other content", map[string]string{"a": "1", "b": "2"}))
	assert.NotEqual(t, fp, ComputeFingerprint("gather", "content", map[string]string{"a": "1", "b": "2"}))
	assert.NotEqual(t, fp, ComputeFingerprint("search", "content", map[string]string{"a": "1"}))
}
