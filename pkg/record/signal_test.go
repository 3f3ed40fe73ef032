package record

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvidenceBucket(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{0, "none"},
		{1, "low"},
		{3, "low"},
		{4, "mid"},
		{10, "mid"},
		{11, "high"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, EvidenceBucket(tt.n), "n=%d", tt.n)
	}
}

func TestPatternSignatureDeterministic(t *testing.T) {
	sig := &RunSignal{
		ToolSequence:      []string{"search", "summarize"},
		PlanPathType:      PlanNormal,
		RetrievalPolicyID: "rp_default",
		EvidenceTotal:     5,
		PromptTemplateID:  "pt_v1",
	}
	h1, err := PatternSignature(sig)
	require.NoError(t, err)
	h2, err := PatternSignature(sig)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 16)
}

func TestPatternSignatureStableWithinBucket(t *testing.T) {
	base := &RunSignal{
		ToolSequence:      []string{"search"},
		PlanPathType:      PlanNormal,
		RetrievalPolicyID: "rp_default",
		EvidenceTotal:     5,
		PromptTemplateID:  "pt_v1",
	}
	jitter := *base
	jitter.EvidenceTotal = 7 // same "mid" bucket

	h1, err := PatternSignature(base)
	require.NoError(t, err)
	h2, err := PatternSignature(&jitter)
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	crossed := *base
	crossed.EvidenceTotal = 20
	h3, err := PatternSignature(&crossed)
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)
}

func TestPatternSignatureSensitiveToTools(t *testing.T) {
	a := &RunSignal{ToolSequence: []string{"search", "fetch"}, PlanPathType: PlanNormal}
	b := &RunSignal{ToolSequence: []string{"fetch", "search"}, PlanPathType: PlanNormal}
	ha, err := PatternSignature(a)
	require.NoError(t, err)
	hb, err := PatternSignature(b)
	require.NoError(t, err)
	require.NotEqual(t, ha, hb)
}
