package classify

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/knowledge-search/internal/model"
	"github.com/sells-group/knowledge-search/internal/resilience"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"What is Go?", "what is go"},
		{"  WHAT   is\tGo ?! ", "what is go"},
		{"Ｇｏ　ｌａｎｇ", "go lang"},
		{"Straße", "strasse"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "Normalize(%q)", tt.in)
	}
}

func TestFingerprint_StableAcrossFormatting(t *testing.T) {
	a := Fingerprint("What is Go?", "")
	b := Fingerprint("  what IS go ", "")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, Fingerprint("What is Go?", "for embedded systems"))
	assert.NotEqual(t, a, Fingerprint("What is Rust?", ""))
}

func TestValidate(t *testing.T) {
	c := New(20)
	tests := []struct {
		name string
		text string
		ok   bool
	}{
		{"valid", "what is go", true},
		{"empty", "", false},
		{"whitespace", "   \n\t", false},
		{"too long", strings.Repeat("a", 21), false},
		{"invalid utf8", "abc\xff", false},
		{"punctuation only", "?!?...", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Validate(tt.text)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, resilience.ErrValidation))
		})
	}
}

func TestClassify(t *testing.T) {
	c := New(0)

	tests := []struct {
		text   string
		tier   model.Tier
		intent model.Intent
	}{
		{"What is Go?", model.TierSimple, model.IntentDefinition},
		{"How does garbage collection work in Go", model.TierModerate, model.IntentExplanation},
		{"Compare PostgreSQL versus MySQL for write-heavy workloads and explain the trade-offs in depth", model.TierComplex, model.IntentComparison},
		{"When was the Eiffel Tower built", model.TierSimple, model.IntentFactual},
		{"kubernetes operators", model.TierSimple, model.IntentExploratory},
		{"How to configure TLS certificates in nginx", model.TierModerate, model.IntentProcedural},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			q, err := c.Classify(model.Request{Text: tt.text, MaxTokens: 256})
			require.NoError(t, err)
			assert.Equal(t, tt.tier, q.Tier, "score %.3f", q.ComplexityScore)
			assert.Equal(t, tt.intent, q.Intent)
			assert.NotEmpty(t, q.TraceID)
			assert.Equal(t, 256, q.MaxTokens)
			assert.Equal(t, Fingerprint(tt.text, ""), q.Fingerprint)
		})
	}
}

func TestClassify_KeepsTraceID(t *testing.T) {
	q, err := New(0).Classify(model.Request{Text: "what is go", TraceID: "trace-1"})
	require.NoError(t, err)
	assert.Equal(t, "trace-1", q.TraceID)
}

func TestClassify_RejectsInvalid(t *testing.T) {
	q, err := New(0).Classify(model.Request{Text: "  "})
	assert.Nil(t, q)
	assert.True(t, errors.Is(err, resilience.ErrValidation))
}

func TestComplexityScore_Bounded(t *testing.T) {
	long := strings.Repeat("compare and explain why ", 40) + "? ? ? ?"
	s := ComplexityScore(Normalize(long))
	assert.LessOrEqual(t, s, 1.0)
	assert.Equal(t, model.TierComplex, TierFor(s))
	assert.Equal(t, model.TierSimple, TierFor(0))
}
