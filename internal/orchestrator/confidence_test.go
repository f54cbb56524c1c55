package orchestrator

import (
	"fmt"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"

	"github.com/sells-group/knowledge-search/internal/citation"
	"github.com/sells-group/knowledge-search/internal/model"
	"github.com/sells-group/knowledge-search/internal/resilience"
)

func TestConfidence(t *testing.T) {
	claims := func(unsupported ...bool) []model.Claim {
		out := make([]model.Claim, len(unsupported))
		for i, u := range unsupported {
			out[i] = model.Claim{ID: i + 1, Unsupported: u}
		}
		return out
	}

	tests := []struct {
		name     string
		al       *citation.Alignment
		degraded bool
		want     float64
	}{
		{
			name: "fully supported",
			al: &citation.Alignment{
				Claims:     claims(false, false),
				Alignments: []model.SourceAlignment{{ClaimID: 1, Similarity: 0.8}, {ClaimID: 2, Similarity: 0.6}},
			},
			want: 0.6 + 0.4*0.7,
		},
		{
			name: "half supported",
			al: &citation.Alignment{
				Claims:     claims(false, true),
				Alignments: []model.SourceAlignment{{ClaimID: 1, Similarity: 0.5}},
			},
			want: 0.6*0.5 + 0.4*0.25,
		},
		{
			name: "disagreement penalty",
			al: &citation.Alignment{
				Claims:        claims(false),
				Alignments:    []model.SourceAlignment{{ClaimID: 1, Similarity: 0.5}},
				Disagreements: []model.DisagreementFlag{{ClaimID: 1}, {ClaimID: 1}},
			},
			want: 0.6 + 0.2 - 0.1,
		},
		{
			name:     "degraded",
			al:       &citation.Alignment{Claims: claims(false), Alignments: []model.SourceAlignment{{ClaimID: 1, Similarity: 1}}},
			degraded: true,
			want:     0.8,
		},
		{
			name: "alignment failed",
			want: 0.25,
		},
		{
			name:     "alignment failed and degraded",
			degraded: true,
			want:     0.2,
		},
		{
			name: "no claims",
			al:   &citation.Alignment{},
			want: 0,
		},
		{
			name: "clamped at zero",
			al: &citation.Alignment{
				Claims:        claims(true),
				Disagreements: []model.DisagreementFlag{{ClaimID: 1}},
			},
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Confidence(tt.al, tt.degraded), 1e-9)
		})
	}
}

func TestQueryError(t *testing.T) {
	err := newQueryError(eris.Wrap(resilience.ErrAllProvidersExhausted, "synth: generate"), "trace-9")
	assert.Equal(t, CodeProvidersExhausted, err.Code)
	assert.Equal(t, model.StateFailed, err.State)
	assert.Contains(t, err.Error(), "trace-9")

	wrapped := fmt.Errorf("outer: %w", err)
	qe, ok := AsQueryError(wrapped)
	assert.True(t, ok)
	assert.Equal(t, "trace-9", qe.TraceID)

	_, ok = AsQueryError(eris.New("plain"))
	assert.False(t, ok)

	assert.Equal(t, CodeValidation, codeFor(eris.Wrap(resilience.ErrValidation, "empty")))
	assert.Equal(t, CodeBudgetExceeded, codeFor(eris.Wrap(resilience.ErrBudgetExceeded, "late")))
	assert.Equal(t, CodeInternal, codeFor(eris.New("other")))
}
