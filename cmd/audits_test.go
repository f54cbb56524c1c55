package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/knowledge-search/internal/model"
	"github.com/sells-group/knowledge-search/internal/store"
)

func TestFormatAuditList(t *testing.T) {
	recs := []model.AuditRecord{
		{
			ID:          "a-1",
			TraceID:     "4bf92f3577b34da6a3ce929d0e0e4736",
			State:       model.StateComplete,
			Tier:        model.TierSimple,
			Provider:    "claude-haiku",
			Claims:      4,
			Unsupported: 1,
			Confidence:  0.72,
			CostUSD:     0.0021,
			DurationMs:  1830,
			CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		{ID: "a-2", TraceID: "short", State: model.StateFailed, Tier: model.TierComplex},
	}

	var buf bytes.Buffer
	formatAuditList(&buf, recs)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "4bf92f3577b34da6 ")
	assert.Contains(t, lines[1], "3/4")
	assert.Contains(t, lines[1], "$0.0021")
	assert.Contains(t, lines[1], "1830ms")
	assert.Contains(t, lines[2], " - ")
	assert.Contains(t, lines[2], "failed")
}

func TestFormatAuditSummary(t *testing.T) {
	sums := []store.StateSummary{
		{State: model.StateComplete, Count: 8, AvgDurationMs: 1500, AvgConfidence: 0.8, TotalCostUSD: 0.02},
		{State: model.StateFailed, Count: 2, AvgDurationMs: 400},
	}

	var buf bytes.Buffer
	formatAuditSummary(&buf, sums)
	out := buf.String()
	assert.Contains(t, out, "complete")
	assert.Contains(t, out, "1500ms")
	assert.Regexp(t, `TOTAL\s+10\s+\$0\.0200`, out)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
}
