package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/knowledge-search/internal/model"
	"github.com/sells-group/knowledge-search/internal/router"
)

func sampleResult() *model.Result {
	return &model.Result{
		TraceID: "trace-1",
		State:   model.StatePartial,
		Answer:  "Acme builds robots [1].",
		Claims: []model.Claim{
			{ID: 1, Text: "Acme builds robots"},
			{ID: 2, Text: "Acme was founded in 1901", Unsupported: true},
		},
		Bibliography: []model.BibEntry{
			{Index: 1, DocumentID: "d1", Title: "Acme overview", URL: "https://acme.example", Source: "web"},
			{Index: 2, DocumentID: "graph:acme", Source: "graph"},
		},
		Confidence:      0.61,
		Degraded:        true,
		DegradedReasons: []string{"graph lane timed out"},
		Provider:        "claude-haiku",
		Model:           "claude-haiku-4-5-20251001",
		CostUSD:         0.0012,
		Duration:        1234567 * time.Microsecond,
	}
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	printResult(&buf, sampleResult(), true)
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "Acme builds robots [1].\n"))
	assert.Contains(t, out, "  [1] Acme overview (web) https://acme.example\n")
	assert.Contains(t, out, "  [2] graph:acme (graph)\n")
	assert.Contains(t, out, "state: partial  confidence: 0.61  claims: 2 (1 unsupported)  disagreements: 0")
	assert.Contains(t, out, "provider: claude-haiku (claude-haiku-4-5-20251001)  cost: $0.0012  duration: 1.235s  cached: false")
	assert.Contains(t, out, "degraded: graph lane timed out")
	assert.Contains(t, out, "trace: trace-1")

	buf.Reset()
	printResult(&buf, sampleResult(), false)
	assert.NotContains(t, buf.String(), "Acme builds robots [1].")
}

func TestEventPrinter_Text(t *testing.T) {
	var out, errOut bytes.Buffer
	p := &eventPrinter{out: &out, errOut: &errOut}

	p.emit(model.Event{Type: model.EventStatus, State: model.StateRetrieving})
	p.emit(model.Event{Type: model.EventDelta, Delta: "Acme builds "})
	p.emit(model.Event{Type: model.EventDelta, Delta: "robots [1]."})
	p.emit(model.Event{Type: model.EventHeartbeat})
	p.emit(model.Event{Type: model.EventResult, Result: sampleResult()})

	assert.Contains(t, errOut.String(), "[retrieving]\n")
	assert.True(t, strings.HasPrefix(out.String(), "Acme builds robots [1].\n"))
	assert.Equal(t, 1, strings.Count(out.String(), "Acme builds robots [1]."), "streamed answer is not printed twice")
	assert.Contains(t, out.String(), "Sources:")
}

func TestEventPrinter_RetryReprintsFinalAnswer(t *testing.T) {
	var out, errOut bytes.Buffer
	p := &eventPrinter{out: &out, errOut: &errOut}

	p.emit(model.Event{Type: model.EventDelta, Delta: "partial"})
	p.emit(model.Event{Type: model.EventRetry, Message: "claude-haiku failed: overloaded"})
	res := sampleResult()
	res.Provider = ""
	p.emit(model.Event{Type: model.EventResult, Result: res})

	assert.Contains(t, errOut.String(), "[retry] claude-haiku failed: overloaded")
	assert.Contains(t, out.String(), "Acme builds robots [1].")
}

func TestEventPrinter_JSONLines(t *testing.T) {
	var out bytes.Buffer
	p := &eventPrinter{out: &out, errOut: &bytes.Buffer{}, json: true}

	p.emit(model.Event{Type: model.EventStatus, TraceID: "t", State: model.StateClassifying})
	p.emit(model.Event{Type: model.EventError, TraceID: "t", Message: "validation_error: empty"})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	var ev model.Event
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &ev))
	assert.Equal(t, model.EventError, ev.Type)
	assert.Equal(t, "t", ev.TraceID)
}

func TestLoadProvidersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  - id: local
    kind: openai
    model: llama3
    roles: [fast, quality]
    cost_tier: 0
    timeout: 20s
  - id: claude-sonnet
    kind: anthropic
    model: claude-sonnet-4-5-20250929
    roles: [long_context]
    capabilities: [long_context]
    cost_tier: 2
`), 0o600))

	providers, err := loadProvidersFile(path)
	require.NoError(t, err)
	require.Len(t, providers, 2)
	assert.Equal(t, "local", providers[0].ID)
	assert.Equal(t, []router.Role{router.RoleFast, router.RoleQuality}, providers[0].Roles)
	assert.Equal(t, 20*time.Second, providers[0].Timeout)
	assert.True(t, providers[1].Supports(router.RoleLongContext))

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("providers: []\n"), 0o600))
	_, err = loadProvidersFile(empty)
	assert.Error(t, err)

	_, err = loadProvidersFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWriteJSONResult(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeJSONResult(&buf, sampleResult()))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "trace-1", got["trace_id"])
	assert.Equal(t, "partial", got["state"])
}
