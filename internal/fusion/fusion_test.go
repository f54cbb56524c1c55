package fusion

import (
	"encoding/json"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/knowledge-search/internal/model"
)

var testNow = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func ids(docs []model.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

func sampleDocs() []model.Document {
	return []model.Document{
		{ID: "v1", Source: "vector", Content: "Raft elects a leader with randomized timeouts.", Relevance: 0.92},
		{ID: "v2", Source: "vector", Content: "Log entries are replicated to followers before commit.", Relevance: 0.81},
		{ID: "v3", Source: "vector", Content: "Snapshots compact the replicated log.", Relevance: 0.64},
		{ID: "w1", Source: "web", Content: "RAFT elects a leader, with randomized timeouts!", Relevance: 0.70},
		{ID: "w2", Source: "web", Content: "Etcd and Consul both build on Raft consensus.", Relevance: 0.66, Timestamp: testNow.AddDate(0, -1, 0)},
		{ID: "k1", Source: "keyword", Content: "Paxos uses proposers, acceptors and learners.", Relevance: 0.55},
		{ID: "g1", Source: "graph", Content: "Raft was designed to be understandable.", Relevance: 0.9},
	}
}

func TestMerge_ExactDuplicateKeepsHigherScored(t *testing.T) {
	e := New(DefaultConfig())
	out := e.MergeAt(sampleDocs(), testNow)

	got := ids(out)
	assert.Contains(t, got, "v1")
	assert.NotContains(t, got, "w1")
	assert.Len(t, out, 6)
}

func TestMerge_NearDuplicate(t *testing.T) {
	e := New(DefaultConfig())
	docs := []model.Document{
		{ID: "a", Source: "vector", Content: "the quick brown fox jumps over the lazy dog today", Relevance: 0.5},
		{ID: "b", Source: "web", Content: "the quick brown fox jumps over the lazy dog", Relevance: 0.9},
		{ID: "c", Source: "web", Content: "an entirely different sentence about databases", Relevance: 0.1},
	}
	out := e.MergeAt(docs, testNow)
	assert.ElementsMatch(t, []string{"b", "c"}, ids(out))
}

func TestMerge_SameIDAcrossLanes(t *testing.T) {
	e := New(DefaultConfig())
	docs := []model.Document{
		{ID: "x", Source: "keyword", Content: "first copy of x", Relevance: 0.3},
		{ID: "x", Source: "vector", Content: "second copy differs entirely", Relevance: 0.8},
	}
	out := e.MergeAt(docs, testNow)
	require.Len(t, out, 1)
	assert.Equal(t, "vector", out[0].Source)
}

func TestMerge_DeterministicRegardlessOfOrder(t *testing.T) {
	e := New(DefaultConfig())
	base := sampleDocs()
	want, err := json.Marshal(e.MergeAt(base, testNow))
	require.NoError(t, err)

	r := rand.New(rand.NewPCG(1, 2))
	for range 20 {
		shuffled := append([]model.Document(nil), base...)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got, err := json.Marshal(e.MergeAt(shuffled, testNow))
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got))
	}
}

func TestMerge_Idempotent(t *testing.T) {
	e := New(DefaultConfig())
	first := e.MergeAt(sampleDocs(), testNow)
	second := e.MergeAt(first, testNow)
	assert.Equal(t, first, second)
}

func TestMerge_SourceCapDefersDominantSource(t *testing.T) {
	cfg := DefaultConfig()
	e := New(cfg)
	docs := []model.Document{
		{ID: "v1", Source: "vector", Content: "alpha", Relevance: 0.95},
		{ID: "v2", Source: "vector", Content: "bravo", Relevance: 0.94},
		{ID: "v3", Source: "vector", Content: "charlie", Relevance: 0.93},
		{ID: "v4", Source: "vector", Content: "delta", Relevance: 0.92},
		{ID: "v5", Source: "vector", Content: "echo", Relevance: 0.91},
		{ID: "w1", Source: "web", Content: "foxtrot", Relevance: 0.05},
	}
	out := e.MergeAt(docs, testNow)
	assert.Equal(t, []string{"v1", "v2", "v3", "w1", "v4", "v5"}, ids(out))
}

func TestMerge_DiversityBonusPrefersUnderrepresentedSource(t *testing.T) {
	e := New(DefaultConfig())
	docs := []model.Document{
		{ID: "v1", Source: "vector", Content: "alpha", Relevance: 0.80},
		{ID: "v2", Source: "vector", Content: "bravo", Relevance: 0.80},
		{ID: "k1", Source: "vector2", Content: "charlie", Relevance: 0.78, Credibility: 0.7},
	}
	out := e.MergeAt(docs, testNow)
	// v2 loses half its diversity bonus after v1 is picked, so k1 overtakes it.
	assert.Equal(t, []string{"v1", "k1", "v2"}, ids(out))
}

func TestMerge_TiesBrokenByID(t *testing.T) {
	e := New(Config{Weights: Weights{Relevance: 1}})
	docs := []model.Document{
		{ID: "b", Source: "s", Content: "one", Relevance: 0.5},
		{ID: "a", Source: "s", Content: "two", Relevance: 0.5},
		{ID: "c", Source: "s", Content: "three", Relevance: 0.5},
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids(e.MergeAt(docs, testNow)))
}

func TestMerge_CredibilityTableAndMaxDocuments(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Credibility = map[string]float64{"trusted": 1.0}
	cfg.DefaultCredibility = 0.1
	cfg.MaxDocuments = 1
	e := New(cfg)
	docs := []model.Document{
		{ID: "a", Source: "random", Content: "one", Relevance: 0.6},
		{ID: "b", Source: "trusted", Content: "two", Relevance: 0.5},
	}
	out := e.MergeAt(docs, testNow)
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].ID)
	assert.InDelta(t, 1.0, out[0].Credibility, 1e-9)
}

func TestMerge_RecencyBreaksEvenScores(t *testing.T) {
	e := New(Config{Weights: Weights{Recency: 1}, NeutralRecency: 0.5})
	docs := []model.Document{
		{ID: "old", Source: "s", Content: "one", Timestamp: testNow.AddDate(-3, 0, 0)},
		{ID: "new", Source: "s", Content: "two", Timestamp: testNow.AddDate(0, 0, -1)},
		{ID: "undated", Source: "s", Content: "three"},
	}
	assert.Equal(t, []string{"new", "undated", "old"}, ids(e.MergeAt(docs, testNow)))
}

func TestMerge_SkipsFailedLanes(t *testing.T) {
	e := New(DefaultConfig())
	e.nowFunc = func() time.Time { return testNow }
	lanes := []model.LaneResult{
		{Lane: "vector", Status: model.LaneSuccess, Documents: []model.Document{{ID: "v", Source: "vector", Content: "kept"}}},
		{Lane: "graph", Status: model.LaneTimeout, Documents: []model.Document{{ID: "g", Source: "graph", Content: "late"}}},
	}
	assert.Equal(t, []string{"v"}, ids(e.Merge(lanes)))
	assert.Nil(t, e.Merge(nil))
}

func TestMerge_RepeatedMergesAreByteIdentical(t *testing.T) {
	e := New(DefaultConfig())
	lanes := []model.LaneResult{{
		Lane:   "web",
		Status: model.LaneSuccess,
		Documents: []model.Document{
			{ID: "a", Source: "web", Content: "Raft elects a leader.", Relevance: 0.7, Timestamp: time.Now().AddDate(0, -2, 0)},
			{ID: "b", Source: "web", Content: "Paxos has three roles.", Relevance: 0.7, Timestamp: time.Now().AddDate(0, -3, 0)},
		},
	}}

	first, err := json.Marshal(e.Merge(lanes))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	second, err := json.Marshal(e.Merge(lanes))
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestMerge_ReferenceTimeIsStartOfDay(t *testing.T) {
	e := New(DefaultConfig())
	docs := []model.LaneResult{{
		Lane:      "web",
		Status:    model.LaneSuccess,
		Documents: []model.Document{{ID: "a", Source: "web", Content: "dated", Relevance: 0.5, Timestamp: testNow.AddDate(0, 0, -10)}},
	}}

	e.nowFunc = func() time.Time { return testNow.Add(time.Hour) }
	morning := e.Merge(docs)
	e.nowFunc = func() time.Time { return testNow.Add(20 * time.Hour) }
	evening := e.Merge(docs)
	require.Len(t, morning, 1)
	assert.Equal(t, morning[0].Score, evening[0].Score)
	assert.Equal(t, e.MergeAt(docs[0].Documents, testNow)[0].Score, morning[0].Score)
}

func TestJaccardAndNormalize(t *testing.T) {
	assert.Equal(t, "hello world 42", NormalizeContent("  Hello,   WORLD! 42 "))
	a := tokenSet("a b c d")
	b := tokenSet("a b c e")
	assert.InDelta(t, 0.6, Jaccard(a, b), 1e-9)
	assert.InDelta(t, 1.0, Jaccard(tokenSet(""), tokenSet("")), 1e-9)
}
