// Package fusion merges documents from all retrieval lanes into one
// deduplicated, deterministically ranked evidence list.
package fusion

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/sells-group/knowledge-search/internal/classify"
	"github.com/sells-group/knowledge-search/internal/model"
)

// Weights are the ranking factor weights.
type Weights struct {
	Relevance   float64 `yaml:"relevance" mapstructure:"relevance"`
	Credibility float64 `yaml:"credibility" mapstructure:"credibility"`
	Recency     float64 `yaml:"recency" mapstructure:"recency"`
	Diversity   float64 `yaml:"diversity" mapstructure:"diversity"`
}

// Config controls dedup and ranking.
type Config struct {
	Weights            Weights
	DuplicateThreshold float64
	// SourceCap is the maximum share of the output one source may hold
	// before its further documents are deferred. 0 or ≥1 disables the cap.
	SourceCap float64
	// MaxDocuments truncates the ranked output. 0 keeps everything.
	MaxDocuments int
	// Credibility maps a source (lane) name to its weight.
	Credibility        map[string]float64
	DefaultCredibility float64
	NeutralRecency     float64
	HalfLifeDays       float64
}

// DefaultCredibility is the per-source credibility table used when none is
// configured.
func DefaultCredibility() map[string]float64 {
	return map[string]float64{
		"vector":  0.7,
		"keyword": 0.6,
		"graph":   0.8,
		"web":     0.5,
	}
}

// DefaultConfig returns the standard ranking configuration.
func DefaultConfig() Config {
	return Config{
		Weights:            Weights{Relevance: 0.4, Credibility: 0.3, Recency: 0.15, Diversity: 0.15},
		DuplicateThreshold: 0.8,
		SourceCap:          0.4,
		Credibility:        DefaultCredibility(),
		DefaultCredibility: 0.5,
		NeutralRecency:     0.5,
		HalfLifeDays:       365,
	}
}

// Engine merges lane results. It holds no per-query state and is safe for
// concurrent use.
type Engine struct {
	cfg     Config
	nowFunc func() time.Time
}

// New creates a fusion engine.
func New(cfg Config) *Engine {
	if cfg.DuplicateThreshold <= 0 {
		cfg.DuplicateThreshold = 0.8
	}
	if cfg.HalfLifeDays <= 0 {
		cfg.HalfLifeDays = 365
	}
	if cfg.Credibility == nil {
		cfg.Credibility = DefaultCredibility()
	}
	return &Engine{cfg: cfg, nowFunc: time.Now}
}

// Merge fuses the documents of all successful lanes. Recency is measured
// from the start of the current UTC day so repeated merges of the same
// lane results produce identical output.
func (e *Engine) Merge(lanes []model.LaneResult) []model.Document {
	var docs []model.Document
	for _, l := range lanes {
		if l.Status == model.LaneSuccess {
			docs = append(docs, l.Documents...)
		}
	}
	return e.MergeAt(docs, e.nowFunc().UTC().Truncate(24*time.Hour))
}

// MergeAt deduplicates and ranks docs with recency measured from now. The
// output depends only on the set of input documents and now, never on
// their order.
func (e *Engine) MergeAt(docs []model.Document, now time.Time) []model.Document {
	if len(docs) == 0 {
		return nil
	}

	cands := make([]candidate, 0, len(docs))
	for _, d := range docs {
		d.Relevance = clamp01(d.Relevance)
		if d.Credibility <= 0 {
			d.Credibility = e.credibility(d.Source)
		}
		d.Credibility = clamp01(d.Credibility)
		d.Score = 0
		norm := NormalizeContent(d.Content)
		cands = append(cands, candidate{doc: d, hash: hashOf(norm), tokens: tokenSet(norm)})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return candidateLess(cands[i].doc, cands[j].doc)
	})

	kept := e.dedup(cands)
	ranked := e.rank(kept, now)
	if e.cfg.MaxDocuments > 0 && len(ranked) > e.cfg.MaxDocuments {
		ranked = ranked[:e.cfg.MaxDocuments]
	}
	return ranked
}

type candidate struct {
	doc    model.Document
	hash   string
	tokens map[string]struct{}
}

// candidateLess orders candidates so the higher-scored copy of a duplicate
// is always seen first.
func candidateLess(a, b model.Document) bool {
	if a.Relevance != b.Relevance {
		return a.Relevance > b.Relevance
	}
	if a.Credibility != b.Credibility {
		return a.Credibility > b.Credibility
	}
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	return a.Content < b.Content
}

// dedup drops exact (same id or content hash) and near duplicates, keeping
// the earliest, i.e. highest-scored, copy.
func (e *Engine) dedup(cands []candidate) []candidate {
	kept := make([]candidate, 0, len(cands))
	ids := make(map[string]bool, len(cands))
	hashes := make(map[string]bool, len(cands))
	for _, c := range cands {
		if ids[c.doc.ID] || hashes[c.hash] {
			continue
		}
		dup := false
		for _, k := range kept {
			if Jaccard(c.tokens, k.tokens) >= e.cfg.DuplicateThreshold {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		ids[c.doc.ID] = true
		hashes[c.hash] = true
		kept = append(kept, c)
	}
	return kept
}

// rank greedily selects the best remaining document. A source's diversity
// bonus shrinks with each pick; once it holds its cap share, its remaining
// documents are deferred behind every other source's.
func (e *Engine) rank(cands []candidate, now time.Time) []model.Document {
	w := e.cfg.Weights
	total := len(cands)
	capCount := total
	if e.cfg.SourceCap > 0 && e.cfg.SourceCap < 1 {
		capCount = int(math.Ceil(e.cfg.SourceCap * float64(total)))
		if capCount < 1 {
			capCount = 1
		}
	}

	base := make([]float64, total)
	for i, c := range cands {
		base[i] = w.Relevance*c.doc.Relevance +
			w.Credibility*c.doc.Credibility +
			w.Recency*e.recency(c.doc.Timestamp, now)
	}

	picked := make([]bool, total)
	perSource := make(map[string]int)
	out := make([]model.Document, 0, total)
	for len(out) < total {
		best := -1
		var bestScore float64
		var bestCapped bool
		for i, c := range cands {
			if picked[i] {
				continue
			}
			n := perSource[c.doc.Source]
			bonus := math.Max(0, 1-float64(n)/float64(capCount))
			score := base[i] + w.Diversity*bonus
			capped := n >= capCount
			if best < 0 || better(capped, score, c.doc.ID, bestCapped, bestScore, cands[best].doc.ID) {
				best, bestScore, bestCapped = i, score, capped
			}
		}
		picked[best] = true
		perSource[cands[best].doc.Source]++
		d := cands[best].doc
		d.Score = bestScore
		out = append(out, d)
	}
	return out
}

func better(capped bool, score float64, id string, bestCapped bool, bestScore float64, bestID string) bool {
	if capped != bestCapped {
		return !capped
	}
	if score != bestScore {
		return score > bestScore
	}
	return id < bestID
}

func (e *Engine) credibility(src string) float64 {
	if v, ok := e.cfg.Credibility[src]; ok {
		return v
	}
	return e.cfg.DefaultCredibility
}

// recency decays by half every HalfLifeDays; undated documents get the
// neutral value.
func (e *Engine) recency(ts, now time.Time) float64 {
	if ts.IsZero() {
		return e.cfg.NeutralRecency
	}
	age := now.Sub(ts).Hours() / 24
	if age <= 0 {
		return 1
	}
	return math.Pow(2, -age/e.cfg.HalfLifeDays)
}

// NormalizeContent canonicalizes text for duplicate detection: NFKC, case
// folded, punctuation removed, whitespace collapsed.
func NormalizeContent(s string) string {
	s = classify.Normalize(s)
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ")
}

func hashOf(norm string) string {
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

func tokenSet(norm string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, t := range strings.Fields(norm) {
		out[t] = struct{}{}
	}
	return out
}

// Jaccard returns |a∩b| / |a∪b|. Two empty sets are identical.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for t := range small {
		if _, ok := large[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
