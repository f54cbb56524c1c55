package citation

import (
	"math"
	"strings"
	"unicode"

	"github.com/sells-group/knowledge-search/internal/classify"
)

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "on": true, "for": true, "with": true, "by": true,
	"as": true, "at": true, "from": true, "that": true, "this": true, "it": true,
	"its": true, "be": true, "which": true, "these": true, "those": true,
}

// apostrophes folds typographic apostrophes to ASCII so "doesn’t" and
// "doesn't" yield the same token.
var apostrophes = strings.NewReplacer("\u2019", "'", "\u2018", "'", "\u02bc", "'")

// tokenize returns normalized word tokens without stopwords. Negations are
// kept since they carry stance.
func tokenize(s string) []string {
	s = apostrophes.Replace(classify.Normalize(s))
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "'")
		if f == "" || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

type vector map[string]float64

// corpus holds smoothed inverse document frequencies.
type corpus struct {
	idf map[string]float64
	n   int
}

func newCorpus(units [][]string) *corpus {
	df := make(map[string]int)
	for _, toks := range units {
		seen := make(map[string]bool, len(toks))
		for _, t := range toks {
			if !seen[t] {
				seen[t] = true
				df[t]++
			}
		}
	}
	c := &corpus{idf: make(map[string]float64, len(df)), n: len(units)}
	for t, d := range df {
		c.idf[t] = math.Log(float64(1+c.n)/float64(1+d)) + 1
	}
	return c
}

func (c *corpus) weight(t string) float64 {
	if w, ok := c.idf[t]; ok {
		return w
	}
	return math.Log(float64(1+c.n)) + 1
}

func (c *corpus) vectorize(toks []string) vector {
	v := make(vector, len(toks))
	for _, t := range toks {
		v[t]++
	}
	for t, tf := range v {
		v[t] = tf * c.weight(t)
	}
	return v
}

func cosine(a, b vector) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	var dot float64
	for t, w := range a {
		dot += w * b[t]
	}
	na, nb := norm(a), norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (na * nb)
}

func norm(v vector) float64 {
	var s float64
	for _, w := range v {
		s += w * w
	}
	return math.Sqrt(s)
}
