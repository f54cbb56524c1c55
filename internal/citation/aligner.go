// Package citation extracts factual claims from a synthesized answer,
// aligns each claim to supporting documents and flags claims whose sources
// disagree.
package citation

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/knowledge-search/internal/model"
	"github.com/sells-group/knowledge-search/internal/resilience"
)

// DefaultClaimPatterns mark a sentence as a factual statement.
var DefaultClaimPatterns = []string{
	`(?i)\b(is|are|was|were|has|have|had|uses?|provides?|supports?|requires?|contains?|includes?|causes?|allows?|means?|became|remains?)\b`,
	`\d`,
	`(?i)\b(because|therefore|due to|results? in|leads? to|according to)\b`,
	`(?i)\b(first|largest|smallest|most|least|only|always|never|every)\b`,
}

// DefaultNegationCues signal a negative stance in a source sentence.
var DefaultNegationCues = []string{
	"not", "no", "never", "none", "cannot", "can't", "isn't", "aren't",
	"wasn't", "weren't", "doesn't", "don't", "didn't", "won't", "false",
	"incorrect", "disputed", "refuted", "contrary", "neither", "nor",
}

// DefaultAbbreviations never end a sentence.
var DefaultAbbreviations = []string{
	"e.g", "i.e", "etc", "vs", "mr", "mrs", "ms", "dr", "prof", "inc", "ltd",
	"jr", "sr", "st", "fig", "approx", "u.s",
}

// Config holds the heuristic claim and disagreement settings.
type Config struct {
	ClaimPatterns         []string
	MinClaimWords         int
	SimilarityThreshold   float64
	NegationCues          []string
	Abbreviations         []string
	NumericTolerance      float64
	DisagreementThreshold float64
}

// DefaultConfig returns the standard alignment configuration.
func DefaultConfig() Config {
	return Config{
		ClaimPatterns:         DefaultClaimPatterns,
		MinClaimWords:         4,
		SimilarityThreshold:   0.2,
		NegationCues:          DefaultNegationCues,
		Abbreviations:         DefaultAbbreviations,
		NumericTolerance:      0.05,
		DisagreementThreshold: 0.1,
	}
}

// Alignment is the output of Align.
type Alignment struct {
	Claims        []model.Claim
	Alignments    []model.SourceAlignment
	Disagreements []model.DisagreementFlag
}

// Supported returns the number of claims with at least one alignment.
func (a *Alignment) Supported() int {
	n := 0
	for _, c := range a.Claims {
		if !c.Unsupported {
			n++
		}
	}
	return n
}

// MeanBestSimilarity averages each claim's strongest alignment; unsupported
// claims count as zero.
func (a *Alignment) MeanBestSimilarity() float64 {
	if len(a.Claims) == 0 {
		return 0
	}
	best := make(map[int]float64)
	for _, al := range a.Alignments {
		if al.Similarity > best[al.ClaimID] {
			best[al.ClaimID] = al.Similarity
		}
	}
	var sum float64
	for _, c := range a.Claims {
		sum += best[c.ID]
	}
	return sum / float64(len(a.Claims))
}

// Aligner maps claims to documents. It is safe for concurrent use.
type Aligner struct {
	cfg       Config
	patterns  []*regexp.Regexp
	negations map[string]bool
	seg       segmenter
}

var numberRe = regexp.MustCompile(`-?\d+(?:[.,]\d+)*`)

// New compiles the claim patterns. An invalid pattern is a configuration
// error.
func New(cfg Config) (*Aligner, error) {
	if len(cfg.ClaimPatterns) == 0 {
		cfg.ClaimPatterns = DefaultClaimPatterns
	}
	if cfg.NegationCues == nil {
		cfg.NegationCues = DefaultNegationCues
	}
	if cfg.Abbreviations == nil {
		cfg.Abbreviations = DefaultAbbreviations
	}
	if cfg.MinClaimWords <= 0 {
		cfg.MinClaimWords = 4
	}

	a := &Aligner{
		cfg:       cfg,
		negations: make(map[string]bool, len(cfg.NegationCues)),
		seg:       newSegmenter(cfg.Abbreviations),
	}
	for _, p := range cfg.ClaimPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, eris.Wrapf(err, "citation: compile claim pattern %q", p)
		}
		a.patterns = append(a.patterns, re)
	}
	for _, c := range cfg.NegationCues {
		for _, t := range tokenize(c) {
			a.negations[t] = true
		}
	}
	return a, nil
}

// ExtractClaims segments answer into factual claims, numbered from 1.
func (a *Aligner) ExtractClaims(answer string) []model.Claim {
	var claims []model.Claim
	for _, sp := range a.seg.split(answer) {
		text := stripListPrefix(stripMarkers(sp.text))
		if strings.HasSuffix(text, "?") || strings.HasSuffix(text, ":") {
			continue
		}
		if len(strings.Fields(text)) < a.cfg.MinClaimWords {
			continue
		}
		matched := 0
		for _, re := range a.patterns {
			if re.MatchString(text) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		conf := math.Max(0.5, float64(matched)/float64(len(a.patterns)))
		claims = append(claims, model.Claim{
			ID:         len(claims) + 1,
			Text:       text,
			Start:      sp.start,
			End:        sp.end,
			Confidence: conf,
		})
	}
	return claims
}

type docUnit struct {
	doc       model.Document
	vec       vector
	sentences []sentenceUnit
}

type sentenceUnit struct {
	text string
	toks []string
	vec  vector
}

// Align extracts claims from answer and aligns each one to docs. A claim
// with no document at or above the similarity threshold is marked
// unsupported. A cancelled ctx yields ErrAlignmentFailure.
func (a *Aligner) Align(ctx context.Context, answer string, docs []model.Document) (*Alignment, error) {
	claims := a.ExtractClaims(answer)
	out := &Alignment{Claims: claims}
	if len(claims) == 0 {
		return out, nil
	}

	claimToks := make([][]string, len(claims))
	units := make([][]string, 0, len(claims)+len(docs))
	for i, c := range claims {
		claimToks[i] = tokenize(c.Text)
		units = append(units, claimToks[i])
	}
	docToks := make([][]string, len(docs))
	for i, d := range docs {
		docToks[i] = tokenize(d.Title + " " + d.Content)
		units = append(units, docToks[i])
	}
	corp := newCorpus(units)

	dunits := make([]docUnit, len(docs))
	for i, d := range docs {
		du := docUnit{doc: d, vec: corp.vectorize(docToks[i])}
		for _, sp := range a.seg.split(d.Content) {
			toks := tokenize(sp.text)
			du.sentences = append(du.sentences, sentenceUnit{text: sp.text, toks: toks, vec: corp.vectorize(toks)})
		}
		dunits[i] = du
	}

	for i := range claims {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrapf(resilience.ErrAlignmentFailure, "citation: %v", err)
		}
		cvec := corp.vectorize(claimToks[i])

		var aligned []stance
		for _, du := range dunits {
			sim := cosine(cvec, du.vec)
			best, bestSent := bestSentence(cvec, du.sentences)
			if best > sim {
				sim = best
			}
			if sim < a.cfg.SimilarityThreshold {
				continue
			}
			out.Alignments = append(out.Alignments, model.SourceAlignment{
				ClaimID:    claims[i].ID,
				DocumentID: du.doc.ID,
				Similarity: round(sim),
			})
			aligned = append(aligned, a.stanceOf(du.doc, sim, bestSent))
		}
		if len(aligned) == 0 {
			claims[i].Unsupported = true
			continue
		}
		if flag, ok := a.disagreement(claims[i], aligned); ok {
			out.Disagreements = append(out.Disagreements, flag)
		}
	}

	sort.SliceStable(out.Alignments, func(i, j int) bool {
		x, y := out.Alignments[i], out.Alignments[j]
		if x.ClaimID != y.ClaimID {
			return x.ClaimID < y.ClaimID
		}
		if x.Similarity != y.Similarity {
			return x.Similarity > y.Similarity
		}
		return x.DocumentID < y.DocumentID
	})
	return out, nil
}

func bestSentence(cvec vector, sentences []sentenceUnit) (float64, *sentenceUnit) {
	var best float64
	var bestSent *sentenceUnit
	for i := range sentences {
		if s := cosine(cvec, sentences[i].vec); s > best || bestSent == nil {
			best, bestSent = s, &sentences[i]
		}
	}
	return best, bestSent
}

// stance is one aligned document's position on a claim.
type stance struct {
	docID      string
	polarity   float64
	confidence float64
	number     float64
	hasNumber  bool
}

func (a *Aligner) stanceOf(doc model.Document, sim float64, sent *sentenceUnit) stance {
	st := stance{docID: doc.ID, polarity: 1, confidence: doc.Credibility}
	if st.confidence <= 0 {
		st.confidence = sim
	}
	text := doc.Content
	var toks []string
	if sent != nil {
		text, toks = sent.text, sent.toks
	} else {
		toks = tokenize(text)
	}
	for _, t := range toks {
		if a.negations[t] {
			st.polarity = -1
			break
		}
	}
	if v, ok := firstNumber(text); ok {
		st.number, st.hasNumber = v, true
	}
	return st
}

// disagreement scores conflict among a claim's aligned documents. Stance
// variance is the population variance of polarity×confidence; numeric
// spread is the relative range of the first number in each source, used
// only when the claim itself states a number.
func (a *Aligner) disagreement(claim model.Claim, aligned []stance) (model.DisagreementFlag, bool) {
	if len(aligned) < 2 {
		return model.DisagreementFlag{}, false
	}

	conflicting := make(map[string]bool)
	variance := 0.0

	var pos, neg []string
	signed := make([]float64, len(aligned))
	for i, s := range aligned {
		signed[i] = s.polarity * s.confidence
		if s.polarity > 0 {
			pos = append(pos, s.docID)
		} else {
			neg = append(neg, s.docID)
		}
	}
	if len(pos) > 0 && len(neg) > 0 {
		variance = popVariance(signed)
		for _, id := range append(pos, neg...) {
			conflicting[id] = true
		}
	}

	if _, claimHasNumber := firstNumber(claim.Text); claimHasNumber {
		var numbered []stance
		for _, s := range aligned {
			if s.hasNumber {
				numbered = append(numbered, s)
			}
		}
		for i := 0; i < len(numbered); i++ {
			for j := i + 1; j < len(numbered); j++ {
				spread := relDiff(numbered[i].number, numbered[j].number)
				if spread > a.cfg.NumericTolerance {
					conflicting[numbered[i].docID] = true
					conflicting[numbered[j].docID] = true
					variance = math.Max(variance, spread)
				}
			}
		}
	}

	if variance <= a.cfg.DisagreementThreshold || len(conflicting) < 2 {
		return model.DisagreementFlag{}, false
	}
	ids := make([]string, 0, len(conflicting))
	for id := range conflicting {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return model.DisagreementFlag{ClaimID: claim.ID, DocumentIDs: ids, Variance: round(variance)}, true
}

func popVariance(xs []float64) float64 {
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var v float64
	for _, x := range xs {
		v += (x - mean) * (x - mean)
	}
	return v / float64(len(xs))
}

func relDiff(a, b float64) float64 {
	den := math.Max(math.Abs(a), math.Abs(b))
	if den == 0 {
		return 0
	}
	return math.Abs(a-b) / den
}

func firstNumber(s string) (float64, bool) {
	m := numberRe.FindString(s)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func round(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
