// Package classify validates inbound queries and assigns their fingerprint,
// complexity tier and intent.
package classify

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/knowledge-search/internal/model"
	"github.com/sells-group/knowledge-search/internal/resilience"
)

// DefaultMaxLength is the longest accepted query, in runes.
const DefaultMaxLength = 4000

// Tier boundaries on the complexity score.
const (
	moderateThreshold = 0.35
	complexThreshold  = 0.65
)

// Cues are matched against the padded word sequence, so each is bounded by
// spaces to avoid matching inside longer words.
var complexCues = []string{
	" compare ", " comparison ", " versus ", " vs ", " trade off", " tradeoff",
	" analyze ", " analyse ", " evaluate ", " implications ", " pros and cons ",
	" relationship between ", " impact of ", " in depth ", " step by step ",
}

var moderateCues = []string{
	" how ", " why ", " explain ", " difference ", " describe ", " summarize ", " steps ",
}

// intentCues are checked in order; the first matching intent wins.
var intentCues = []struct {
	intent model.Intent
	cues   []string
}{
	{model.IntentComparison, []string{" compare ", " versus ", " vs ", " difference between ", " better than "}},
	{model.IntentDefinition, []string{" what is ", " what are ", " define ", " meaning of ", " definition of "}},
	{model.IntentProcedural, []string{" how to ", " how do i ", " how can i ", " steps to ", " guide to "}},
	{model.IntentExplanation, []string{" why ", " explain ", " how does ", " how do "}},
	{model.IntentFactual, []string{" when ", " who ", " where ", " how many ", " how much ", " which "}},
}

// Classifier turns requests into classified queries.
type Classifier struct {
	maxLength int
	nowFunc   func() time.Time
}

// New returns a classifier that rejects queries longer than maxLength runes.
func New(maxLength int) *Classifier {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Classifier{maxLength: maxLength, nowFunc: time.Now}
}

// Validate checks the raw query text. Failures wrap resilience.ErrValidation.
func (c *Classifier) Validate(text string) error {
	if !utf8.ValidString(text) {
		return eris.Wrap(resilience.ErrValidation, "query is not valid UTF-8")
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return eris.Wrap(resilience.ErrValidation, "query is empty")
	}
	if n := utf8.RuneCountInString(trimmed); n > c.maxLength {
		return eris.Wrapf(resilience.ErrValidation, "query is %d characters, limit is %d", n, c.maxLength)
	}
	if strings.IndexFunc(trimmed, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) < 0 {
		return eris.Wrap(resilience.ErrValidation, "query contains no words")
	}
	return nil
}

// Classify validates req and returns the immutable Query for it.
func (c *Classifier) Classify(req model.Request) (*model.Query, error) {
	if err := c.Validate(req.Text); err != nil {
		return nil, err
	}

	normalized := Normalize(req.Text)
	score := ComplexityScore(normalized)
	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	return &model.Query{
		Text:            strings.TrimSpace(req.Text),
		Context:         strings.TrimSpace(req.Context),
		Normalized:      normalized,
		Fingerprint:     Fingerprint(req.Text, req.Context),
		Tier:            TierFor(score),
		ComplexityScore: score,
		Intent:          DetectIntent(normalized),
		TraceID:         traceID,
		MaxTokens:       req.MaxTokens,
		ReceivedAt:      c.nowFunc(),
	}, nil
}

// ComplexityScore estimates query complexity in [0,1] from length, cue
// words and the number of sub-questions. Input should be normalized.
func ComplexityScore(normalized string) float64 {
	padded := wordsPadded(normalized)
	words := len(strings.Fields(normalized))

	score := float64(words) / 40
	if score > 0.5 {
		score = 0.5
	}
	if containsAny(padded, moderateCues) {
		score += 0.2
	}
	if containsAny(padded, complexCues) {
		score += 0.35
	}
	if q := strings.Count(normalized, "?"); q > 0 {
		score += 0.1 * float64(q)
	}
	if score > 1 {
		score = 1
	}
	return score
}

// TierFor maps a complexity score to a tier.
func TierFor(score float64) model.Tier {
	switch {
	case score >= complexThreshold:
		return model.TierComplex
	case score >= moderateThreshold:
		return model.TierModerate
	default:
		return model.TierSimple
	}
}

// DetectIntent returns the first intent whose cues appear in the query.
func DetectIntent(normalized string) model.Intent {
	padded := wordsPadded(normalized)
	for _, ic := range intentCues {
		if containsAny(padded, ic.cues) {
			return ic.intent
		}
	}
	return model.IntentExploratory
}

// wordsPadded joins the letter and digit runs of s with single spaces and
// pads both ends.
func wordsPadded(s string) string {
	words := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return " " + strings.Join(words, " ") + " "
}

func containsAny(s string, cues []string) bool {
	for _, c := range cues {
		if strings.Contains(s, c) {
			return true
		}
	}
	return false
}
