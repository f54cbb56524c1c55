package citation

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var markerRe = regexp.MustCompile(`\s*\[\d+(?:\s*,\s*\d+)*\]`)

// span is a sentence with its byte offsets in the source text.
type span struct {
	text  string
	start int
	end   int
}

// segmenter splits text into sentences on terminal punctuation followed by
// whitespace, and on newlines. Periods after known abbreviations or inside
// numbers do not end a sentence.
type segmenter struct {
	abbrev map[string]bool
}

func newSegmenter(abbreviations []string) segmenter {
	m := make(map[string]bool, len(abbreviations))
	for _, a := range abbreviations {
		m[strings.ToLower(strings.TrimSuffix(a, "."))] = true
	}
	return segmenter{abbrev: m}
}

func (s segmenter) split(text string) []span {
	var out []span
	start := 0
	emit := func(end int) {
		raw := text[start:end]
		trimmed := strings.TrimSpace(raw)
		if trimmed != "" {
			lead := strings.Index(raw, trimmed)
			out = append(out, span{text: trimmed, start: start + lead, end: start + lead + len(trimmed)})
		}
		start = end
	}

	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		next := i + size
		switch {
		case r == '\n':
			emit(next)
		case r == '.' || r == '!' || r == '?':
			// Absorb runs like "?!" or "..." and closing quotes.
			for next < len(text) {
				r2, s2 := utf8.DecodeRuneInString(text[next:])
				if r2 != '.' && r2 != '!' && r2 != '?' && r2 != '"' && r2 != '\'' && r2 != ')' &&
					r2 != '\u201d' && r2 != '\u2019' {
					break
				}
				next += s2
			}
			if next < len(text) {
				r2, _ := utf8.DecodeRuneInString(text[next:])
				if !unicode.IsSpace(r2) {
					i = next
					continue
				}
			}
			if r == '.' && s.isAbbreviation(text[start:i]) {
				i = next
				continue
			}
			emit(next)
		}
		i = next
	}
	emit(len(text))
	return out
}

// isAbbreviation reports whether the last word of prefix is a known
// abbreviation.
func (s segmenter) isAbbreviation(prefix string) bool {
	fields := strings.Fields(prefix)
	if len(fields) == 0 {
		return false
	}
	last := strings.ToLower(strings.TrimLeft(fields[len(fields)-1], "([\"'\u201c\u2018"))
	return s.abbrev[last]
}

// stripMarkers removes inline citation markers such as "[2]" or "[1, 3]".
func stripMarkers(s string) string {
	return strings.TrimSpace(markerRe.ReplaceAllString(s, ""))
}

// stripListPrefix removes a leading bullet marker.
func stripListPrefix(s string) string {
	return strings.TrimSpace(strings.TrimLeft(s, "-*•# \t"))
}
