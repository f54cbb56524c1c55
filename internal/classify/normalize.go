package classify

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalize canonicalizes query text: NFKC, case folded, whitespace
// collapsed, trailing sentence punctuation removed.
func Normalize(text string) string {
	// Casers carry state and are not safe for concurrent use.
	s := cases.Fold().String(norm.NFKC.String(text))
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimRightFunc(s, func(r rune) bool {
		return r == '?' || r == '!' || r == '.' || unicode.IsSpace(r)
	})
}

// Fingerprint returns the stable hex SHA-256 of the normalized text and
// optional context. Identical normalized input always yields the same value.
func Fingerprint(text, context string) string {
	key := Normalize(text)
	if c := Normalize(context); c != "" {
		key += "\x00" + c
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
