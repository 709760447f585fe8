// Package namekey produces the canonical lookup key for a free-text payroll
// name. Spreadsheets spell the same person many ways ("Ali  Razá", "ali raza,",
// "ALI RAZA"); all of them must land on one key so that input values, identity
// mappings, and computed values share a natural identity.
package namekey

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var stripMarks = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize is idempotent: Normalize(Normalize(s)) == Normalize(s).
func Normalize(name string) string {
	decomposed, _, err := transform.String(stripMarks, name)
	if err != nil {
		decomposed = name
	}

	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range strings.ToLower(decomposed) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '\'' || r == '.':
			// word separators and common name punctuation collapse to a space
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
