package candidate

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeMerchant returns the matching key for a merchant name: NFKC
// normalized, case folded, trimmed, inner whitespace collapsed and trailing
// punctuation removed. Keys are compared by exact equality.
func NormalizeMerchant(name string) string {
	s := norm.NFKC.String(name)
	s = cases.Fold().String(s)
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimRight(s, ".,;:!?")
}
