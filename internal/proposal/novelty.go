package proposal

import (
	"regexp"
	"strings"
)

var (
	camelBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)
	nonAlnumRun   = regexp.MustCompile(`[^A-Za-z0-9]+`)
	wordToken     = regexp.MustCompile(`[a-z0-9]+`)
)

// NormalizeActionType maps free-form action names to canonical snake_case:
// "  generateNewNodes " and "Generate-New nodes" both become "generate_new_nodes".
// Empty input yields "unknown".
func NormalizeActionType(value string) string {
	s := strings.TrimSpace(value)
	if s == "" {
		return "unknown"
	}
	s = camelBoundary.ReplaceAllString(s, "${1}_${2}")
	s = nonAlnumRun.ReplaceAllString(s, "_")
	return strings.ToLower(strings.Trim(s, "_"))
}

// tokenize returns the set of lowercase alphanumeric words of length >= 3.
func tokenize(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range wordToken.FindAllString(strings.ToLower(text), -1) {
		if len(tok) >= 3 {
			out[tok] = struct{}{}
		}
	}
	return out
}

// Jaccard is the token-set similarity used by the novelty check. Either side
// being empty yields 0.
func Jaccard(a, b string) float64 {
	ta, tb := tokenize(a), tokenize(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			inter++
		}
	}
	if inter == 0 {
		return 0
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}
