package utils

import (
	"strings"
	"unicode/utf8"
)

// EstimateTokens approximates the token count of s by its word count.
func EstimateTokens(s string) int {
	return len(strings.Fields(s))
}

// Truncate shortens s to at most n runes, cutting at the last word boundary and
// appending an ellipsis when anything was removed.
func Truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	cut := string(runes[:n])
	if i := strings.LastIndexAny(cut, " \n\t"); i > n/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "…"
}
