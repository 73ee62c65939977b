// Package text holds rune-aware helpers for payloads that cross provider
// boundaries.
package text

import "unicode/utf8"

// CountRunes returns the number of Unicode code points in s.
func CountRunes(s string) int {
	return utf8.RuneCountInString(s)
}

// Truncate cuts s to at most max runes. The second result reports whether
// anything was removed. A non-positive max leaves s untouched.
func Truncate(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i], true
		}
		n++
	}
	return s, false
}
