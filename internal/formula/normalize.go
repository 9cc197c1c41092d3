package formula

import "strings"

// Normalize canonicalizes formula text for comparison: surrounding space and
// the leading '=' are removed, whitespace runs collapse to one space, and the
// result is uppercased.
func Normalize(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "=")
	return strings.ToUpper(strings.Join(strings.Fields(text), " "))
}

// IsEmpty reports whether text holds no formula at all.
func IsEmpty(text string) bool {
	return Normalize(text) == ""
}
