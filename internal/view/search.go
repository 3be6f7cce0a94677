package view

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var strokeReplacer = strings.NewReplacer("đ", "d", "Đ", "D")

// Fold lower-cases s and strips combining marks so "Đại Số" and "dai so" compare equal.
func Fold(s string) string {
	return StripMarks(strings.ToLower(s))
}

// StripMarks removes diacritics and keeps the case of s.
func StripMarks(s string) string {
	if s == "" {
		return ""
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	return strokeReplacer.Replace(stripped)
}

// Matches reports whether the folded query is a substring of any folded field.
// An empty query matches everything.
func Matches(query string, fields ...string) bool {
	q := Fold(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	for _, field := range fields {
		if field != "" && strings.Contains(Fold(field), q) {
			return true
		}
	}
	return false
}
