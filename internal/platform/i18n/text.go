// Package i18n holds locale-sensitive text helpers: accent-insensitive
// folding for marker and search matching, and collators for locale-aware
// ordering.
package i18n

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultLocale is used when no collation locale is configured.
const DefaultLocale = "es"

// Fold lowercases s, trims surrounding space and strips diacritics, so
// "Crítico " and "critico" compare equal.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}

// ParseLocale validates a BCP 47 tag.
func ParseLocale(tag string) (language.Tag, error) {
	if tag == "" {
		tag = DefaultLocale
	}
	lt, err := language.Parse(tag)
	if err != nil {
		return language.Und, fmt.Errorf("parse locale %q: %w", tag, err)
	}
	return lt, nil
}

// NewCollator returns a numeric-aware collator for the tag. Collators are not
// safe for concurrent use; create one per operation.
func NewCollator(tag language.Tag) *collate.Collator {
	return collate.New(tag, collate.Numeric, collate.IgnoreCase)
}
