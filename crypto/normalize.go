package crypto

import (
	"strings"
	"unicode"
)

const (
	capitalSigma      = 'Σ'
	finalSigma        = 'ς'
	capitalIWithDot   = 'İ'
	combiningDotAbove = "\u0307"
)

// normalizeLookup trims surrounding whitespace, including the ASCII
// separators U+001C..U+001F, then applies full Unicode lowercasing. Unlike
// unicode.ToLower, İ becomes "i\u0307" and a word-final Σ becomes ς.
func normalizeLookup(text string) string {
	runes := []rune(strings.TrimFunc(text, isLookupSpace))

	var b strings.Builder
	b.Grow(len(runes))
	for i, r := range runes {
		switch {
		case r == capitalIWithDot:
			b.WriteString("i" + combiningDotAbove)
		case r == capitalSigma && isFinalSigma(runes, i):
			b.WriteRune(finalSigma)
		default:
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

func isLookupSpace(r rune) bool {
	return unicode.IsSpace(r) || (r >= '\x1c' && r <= '\x1f')
}

// isFinalSigma reports whether the Σ at i follows a cased letter and is
// not followed by one, ignoring case-ignorable runes in both directions.
func isFinalSigma(runes []rune, i int) bool {
	j := i - 1
	for j >= 0 && isCaseIgnorable(runes[j]) {
		j--
	}
	if j < 0 || !isCased(runes[j]) {
		return false
	}
	j = i + 1
	for j < len(runes) && isCaseIgnorable(runes[j]) {
		j++
	}
	return j == len(runes) || !isCased(runes[j])
}

func isCased(r rune) bool {
	return unicode.In(r, unicode.Lu, unicode.Ll, unicode.Lt, unicode.Other_Lowercase, unicode.Other_Uppercase)
}

func isCaseIgnorable(r rune) bool {
	switch r {
	case '\'', '.', ':', '\u00b7', '\u0387', '\u05f4', '\u2018', '\u2019',
		'\u2024', '\u2027', '\ufe13', '\ufe52', '\ufe55', '\uff07', '\uff0e', '\uff1a':
		return true
	}
	return unicode.In(r, unicode.Mn, unicode.Me, unicode.Cf, unicode.Lm, unicode.Sk)
}
