package extractor

import (
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

// stripPolicy removes all markup and the content of script-like elements.
var stripPolicy = bluemonday.StrictPolicy().AddSpaceWhenStrippingTag(true)

// CleanText normalises raw turn text before extraction. Markup is stripped
// and entities decoded, compatibility forms folded (NFKC), control
// characters and pictographs dropped, and whitespace collapsed.
func CleanText(text string) string {
	text = html.UnescapeString(stripPolicy.Sanitize(text))
	text = norm.NFKC.String(text)
	text = strings.Map(keepRune, text)
	return strings.Join(strings.Fields(text), " ")
}

// CacheKey is the cleaned, case-folded form used to key extraction results.
func CacheKey(text string) string {
	return strings.ToLower(CleanText(text))
}

// keepRune returns -1 for runes that carry no conversational signal.
func keepRune(r rune) rune {
	switch {
	case r == '\n' || r == '\t' || r == '\r':
		return ' '
	case unicode.Is(unicode.Cc, r):
		return -1
	case r >= 0xFE00 && r <= 0xFE1F, // variation selectors
		r >= 0xD800 && r <= 0xF8FF, // surrogates, private use
		r >= 0xF0000:
		return -1
	case r >= 0x1F100 && r <= 0x1FAFF, // emoji and pictographs
		r >= 0x2600 && r <= 0x27BF,
		r == 0x200D:
		return -1
	}
	return r
}

// words splits cleaned text into lowercase word tokens, keeping inner
// apostrophes ("don't").
func words(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "'")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func ratio(n, d int) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// saturate maps a non-negative count onto [0,1) with half-saturation at k.
func saturate(x, k float64) float64 {
	if x <= 0 || k <= 0 {
		return 0
	}
	return x / (x + k)
}
