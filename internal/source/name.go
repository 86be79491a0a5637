package source

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const maxDerivedNameLength = 50

var schemePattern = regexp.MustCompile(`^https?://`)

// DeriveName extracts a reasonable display name from a URL when neither the
// user nor the upstream metadata supplied one. Unicode input is NFC
// normalized so visually identical titles compare equal regardless of how the
// URL was encoded.
func DeriveName(url string) string {
	name := schemePattern.ReplaceAllString(url, "")
	if idx := strings.IndexByte(name, '?'); idx >= 0 {
		name = name[:idx]
	}
	parts := strings.Split(strings.TrimRight(name, "/"), "/")
	if len(parts) > 1 {
		name = parts[len(parts)-1]
	} else {
		name = parts[0]
	}
	name = strings.NewReplacer("_", " ", "-", " ").Replace(name)
	name = norm.NFC.String(strings.TrimSpace(name))
	name = truncateRunes(name, maxDerivedNameLength)
	if name == "" || !hasPrintable(name) {
		return "Unnamed Stream"
	}
	return name
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return strings.TrimSpace(string(runes[:limit]))
}

func hasPrintable(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
