package server

import (
	"regexp"
	"strings"
)

const mask = "****"

var defaultProfanity = []string{
	"fuck", "shit", "bitch", "asshole", "bastard", "dick", "pussy", "cunt",
}

// ProfanityFilter masks listed words when they appear as whole words,
// ignoring case. A disabled filter returns text unchanged.
type ProfanityFilter struct {
	enabled bool
	re      *regexp.Regexp
}

func NewProfanityFilter(enabled bool, words ...string) *ProfanityFilter {
	if len(words) == 0 {
		words = defaultProfanity
	}

	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}

	return &ProfanityFilter{
		enabled: enabled,
		re:      regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`),
	}
}

func (f *ProfanityFilter) Apply(text string) string {
	if f == nil || !f.enabled {
		return text
	}
	return f.re.ReplaceAllString(text, mask)
}
