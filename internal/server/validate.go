package server

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxContentLength = 500
	MinUsername      = 3
	MaxUsername      = 20
	DefaultCodeMin   = 6
	DefaultCodeMax   = 10
)

var (
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	codePattern     = regexp.MustCompile(`^[A-Za-z0-9]+$`)
)

func ValidUsername(username string) bool {
	return len(username) >= MinUsername &&
		len(username) <= MaxUsername &&
		usernamePattern.MatchString(username)
}

// ValidRoomCode reports whether code is min..max ASCII alphanumerics.
func ValidRoomCode(code string, min, max int) bool {
	return len(code) >= min &&
		len(code) <= max &&
		codePattern.MatchString(code)
}

var lineEndings = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// NormalizeContent unifies line endings and trims surrounding whitespace.
func NormalizeContent(content string) string {
	return strings.TrimSpace(lineEndings.Replace(content))
}

// CheckContent normalizes content and reports whether it is within the
// length limit. Length is counted in characters, not bytes.
func CheckContent(content string) (string, bool) {
	content = NormalizeContent(content)
	return content, utf8.RuneCountInString(content) <= MaxContentLength
}
