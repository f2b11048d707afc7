package policy

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"chat-relay/internal/admin"
)

var jailbreakPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)忽略.*指令`),
	regexp.MustCompile(`(?i)忘记.*设定`),
	regexp.MustCompile(`(?i)假装.*没有限制`),
	regexp.MustCompile(`(?i)扮演.*不受约束`),
	regexp.MustCompile(`(?i)DAN.*模式`),
	regexp.MustCompile(`越狱`),
	regexp.MustCompile(`(?i)ignore.*instruction`),
	regexp.MustCompile(`(?i)forget.*rules`),
	regexp.MustCompile(`(?i)pretend.*no.*limit`),
	regexp.MustCompile(`(?i)jailbreak`),
	regexp.MustCompile(`(?i)\bDAN\s+mode\b`),
}

const (
	FilterJailbreak = "jailbreak attempt"
	FilterWord      = "sensitive word"
)

// Check runs the jailbreak patterns and the snapshot's sensitive words
// against text. It returns ok=false and a short reason on the first hit.
func Check(snap *admin.Snapshot, text string) (bool, string) {
	lower := strings.ToLower(text)
	for _, re := range jailbreakPatterns {
		if re.MatchString(lower) {
			return false, FilterJailbreak
		}
	}
	for _, w := range snap.Words() {
		if w == "" {
			continue
		}
		if containsWord(lower, strings.ToLower(w)) {
			return false, FilterWord
		}
	}
	return true, ""
}

// containsWord applies the word rules: numeric words must not touch other
// digits, words of at most two runes must stand alone, longer words match
// anywhere.
func containsWord(text, word string) bool {
	switch {
	case isDigits(word):
		return containsBounded(text, word, unicode.IsDigit)
	case utf8.RuneCountInString(word) <= 2:
		return containsBounded(text, word, isWordRune)
	default:
		return strings.Contains(text, word)
	}
}

// containsBounded reports whether word occurs in text with no neighbour
// rune satisfying joined on either side.
func containsBounded(text, word string, joined func(rune) bool) bool {
	for from := 0; from <= len(text)-len(word); {
		i := strings.Index(text[from:], word)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(word)
		before, _ := utf8.DecodeLastRuneInString(text[:start])
		after, _ := utf8.DecodeRuneInString(text[end:])
		if (start == 0 || !joined(before)) && (end == len(text) || !joined(after)) {
			return true
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		from = start + size
	}
	return false
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
