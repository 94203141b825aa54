// Package subscription decides whether an event name is covered by a set of
// webhook subscription patterns.
//
// A pattern is one of:
//
//	*            every event
//	crop.sold    exactly that event
//	crop.*       "crop" itself and every event below it
package subscription

import "strings"

const (
	Wildcard  = "*"
	separator = "."
)

// Matches reports whether any pattern covers eventName. Matching is case-sensitive
// and an empty pattern set matches nothing.
func Matches(eventName string, patterns []string) bool {
	for _, p := range patterns {
		if MatchPattern(eventName, p) {
			return true
		}
	}
	return false
}

func MatchPattern(eventName, pattern string) bool {
	if pattern == Wildcard {
		return true
	}
	if pattern == eventName {
		return true
	}
	prefix, ok := strings.CutSuffix(pattern, separator+Wildcard)
	if !ok || prefix == "" {
		return false
	}
	return eventName == prefix || strings.HasPrefix(eventName, prefix+separator)
}

// ValidPattern rejects patterns that could never be written by a sane subscriber:
// empty segments, wildcards anywhere but the final segment, or a bare "*.x".
func ValidPattern(pattern string) bool {
	if pattern == Wildcard {
		return true
	}
	name, _ := strings.CutSuffix(pattern, separator+Wildcard)
	return ValidName(name)
}

// ValidName reports whether s is a dotted hierarchical event name such as "crop.sold".
func ValidName(s string) bool {
	if s == "" {
		return false
	}
	for _, seg := range strings.Split(s, separator) {
		if seg == "" {
			return false
		}
		for _, r := range seg {
			if !isNameRune(r) {
				return false
			}
		}
	}
	return true
}

func isNameRune(r rune) bool {
	return r >= 'a' && r <= 'z' ||
		r >= 'A' && r <= 'Z' ||
		r >= '0' && r <= '9' ||
		r == '_' || r == '-'
}
