// Package pattern matches source names against literal strings or /regexp/ patterns.
package pattern

import (
	"fmt"
	"regexp"
	"strings"
)

// Matcher matches strings either exactly or via regexp
type Matcher interface {
	Match(s string) bool
}

// literalMatcher performs exact string matching
type literalMatcher string

func (m literalMatcher) Match(s string) bool {
	return string(m) == s
}

// regexpMatcher performs regex matching
type regexpMatcher struct {
	re *regexp.Regexp
}

func (m *regexpMatcher) Match(s string) bool {
	return m.re.MatchString(s)
}

// Parse returns a matcher for literal strings or /regexp/ patterns.
// Regexp patterns are anchored to match the full string.
func Parse(pattern string) (Matcher, error) {
	if strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") && len(pattern) > 1 {
		re, err := regexp.Compile("^(?:" + pattern[1:len(pattern)-1] + ")$")
		if err != nil {
			return nil, err
		}
		return &regexpMatcher{re: re}, nil
	}
	return literalMatcher(pattern), nil
}

// Set matches when any of its matchers does. An empty Set matches everything.
type Set []Matcher

// ParseAll parses every pattern into a Set.
func ParseAll(patterns []string) (Set, error) {
	set := make(Set, 0, len(patterns))
	for i, p := range patterns {
		m, err := Parse(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %d (%q): %w", i, p, err)
		}
		set = append(set, m)
	}
	return set, nil
}

func (s Set) Match(name string) bool {
	if len(s) == 0 {
		return true
	}
	for _, m := range s {
		if m.Match(name) {
			return true
		}
	}
	return false
}
