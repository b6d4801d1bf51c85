package mandate

import (
	"regexp"
	"strings"
	"sync"
)

// Scope patterns support two metacharacters: `*` matches any run of
// characters including `/` and `:`, `?` matches exactly one character.
// Everything else is literal. Compiled patterns are cached for the life of
// the process; cardinality tracks operator-authored policies, so the cache
// stays small.

type compiledPattern struct {
	literal string
	re      *regexp.Regexp
}

func (p compiledPattern) matches(value string) bool {
	if p.re == nil {
		return p.literal == value
	}
	return p.re.MatchString(value)
}

var (
	patternMu    sync.RWMutex
	patternCache = make(map[string]compiledPattern)
)

func compilePattern(pattern string) compiledPattern {
	patternMu.RLock()
	cp, hit := patternCache[pattern]
	patternMu.RUnlock()
	if hit {
		return cp
	}

	if !strings.ContainsAny(pattern, "*?") {
		cp = compiledPattern{literal: pattern}
	} else {
		var b strings.Builder
		b.WriteString("^")
		for _, r := range pattern {
			switch r {
			case '*':
				b.WriteString(".*")
			case '?':
				b.WriteString(".")
			default:
				b.WriteString(regexp.QuoteMeta(string(r)))
			}
		}
		b.WriteString("$")
		cp = compiledPattern{re: regexp.MustCompile(b.String())}
	}

	patternMu.Lock()
	patternCache[pattern] = cp
	patternMu.Unlock()
	return cp
}

// MatchPattern reports whether value matches a single scope pattern.
func MatchPattern(value, pattern string) bool {
	return compilePattern(pattern).matches(value)
}

// CompiledScope is a set of scope patterns ready for matching.
type CompiledScope struct {
	patterns []compiledPattern
}

// CompileScope compiles a pattern list once so repeated decisions against
// the same mandate reuse the work.
func CompileScope(patterns []string) *CompiledScope {
	cs := &CompiledScope{patterns: make([]compiledPattern, 0, len(patterns))}
	for _, p := range patterns {
		cs.patterns = append(cs.patterns, compilePattern(p))
	}
	return cs
}

// Matches reports whether any pattern in the scope matches value.
func (s *CompiledScope) Matches(value string) bool {
	for _, p := range s.patterns {
		if p.matches(value) {
			return true
		}
	}
	return false
}

// FirstOutside returns the first value no pattern matches. Subset checks at
// issuance and delegation treat each child entry as a plain value matched
// against the parent patterns, so a child pattern that would broaden the
// parent never matches.
func (s *CompiledScope) FirstOutside(values []string) (string, bool) {
	for _, v := range values {
		if !s.Matches(v) {
			return v, true
		}
	}
	return "", false
}

// ScopeSubset reports whether every child entry is covered by the parent
// pattern list.
func ScopeSubset(child, parent []string) bool {
	_, outside := CompileScope(parent).FirstOutside(child)
	return !outside
}
