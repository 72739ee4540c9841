package invalidation

import (
	"errors"
	"regexp"
	"strings"
	"sync"
)

// maxPatternLen bounds the length of a pattern accepted anywhere in this
// package: ListVia.Pattern, regex patterns handed to KeyPatternMatcher, and
// anything compiled into a cached *regexp.Regexp. Matches ListVia's
// operator-authored pattern strings, not arbitrary input, so this is a
// sanity bound rather than a tuned DoS threshold.
const maxPatternLen = 1000

// KeyPatternMatcher resolves a cache key pattern against a caller-supplied
// key snapshot for targets that cannot enumerate their own keys (spec §4.I
// "List-via" whole-group fallback). Every pattern a regex path might compile
// is validated before it reaches regexp.Compile, so an invalid or
// oversized pattern never reaches the cache.
//
// Supported patterns:
// - Exact: "user:123" matches only "user:123"
// - Prefix wildcard: "user:*" matches "user:123", "user:456", etc.
// - Suffix wildcard: "*:profile" matches "user:profile", "product:profile"
// - Contains: "*:123:*" matches any key containing ":123:"
// - Regex: "user:[0-9]+" matches "user:123", "user:456" (use sparingly)
type KeyPatternMatcher struct {
	regexCache sync.Map // map[string]*regexp.Regexp
}

// NewPatternMatcher builds a KeyPatternMatcher with an empty regex cache.
func NewPatternMatcher() *KeyPatternMatcher {
	return &KeyPatternMatcher{}
}

// ValidatePattern reports whether pattern is safe to hand to Match: not
// empty-hostile (the empty string is valid, matching nothing), not absurdly
// long, and, if it looks like a regex, actually compiles.
func (pm *KeyPatternMatcher) ValidatePattern(pattern string) error {
	if pattern == "" {
		return nil
	}
	if len(pattern) > maxPatternLen {
		return errors.New("invalidation: pattern too long")
	}
	if IsRegex(pattern) {
		if _, err := regexp.Compile(pattern); err != nil {
			return err
		}
	}
	return nil
}

// Match resolves pattern against a key snapshot (spec §4.I: used when the
// target cache has no enumeration of its own and the caller must supply
// one). An invalid pattern matches nothing rather than panicking or
// partially matching.
func (pm *KeyPatternMatcher) Match(pattern string, keys []string) []string {
	if err := pm.ValidatePattern(pattern); err != nil || pattern == "" {
		return nil
	}

	if !IsWildcard(pattern) && !IsRegex(pattern) {
		for _, key := range keys {
			if key == pattern {
				return []string{key}
			}
		}
		return nil
	}

	if IsWildcard(pattern) {
		return pm.matchWildcard(pattern, keys)
	}
	return pm.matchRegex(pattern, keys)
}

// IsWildcard reports whether pattern contains a glob wildcard.
func IsWildcard(pattern string) bool {
	return strings.Contains(pattern, "*")
}

// IsRegex reports whether pattern looks like a regex rather than a plain
// key or glob.
func IsRegex(pattern string) bool {
	return strings.ContainsAny(pattern, "[]()^$+?{}|")
}

func (pm *KeyPatternMatcher) matchWildcard(pattern string, keys []string) []string {
	if pattern == "*" {
		return keys
	}

	switch {
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*"):
		substring := strings.Trim(pattern, "*")
		var matches []string
		for _, key := range keys {
			if strings.Contains(key, substring) {
				matches = append(matches, key)
			}
		}
		return matches
	case strings.HasPrefix(pattern, "*"):
		suffix := strings.TrimPrefix(pattern, "*")
		var matches []string
		for _, key := range keys {
			if strings.HasSuffix(key, suffix) {
				matches = append(matches, key)
			}
		}
		return matches
	case strings.HasSuffix(pattern, "*"):
		prefix := strings.TrimSuffix(pattern, "*")
		var matches []string
		for _, key := range keys {
			if strings.HasPrefix(key, prefix) {
				matches = append(matches, key)
			}
		}
		return matches
	default:
		// A wildcard in the middle, e.g. "user:*:profile": fall back to an
		// anchored regex rather than hand-rolling a third scan shape.
		return pm.matchRegex(wildcardToRegex(pattern), keys)
	}
}

func (pm *KeyPatternMatcher) matchRegex(pattern string, keys []string) []string {
	var re *regexp.Regexp
	if cached, ok := pm.regexCache.Load(pattern); ok {
		re = cached.(*regexp.Regexp)
	} else {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return nil
		}
		re = compiled
		pm.regexCache.Store(pattern, re)
	}

	var matches []string
	for _, key := range keys {
		if re.MatchString(key) {
			matches = append(matches, key)
		}
	}
	return matches
}

// wildcardToRegex converts a glob with an interior "*" into an anchored
// regex, e.g. "user:*:profile" -> "^user:.*:profile$".
func wildcardToRegex(pattern string) string {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, "\\*", ".*")
	return "^" + escaped + "$"
}

// ClearCache drops every cached compiled regex.
func (pm *KeyPatternMatcher) ClearCache() {
	pm.regexCache = sync.Map{}
}

// CacheSize reports the number of distinct regex patterns currently cached.
func (pm *KeyPatternMatcher) CacheSize() int {
	count := 0
	pm.regexCache.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}
