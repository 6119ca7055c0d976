package mailbox

import (
	"strings"
	"sync"
)

// patternSeparator splits hierarchical targets like "reports.daily.summary".
const patternSeparator = "."

// Wildcard segments: "*" matches exactly one segment, "**" matches any
// number of trailing segments. A pattern consisting of "*" alone is the
// global wildcard and matches every target regardless of depth.
const (
	wildcardSingle = "*"
	wildcardMulti  = "**"
)

// Pattern is a compiled subscription target pattern.
type Pattern struct {
	raw      string
	segments []string
	global   bool // "*" alone
	literal  bool // no wildcards at all
}

// CompilePattern validates and compiles a target pattern.
//
// Rules:
//   - segments are separated by "."; empty segments are invalid
//   - "*" matches exactly one segment ("ai.models.*" matches
//     "ai.models.gpt4" but not "ai.models.gpt4.turbo")
//   - "**" matches any depth and must be the final segment
//   - "*" alone matches any target
//
// Returns an INVALID_PATTERN error for malformed input.
func CompilePattern(raw string) (*Pattern, error) {
	if raw == "" {
		return nil, NewError(ErrCodeInvalidPattern, "pattern is empty")
	}
	if raw == wildcardSingle {
		return &Pattern{raw: raw, global: true}, nil
	}

	segments := strings.Split(raw, patternSeparator)
	literal := true
	for i, seg := range segments {
		switch seg {
		case "":
			return nil, NewError(ErrCodeInvalidPattern, "pattern has an empty segment: "+raw)
		case wildcardMulti:
			if i != len(segments)-1 {
				return nil, NewError(ErrCodeInvalidPattern, "\"**\" must be the final segment: "+raw)
			}
			literal = false
		case wildcardSingle:
			literal = false
		default:
			if strings.Contains(seg, wildcardSingle) {
				return nil, NewError(ErrCodeInvalidPattern, "wildcards must span a whole segment: "+raw)
			}
		}
	}
	return &Pattern{raw: raw, segments: segments, literal: literal}, nil
}

// String returns the raw pattern.
func (p *Pattern) String() string { return p.raw }

// IsLiteral reports whether the pattern contains no wildcards.
func (p *Pattern) IsLiteral() bool { return p.literal }

// Matches reports whether the target matches the pattern.
func (p *Pattern) Matches(target string) bool {
	if target == "" {
		return false
	}
	if p.global {
		return true
	}
	if p.literal {
		return p.raw == target
	}
	return matchSegments(p.segments, strings.Split(target, patternSeparator))
}

func matchSegments(pattern, target []string) bool {
	for i, seg := range pattern {
		if seg == wildcardMulti {
			// "**" is terminal and requires at least one segment below
			// the prefix.
			return len(target) > i
		}
		if i >= len(target) {
			return false
		}
		if seg != wildcardSingle && seg != target[i] {
			return false
		}
	}
	return len(pattern) == len(target)
}

// IsPattern reports whether a subscription target contains wildcards.
func IsPattern(target string) bool {
	return strings.Contains(target, wildcardSingle)
}

// PatternCache memoizes compiled patterns. The owning component invalidates
// entries whenever the subscription set changes; the cache is advisory and
// rebuilt on miss, never authoritative.
type PatternCache struct {
	mu       sync.RWMutex
	compiled map[string]*Pattern
}

// NewPatternCache creates an empty cache.
func NewPatternCache() *PatternCache {
	return &PatternCache{compiled: make(map[string]*Pattern)}
}

// Get returns the compiled pattern, compiling and caching on miss.
func (c *PatternCache) Get(raw string) (*Pattern, error) {
	c.mu.RLock()
	p, ok := c.compiled[raw]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := CompilePattern(raw)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.compiled[raw] = p
	c.mu.Unlock()
	return p, nil
}

// Invalidate drops one pattern from the cache.
func (c *PatternCache) Invalidate(raw string) {
	c.mu.Lock()
	delete(c.compiled, raw)
	c.mu.Unlock()
}

// Reset drops every cached pattern.
func (c *PatternCache) Reset() {
	c.mu.Lock()
	c.compiled = make(map[string]*Pattern)
	c.mu.Unlock()
}

// Len returns the number of cached patterns.
func (c *PatternCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.compiled)
}

// StoreChannelPattern converts a subscription pattern into the coarse glob
// used for the backing store's pattern channels. Store globs treat "*" as
// "any characters", so "ai.models.*" and "ai.**" both become "ai.*"-style
// globs; precise segment matching still happens in the delivery layer.
func StoreChannelPattern(raw string) string {
	if raw == wildcardSingle {
		return wildcardSingle
	}
	if idx := strings.IndexAny(raw, wildcardSingle); idx >= 0 {
		return raw[:idx] + wildcardSingle
	}
	return raw
}
