package artifact

import (
	"path/filepath"
	"strings"
)

// exclusionPattern is a parsed exclusion pattern with its matching strategy.
type exclusionPattern struct {
	pattern   string
	matchPath bool // true = match against relative path; false = match against basename only
}

// ExclusionRules checks staged file paths against an ordered set of
// glob patterns. Patterns without '/' match against the file's basename
// only; patterns with '/' match against the full slash-separated path
// relative to the staging root. The rule set is constant for the
// process lifetime, sourced from configuration.
type ExclusionRules struct {
	patterns []exclusionPattern
}

// NewExclusionRules parses raw pattern strings into an ExclusionRules.
// Blank lines and lines starting with '#' are skipped.
func NewExclusionRules(rawPatterns []string) *ExclusionRules {
	var patterns []exclusionPattern
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		patterns = append(patterns, exclusionPattern{
			pattern:   raw,
			matchPath: strings.Contains(raw, "/"),
		})
	}
	return &ExclusionRules{patterns: patterns}
}

// Len returns the number of parsed patterns.
func (r *ExclusionRules) Len() int {
	if r == nil {
		return 0
	}
	return len(r.patterns)
}

// Match reports whether the given path, relative to the staging root,
// is excluded from deployment.
func (r *ExclusionRules) Match(relativePath string) bool {
	if r == nil || len(r.patterns) == 0 {
		return false
	}

	// Normalize to forward slashes for consistent matching.
	normalized := filepath.ToSlash(relativePath)
	basename := filepath.Base(relativePath)

	for _, p := range r.patterns {
		var matched bool
		var err error
		if p.matchPath {
			matched, err = filepath.Match(p.pattern, normalized)
		} else {
			matched, err = filepath.Match(p.pattern, basename)
		}
		if err != nil {
			// Bad pattern: skip rather than fail the deploy.
			continue
		}
		if matched {
			return true
		}
	}
	return false
}
