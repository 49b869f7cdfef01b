package expiration

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// URLPattern pairs a glob-like URL pattern with its expiration.
type URLPattern struct {
	Pattern     string
	ExpireAfter ExpireAfter

	g glob.Glob
}

// URLPatterns is an ordered list of URL patterns. The first matching
// pattern wins, so order is significant.
type URLPatterns []URLPattern

// NewURLPattern compiles pattern. The scheme, if any, is stripped and a
// recursive wildcard is appended so that "example.com/api" also matches
// everything below it.
func NewURLPattern(pattern string, e ExpireAfter) (URLPattern, error) {
	expr := stripScheme(pattern)
	if !strings.HasSuffix(expr, "**") {
		expr = strings.TrimSuffix(expr, "*") + "**"
	}
	g, err := glob.Compile(expr, '/')
	if err != nil {
		return URLPattern{}, fmt.Errorf("invalid url pattern %q: %w", pattern, err)
	}
	return URLPattern{Pattern: pattern, ExpireAfter: e, g: g}, nil
}

// Match reports whether rawURL matches the pattern.
func (p URLPattern) Match(rawURL string) bool {
	if p.g == nil {
		return false
	}
	return p.g.Match(stripScheme(rawURL))
}

// Add compiles and appends a pattern.
func (ps *URLPatterns) Add(pattern string, e ExpireAfter) error {
	p, err := NewURLPattern(pattern, e)
	if err != nil {
		return err
	}
	*ps = append(*ps, p)
	return nil
}

// Match returns the expiration of the first pattern matching rawURL, or
// an unset value when none matches.
func (ps URLPatterns) Match(rawURL string) ExpireAfter {
	for _, p := range ps {
		if p.Match(rawURL) {
			return p.ExpireAfter
		}
	}
	return ExpireAfter{}
}

func stripScheme(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		return u[i+3:]
	}
	return u
}
