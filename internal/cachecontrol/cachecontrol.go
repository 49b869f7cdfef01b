// Package cachecontrol parses the subset of HTTP caching headers the cache
// understands: Cache-Control directives and the Expires date.
package cachecontrol

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Directives is the parsed form of a Cache-Control header value.
// MaxAge is -1 when the directive is absent.
type Directives struct {
	NoStore        bool
	NoCache        bool
	MustRevalidate bool
	Public         bool
	Private        bool
	Immutable      bool
	MaxAge         int
	SMaxAge        int
}

// Parse parses a Cache-Control header value. Directive names are case
// insensitive and quoted arguments are unquoted. Unknown directives are
// ignored.
func Parse(v string) Directives {
	cc := Directives{MaxAge: -1, SMaxAge: -1}
	for _, part := range strings.Split(v, ",") {
		name, arg, _ := strings.Cut(strings.TrimSpace(part), "=")
		name = strings.ToLower(strings.TrimSpace(name))
		arg = strings.Trim(strings.TrimSpace(arg), `"`)
		switch name {
		case "no-store":
			cc.NoStore = true
		case "no-cache":
			cc.NoCache = true
		case "must-revalidate":
			cc.MustRevalidate = true
		case "public":
			cc.Public = true
		case "private":
			cc.Private = true
		case "immutable":
			cc.Immutable = true
		case "max-age":
			cc.MaxAge = deltaSeconds(arg)
		case "s-maxage":
			cc.SMaxAge = deltaSeconds(arg)
		}
	}
	return cc
}

// FromHeader parses the Cache-Control values found in h. Multiple header
// lines are treated as one comma separated list.
func FromHeader(h http.Header) Directives {
	return Parse(strings.Join(h.Values("Cache-Control"), ","))
}

// HasMaxAge reports whether a max-age directive was present.
func (d Directives) HasMaxAge() bool { return d.MaxAge >= 0 }

// Recognized reports whether any directive that drives cache actions is set.
func (d Directives) Recognized() bool {
	return d.NoStore || d.NoCache || d.HasMaxAge()
}

// Expires parses the Expires header. ok is false when the header is absent.
// An unparseable value (commonly "0" or "-1") yields an instant in the past,
// as the value means "already expired".
func Expires(h http.Header) (t time.Time, ok bool) {
	v := strings.TrimSpace(h.Get("Expires"))
	if v == "" {
		return time.Time{}, false
	}
	parsed, err := http.ParseTime(v)
	if err != nil {
		return time.Unix(0, 0).UTC(), true
	}
	return parsed.UTC(), true
}

// deltaSeconds parses a delta-seconds argument, returning -1 when invalid.
// Values larger than 2^31 are clamped to 2^31.
func deltaSeconds(s string) int {
	if s == "" {
		return -1
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) && !strings.HasPrefix(s, "-") {
			return 1 << 31
		}
		return -1
	}
	if n < 0 {
		return -1
	}
	if n > 1<<31 {
		return 1 << 31
	}
	return int(n)
}
