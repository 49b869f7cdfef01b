// Package expiration resolves when a cached response expires.
//
// An ExpireAfter value is one of: unset, never, a relative duration, an
// absolute instant or an HTTP date. A zero duration means "do not cache".
package expiration

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sofatutor/httpcache/internal/cachecontrol"
)

// ErrInvalidExpiration is returned for expiration literals that cannot be parsed.
var ErrInvalidExpiration = errors.New("invalid expiration value")

// NeverExpire is the literal value meaning "never expires".
const NeverExpire = -1

// Kind identifies the variant held by an ExpireAfter.
type Kind uint8

const (
	// KindUnset means no value was configured at this level.
	KindUnset Kind = iota
	// KindNever means the entry never expires.
	KindNever
	// KindDuration is relative to the moment of resolution.
	KindDuration
	// KindInstant is an absolute point in time.
	KindInstant
	// KindHTTPDate is an absolute HTTP date string, parsed on resolution.
	KindHTTPDate
)

// ExpireAfter is a tagged expiration value. The zero value is unset.
type ExpireAfter struct {
	kind     Kind
	duration time.Duration
	instant  time.Time
	date     string
}

// Never returns a value that never expires.
func Never() ExpireAfter { return ExpireAfter{kind: KindNever} }

// After returns a relative expiration. After(0) means "do not cache" and
// negative durations are treated as never.
func After(d time.Duration) ExpireAfter {
	if d < 0 {
		return Never()
	}
	return ExpireAfter{kind: KindDuration, duration: d}
}

// Seconds returns a relative expiration from (possibly fractional) seconds.
// -1 means never.
func Seconds(s float64) ExpireAfter {
	if s < 0 {
		return Never()
	}
	return After(time.Duration(s * float64(time.Second)))
}

// At returns an absolute expiration. The instant is normalized to UTC.
func At(t time.Time) ExpireAfter { return ExpireAfter{kind: KindInstant, instant: t.UTC()} }

// HTTPDate returns an expiration from an HTTP date string such as the
// value of an Expires header.
func HTTPDate(s string) ExpireAfter { return ExpireAfter{kind: KindHTTPDate, date: s} }

// Parse parses a configuration literal. Accepted forms are the empty string
// (unset), "-1" or "never", integer or float seconds, Go durations
// ("90s", "1h30m"), RFC 3339 instants and HTTP dates.
func Parse(s string) (ExpireAfter, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "":
		return ExpireAfter{}, nil
	case "-1", "never":
		return Never(), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) || (f < 0 && f != NeverExpire) {
			return ExpireAfter{}, fmt.Errorf("%w: %q", ErrInvalidExpiration, s)
		}
		return Seconds(f), nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return ExpireAfter{}, fmt.Errorf("%w: negative duration %q", ErrInvalidExpiration, s)
		}
		return After(d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return At(t), nil
	}
	if _, err := http.ParseTime(s); err == nil {
		return HTTPDate(s), nil
	}
	return ExpireAfter{}, fmt.Errorf("%w: %q", ErrInvalidExpiration, s)
}

// Kind returns the variant of e.
func (e ExpireAfter) Kind() Kind { return e.kind }

// IsSet reports whether e carries a value.
func (e ExpireAfter) IsSet() bool { return e.kind != KindUnset }

// IsNever reports whether e means "never expires".
func (e ExpireAfter) IsNever() bool { return e.kind == KindNever }

// DoNotCache reports whether e is the zero duration, which disables caching.
func (e ExpireAfter) DoNotCache() bool { return e.kind == KindDuration && e.duration == 0 }

// Duration returns the relative duration for KindDuration values.
func (e ExpireAfter) Duration() time.Duration { return e.duration }

// Resolve converts e into an absolute UTC instant relative to now. A zero
// time means the entry never expires (unset and never both resolve to zero).
func (e ExpireAfter) Resolve(now time.Time) (time.Time, error) {
	switch e.kind {
	case KindUnset, KindNever:
		return time.Time{}, nil
	case KindDuration:
		return now.UTC().Add(e.duration), nil
	case KindInstant:
		return e.instant, nil
	case KindHTTPDate:
		t, err := http.ParseTime(e.date)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidExpiration, e.date)
		}
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: unknown kind %d", ErrInvalidExpiration, e.kind)
}

// String renders e in a form accepted by Parse.
func (e ExpireAfter) String() string {
	switch e.kind {
	case KindNever:
		return "-1"
	case KindDuration:
		return e.duration.String()
	case KindInstant:
		return e.instant.Format(time.RFC3339)
	case KindHTTPDate:
		return e.date
	}
	return ""
}

// First returns the first set value of candidates, in order. It is used to
// apply the precedence chain: response headers, per-request value, URL
// pattern, session default.
func First(candidates ...ExpireAfter) ExpireAfter {
	for _, c := range candidates {
		if c.IsSet() {
			return c
		}
	}
	return ExpireAfter{}
}

// FromHeaders derives an expiration from response or request caching
// headers. Cache-Control takes precedence over Expires. The result is unset
// when neither header carries a supported value.
func FromHeaders(h http.Header) ExpireAfter {
	cc := cachecontrol.FromHeader(h)
	switch {
	case cc.NoStore:
		return After(0)
	case cc.HasMaxAge():
		return After(time.Duration(cc.MaxAge) * time.Second)
	}
	if t, ok := cachecontrol.Expires(h); ok {
		return At(t)
	}
	return ExpireAfter{}
}
