// Package actions decides, per request, whether the cache may be read,
// whether a fresh response may be written and when it will expire.
package actions

import (
	"net/http"
	"time"

	"github.com/sofatutor/httpcache/internal/cachecontrol"
	"github.com/sofatutor/httpcache/internal/expiration"
)

// Settings are the session level inputs to the decision.
type Settings struct {
	Disabled        bool
	CacheControl    bool
	ExpireAfter     expiration.ExpireAfter
	URLsExpireAfter expiration.URLPatterns
}

// RequestInfo describes the outgoing request.
type RequestInfo struct {
	Method string
	URL    string
	Header http.Header
	// ExpireAfter overrides URL patterns and the session default.
	ExpireAfter expiration.ExpireAfter
	// Refresh asks for revalidation of any cached response.
	Refresh bool
}

// CacheActions is the request scoped decision record.
type CacheActions struct {
	CacheControl bool
	ExpireAfter  expiration.ExpireAfter
	// ExpiresAt is ExpireAfter resolved at decision time; zero means never.
	ExpiresAt  time.Time
	Key        string
	Revalidate bool
	SkipRead   bool
	SkipWrite  bool
}

// FromRequest computes the actions for a request before the cache is read.
// Relative expirations are resolved against now.
func FromRequest(key string, req RequestInfo, s Settings, now time.Time) *CacheActions {
	a := &CacheActions{Key: key, CacheControl: s.CacheControl}

	if s.Disabled {
		a.SkipRead = true
		a.SkipWrite = true
		return a
	}

	if s.CacheControl {
		cc := cachecontrol.FromHeader(req.Header)
		if cc.Recognized() {
			switch {
			case cc.NoStore || cc.MaxAge == 0:
				a.SkipRead = true
				a.SkipWrite = true
				return a
			case cc.NoCache:
				a.SkipRead = true
			}
			if cc.HasMaxAge() {
				a.setExpiration(expiration.After(time.Duration(cc.MaxAge)*time.Second), now)
			} else {
				a.setExpiration(settingsExpiration(req, s), now)
			}
			if a.ExpireAfter.DoNotCache() {
				a.SkipRead = true
				a.SkipWrite = true
			}
			return a
		}
	}

	a.setExpiration(settingsExpiration(req, s), now)
	if a.ExpireAfter.DoNotCache() {
		a.SkipRead = true
		a.SkipWrite = true
		return a
	}
	a.Revalidate = req.Refresh
	return a
}

func settingsExpiration(req RequestInfo, s Settings) expiration.ExpireAfter {
	return expiration.First(
		req.ExpireAfter,
		s.URLsExpireAfter.Match(req.URL),
		s.ExpireAfter,
	)
}

// setExpiration records e and its resolved instant. An expiration that cannot
// be resolved disables writing rather than storing an entry with a wrong
// lifetime.
func (a *CacheActions) setExpiration(e expiration.ExpireAfter, now time.Time) {
	a.ExpireAfter = e
	t, err := e.Resolve(now)
	if err != nil {
		a.ExpiresAt = time.Time{}
		a.SkipWrite = true
		return
	}
	a.ExpiresAt = t
}

// UpdateFromResponse folds the response's caching headers into the actions.
// It only has an effect when header based cache control is enabled.
func (a *CacheActions) UpdateFromResponse(h http.Header, now time.Time) {
	if !a.CacheControl {
		return
	}
	if e := expiration.FromHeaders(h); e.IsSet() {
		a.setExpiration(e, now)
	}

	cc := cachecontrol.FromHeader(h)
	if cc.NoStore || cc.MaxAge == 0 {
		a.SkipWrite = true
		a.Revalidate = true
	}
	if cc.NoCache {
		a.Revalidate = true
	}
	if a.ExpireAfter.DoNotCache() {
		a.SkipWrite = true
	}
}

// IsExpired reports whether the resolved expiration is already in the past.
func (a *CacheActions) IsExpired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt)
}

// ConditionalHeaders returns the validators to send when revalidating a
// cached response with the given headers. The result is empty when the
// cached response carries neither ETag nor Last-Modified.
func ConditionalHeaders(cached http.Header) http.Header {
	h := http.Header{}
	if etag := cached.Get("ETag"); etag != "" {
		h.Set("If-None-Match", etag)
	}
	if lm := cached.Get("Last-Modified"); lm != "" {
		h.Set("If-Modified-Since", lm)
	}
	return h
}
