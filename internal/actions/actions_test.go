package actions

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sofatutor/httpcache/internal/expiration"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func header(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Add(kv[i], kv[i+1])
	}
	return h
}

func TestFromRequest_Disabled(t *testing.T) {
	a := FromRequest("k", RequestInfo{Method: "GET", URL: "https://example.com"}, Settings{Disabled: true}, now)
	assert.True(t, a.SkipRead)
	assert.True(t, a.SkipWrite)
	assert.Equal(t, "k", a.Key)
}

func TestFromRequest_RequestHeaders(t *testing.T) {
	tests := []struct {
		name      string
		cc        string
		skipRead  bool
		skipWrite bool
		expiresAt time.Time
	}{
		{"no-store", "no-store", true, true, time.Time{}},
		{"max-age zero", "max-age=0", true, true, now},
		{"no-cache", "no-cache", true, false, time.Time{}},
		{"max-age", "max-age=60", false, false, now.Add(time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := FromRequest("k", RequestInfo{URL: "https://example.com", Header: header("Cache-Control", tt.cc)},
				Settings{CacheControl: true}, now)
			assert.Equal(t, tt.skipRead, a.SkipRead)
			assert.Equal(t, tt.skipWrite, a.SkipWrite)
			if !tt.skipWrite {
				assert.True(t, tt.expiresAt.Equal(a.ExpiresAt))
			}
		})
	}
}

func TestFromRequest_RequestHeadersIgnoredWithoutCacheControl(t *testing.T) {
	a := FromRequest("k", RequestInfo{URL: "https://example.com", Header: header("Cache-Control", "no-store")},
		Settings{ExpireAfter: expiration.After(time.Hour)}, now)
	assert.False(t, a.SkipRead)
	assert.False(t, a.SkipWrite)
	assert.Equal(t, now.Add(time.Hour), a.ExpiresAt)
}

func TestFromRequest_Precedence(t *testing.T) {
	var patterns expiration.URLPatterns
	require.NoError(t, patterns.Add("example.com/api", expiration.After(2*time.Hour)))
	s := Settings{ExpireAfter: expiration.After(time.Hour), URLsExpireAfter: patterns}

	a := FromRequest("k", RequestInfo{URL: "https://example.com/other"}, s, now)
	assert.Equal(t, now.Add(time.Hour), a.ExpiresAt, "session default")

	a = FromRequest("k", RequestInfo{URL: "https://example.com/api/x"}, s, now)
	assert.Equal(t, now.Add(2*time.Hour), a.ExpiresAt, "url pattern")

	a = FromRequest("k", RequestInfo{URL: "https://example.com/api/x", ExpireAfter: expiration.After(3 * time.Hour)}, s, now)
	assert.Equal(t, now.Add(3*time.Hour), a.ExpiresAt, "per request")

	a = FromRequest("k", RequestInfo{URL: "https://example.com/api/x", ExpireAfter: expiration.Never()}, s, now)
	assert.True(t, a.ExpiresAt.IsZero(), "never")
}

func TestFromRequest_DoNotCache(t *testing.T) {
	a := FromRequest("k", RequestInfo{URL: "https://example.com", Refresh: true},
		Settings{ExpireAfter: expiration.After(0)}, now)
	assert.True(t, a.SkipRead)
	assert.True(t, a.SkipWrite)
	assert.False(t, a.Revalidate)

	a = FromRequest("k", RequestInfo{URL: "https://example.com", Header: header("Cache-Control", "no-cache")},
		Settings{CacheControl: true, ExpireAfter: expiration.After(0)}, now)
	assert.True(t, a.SkipWrite)
}

func TestFromRequest_Refresh(t *testing.T) {
	a := FromRequest("k", RequestInfo{URL: "https://example.com", Refresh: true}, Settings{}, now)
	assert.True(t, a.Revalidate)
	assert.False(t, a.SkipRead)
	assert.False(t, a.SkipWrite)
}

func TestFromRequest_UnresolvableExpirationSkipsWrite(t *testing.T) {
	a := FromRequest("k", RequestInfo{URL: "https://example.com", ExpireAfter: expiration.HTTPDate("bogus")}, Settings{}, now)
	assert.True(t, a.SkipWrite)
}

func TestUpdateFromResponse(t *testing.T) {
	base := func() *CacheActions {
		return FromRequest("k", RequestInfo{URL: "https://example.com"},
			Settings{CacheControl: true, ExpireAfter: expiration.After(time.Hour)}, now)
	}

	a := base()
	a.UpdateFromResponse(header("Cache-Control", "max-age=10"), now)
	assert.Equal(t, now.Add(10*time.Second), a.ExpiresAt)
	assert.False(t, a.SkipWrite)

	a = base()
	a.UpdateFromResponse(header("Expires", "Wed, 21 Oct 2015 07:28:00 GMT"), now)
	assert.True(t, a.IsExpired(now))

	a = base()
	a.UpdateFromResponse(header("Cache-Control", "no-store"), now)
	assert.True(t, a.SkipWrite)
	assert.True(t, a.Revalidate)

	a = base()
	a.UpdateFromResponse(header("Cache-Control", "max-age=0"), now)
	assert.True(t, a.SkipWrite)
	assert.True(t, a.Revalidate)

	a = base()
	a.UpdateFromResponse(header("Cache-Control", "no-cache"), now)
	assert.False(t, a.SkipWrite)
	assert.True(t, a.Revalidate)

	a = base()
	a.UpdateFromResponse(http.Header{}, now)
	assert.Equal(t, now.Add(time.Hour), a.ExpiresAt)
}

func TestUpdateFromResponse_DisabledCacheControl(t *testing.T) {
	a := FromRequest("k", RequestInfo{URL: "https://example.com"}, Settings{ExpireAfter: expiration.After(time.Hour)}, now)
	a.UpdateFromResponse(header("Cache-Control", "no-store"), now)
	assert.False(t, a.SkipWrite)
	assert.Equal(t, now.Add(time.Hour), a.ExpiresAt)
}

func TestConditionalHeaders(t *testing.T) {
	assert.Empty(t, ConditionalHeaders(http.Header{}))

	h := ConditionalHeaders(header("ETag", `"abc"`, "Last-Modified", "Wed, 21 Oct 2015 07:28:00 GMT"))
	assert.Equal(t, `"abc"`, h.Get("If-None-Match"))
	assert.Equal(t, "Wed, 21 Oct 2015 07:28:00 GMT", h.Get("If-Modified-Since"))
}
