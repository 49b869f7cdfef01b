package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sofatutor/httpcache/internal/cache"
	"github.com/sofatutor/httpcache/internal/config"
	"github.com/sofatutor/httpcache/internal/encryption"
	"github.com/sofatutor/httpcache/internal/expiration"
	"github.com/sofatutor/httpcache/internal/storage/memory"
)

const testToken = "test-management-token"

type testEnv struct {
	srv  *Server
	ctrl *cache.Controller
	reg  *prometheus.Registry
	now  time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{reg: prometheus.NewRegistry(), now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}

	settings := cache.DefaultSettings()
	ctrl, err := cache.New(memory.New(), memory.New(), settings,
		cache.WithClock(func() time.Time { return env.now }),
		cache.WithMetrics(cache.NewMetrics(env.reg, settings.CacheName)))
	require.NoError(t, err)
	env.ctrl = ctrl

	cfg := config.DefaultConfig()
	cfg.ManagementToken = testToken
	cfg.Backend = "memory"
	srv, err := New(cfg, ctrl, env.reg, nil)
	require.NoError(t, err)
	env.srv = srv
	return env
}

// store caches a 200 response for rawURL and returns its key.
func (e *testEnv) store(t *testing.T, rawURL string, expireAfter expiration.ExpireAfter, header http.Header) string {
	t.Helper()
	ctx := context.Background()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	cached, acts, err := e.ctrl.Request(ctx, req, cache.RequestOptions{ExpireAfter: expireAfter})
	require.NoError(t, err)
	require.Nil(t, cached)
	if header == nil {
		header = http.Header{}
	}
	res := &http.Response{
		StatusCode: http.StatusOK,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader("hello")),
		Request:    req,
	}
	saved, err := e.ctrl.SaveResponse(ctx, res, acts)
	require.NoError(t, err)
	require.True(t, saved)
	return acts.Key
}

func (e *testEnv) do(t *testing.T, method, path, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestNew_RequiresToken(t *testing.T) {
	ctrl, err := cache.New(memory.New(), memory.New(), cache.DefaultSettings())
	require.NoError(t, err)

	_, err = New(config.DefaultConfig(), ctrl, nil, nil)
	assert.ErrorIs(t, err, ErrMissingToken)

	cfg := config.DefaultConfig()
	cfg.ManagementToken = testToken
	_, err = New(cfg, nil, nil, nil)
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/healthz", "", false)
	require.Equal(t, http.StatusOK, w.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, Version, body.Version)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestManagementAuth(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"not bearer", "Basic abc"},
		{"empty bearer", "Bearer "},
		{"wrong token", "Bearer nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/cache/stats", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			env.srv.Handler().ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}

	w := env.do(t, http.MethodGet, "/cache/stats", "", true)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestManagementAuth_HashedToken(t *testing.T) {
	hasher, err := encryption.NewTokenHasherWithCost(bcrypt.MinCost)
	require.NoError(t, err)
	hashed, err := hasher.HashToken(testToken)
	require.NoError(t, err)

	env := newTestEnv(t)
	env.srv.config.ManagementToken = hashed

	w := env.do(t, http.MethodGet, "/cache/stats", "", true)
	assert.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/cache/stats", nil)
	req.Header.Set("Authorization", "Bearer "+hashed)
	w = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	env.store(t, "https://example.com/a", expiration.ExpireAfter{}, nil)
	env.store(t, "https://example.com/b", expiration.ExpireAfter{}, nil)

	w := env.do(t, http.MethodGet, "/cache/stats", "", true)
	require.Equal(t, http.StatusOK, w.Code)

	var stats StatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, "http_cache", stats.CacheName)
	assert.Equal(t, "memory", stats.Backend)
	assert.Equal(t, 2, stats.Responses)
	assert.Equal(t, 0, stats.Redirects)
}

func TestGetResponse(t *testing.T) {
	env := newTestEnv(t)
	header := http.Header{}
	header.Set("Content-Type", "text/plain")
	header.Set("Set-Cookie", "session=secret")
	key := env.store(t, "https://example.com/a", expiration.After(time.Hour), header)

	w := env.do(t, http.MethodGet, "/cache/responses/"+key, "", true)
	require.Equal(t, http.StatusOK, w.Code)

	var view ResponseView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, key, view.Key)
	assert.Equal(t, "https://example.com/a", view.URL)
	assert.Equal(t, http.StatusOK, view.StatusCode)
	assert.Equal(t, 5, view.BodySize)
	assert.False(t, view.Expired)
	require.NotNil(t, view.TTLSeconds)
	assert.InDelta(t, time.Hour.Seconds(), *view.TTLSeconds, 1)
	require.NotNil(t, view.Expires)
	assert.Equal(t, "text/plain", view.Header.Get("Content-Type"))
	assert.Equal(t, "****", view.Header.Get("Set-Cookie"))
	assert.NotContains(t, w.Body.String(), "session=secret")

	w = env.do(t, http.MethodGet, "/cache/responses/unknown", "", true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetResponse_NeverExpires(t *testing.T) {
	env := newTestEnv(t)
	key := env.store(t, "https://example.com/forever", expiration.ExpireAfter{}, nil)

	w := env.do(t, http.MethodGet, "/cache/responses/"+key, "", true)
	require.Equal(t, http.StatusOK, w.Code)
	var view ResponseView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Nil(t, view.Expires)
	assert.Nil(t, view.TTLSeconds)
}

func TestDeleteResponse(t *testing.T) {
	env := newTestEnv(t)
	key := env.store(t, "https://example.com/a", expiration.ExpireAfter{}, nil)

	w := env.do(t, http.MethodDelete, "/cache/responses/"+key, "", true)
	assert.Equal(t, http.StatusNoContent, w.Code)

	ok, err := env.ctrl.Contains(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)

	w = env.do(t, http.MethodDelete, "/cache/responses/"+key, "", true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteExpired(t *testing.T) {
	env := newTestEnv(t)
	env.store(t, "https://example.com/short", expiration.After(time.Minute), nil)
	env.store(t, "https://example.com/long", expiration.After(time.Hour), nil)
	env.now = env.now.Add(10 * time.Minute)

	w := env.do(t, http.MethodDelete, "/cache/expired", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deleted":1}`, w.Body.String())

	n, err := env.ctrl.ResponseCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestResetExpiration(t *testing.T) {
	env := newTestEnv(t)
	key := env.store(t, "https://example.com/a", expiration.ExpireAfter{}, nil)

	w := env.do(t, http.MethodPost, "/cache/expiration", `{"expire_after":"30m"}`, true)
	require.Equal(t, http.StatusNoContent, w.Code)

	resp, err := env.ctrl.GetResponse(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.True(t, env.now.Add(30*time.Minute).Equal(resp.Expires))

	w = env.do(t, http.MethodPost, "/cache/expiration", `{"expire_after":"someday"}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, http.MethodPost, "/cache/expiration", `{}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestClear(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.store(t, fmt.Sprintf("https://example.com/%d", i), expiration.ExpireAfter{}, nil)
	}

	w := env.do(t, http.MethodDelete, "/cache", "", true)
	assert.Equal(t, http.StatusNoContent, w.Code)

	n, err := env.ctrl.ResponseCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.store(t, "https://example.com/a", expiration.ExpireAfter{}, nil)

	w := env.do(t, http.MethodGet, "/metrics", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `httpcache_misses_total{cache="http_cache"} 1`)
	assert.Contains(t, w.Body.String(), `httpcache_stores_total{cache="http_cache"} 1`)
}
