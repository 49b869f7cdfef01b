// Package session wraps an *http.Client with the cache controller. The
// caller builds the client and passes it in; nothing global is patched.
package session

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/sofatutor/httpcache/internal/actions"
	"github.com/sofatutor/httpcache/internal/cache"
	"github.com/sofatutor/httpcache/internal/expiration"
)

// HeaderFromCache is set to "true" on responses served from the cache.
const HeaderFromCache = "X-From-Cache"

// Option configures a Session.
type Option func(*Session)

// WithClient sets the client used for real requests. The default is a
// client with no timeout and no cookie jar.
func WithClient(c *http.Client) Option {
	return func(s *Session) { s.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// Session sends requests through the cache.
type Session struct {
	ctrl   *cache.Controller
	client *http.Client
	logger *zap.Logger
}

// New returns a session backed by ctrl.
func New(ctrl *cache.Controller, opts ...Option) *Session {
	s := &Session{ctrl: ctrl, client: &http.Client{}, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Controller returns the cache controller of the session.
func (s *Session) Controller() *cache.Controller { return s.ctrl }

// RequestOption configures a single request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	cache.RequestOptions
	onlyIfCached bool
}

// WithExpireAfter overrides URL patterns and the session default for one
// request.
func WithExpireAfter(e expiration.ExpireAfter) RequestOption {
	return func(o *requestOptions) { o.ExpireAfter = e }
}

// WithRefresh revalidates any cached response with the origin.
func WithRefresh() RequestOption {
	return func(o *requestOptions) { o.Refresh = true }
}

// OnlyIfCached never contacts the origin; a miss yields 504 Gateway Timeout.
func OnlyIfCached() RequestOption {
	return func(o *requestOptions) { o.onlyIfCached = true }
}

// Get sends a GET request for rawURL.
func (s *Session) Get(ctx context.Context, rawURL string, opts ...RequestOption) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return s.Do(req, opts...)
}

// Do serves req from the cache when possible and otherwise sends it,
// saving the response when it is cacheable. Errors of the cache layer other
// than an invalid signature are logged and do not fail the request.
func (s *Session) Do(req *http.Request, opts ...RequestOption) (*http.Response, error) {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}
	ctx := req.Context()

	cached, acts, err := s.ctrl.Request(ctx, req, o.RequestOptions)
	if err != nil {
		return nil, err
	}
	now := s.ctrl.Now()
	if cached != nil && !acts.Revalidate && !cached.IsExpired(now) {
		return s.fromCache(req, cached), nil
	}
	if o.onlyIfCached {
		if cached != nil {
			return s.fromCache(req, cached), nil
		}
		return gatewayTimeout(req), nil
	}

	out := req
	if cached != nil {
		if validators := actions.ConditionalHeaders(cached.Header); len(validators) > 0 {
			out = req.Clone(ctx)
			for k, v := range validators {
				out.Header[k] = v
			}
		}
	}

	res, err := s.client.Do(out)
	if err != nil {
		if cached != nil && s.ctrl.Settings().StaleIfError {
			s.logger.Warn("Serving stale response after request error",
				zap.String("url", req.URL.String()), zap.Error(err))
			return s.fromCache(req, cached), nil
		}
		return nil, err
	}

	if cached != nil {
		if res.StatusCode == http.StatusNotModified {
			discard(res)
			updated, err := s.ctrl.Revalidated(ctx, cached, res, acts)
			if err != nil {
				s.logger.Warn("Failed to refresh revalidated response", zap.String("key", acts.Key), zap.Error(err))
				updated = cached
			}
			return s.fromCache(req, updated), nil
		}
		if res.StatusCode >= http.StatusInternalServerError && s.ctrl.Settings().StaleIfError {
			s.logger.Warn("Serving stale response after server error",
				zap.String("url", req.URL.String()), zap.Int("status", res.StatusCode))
			discard(res)
			return s.fromCache(req, cached), nil
		}
	}

	if _, err := s.ctrl.SaveResponse(ctx, res, acts); err != nil {
		s.logger.Warn("Failed to save response", zap.String("key", acts.Key), zap.Error(err))
	}
	return res, nil
}

// fromCache rebuilds the response and restores its cookies into the jar.
func (s *Session) fromCache(req *http.Request, cached *cache.StoredResponse) *http.Response {
	if s.client.Jar != nil && len(cached.Cookies) > 0 {
		s.client.Jar.SetCookies(req.URL, cached.Cookies)
	}
	res := cached.HTTPResponse(req)
	res.Header.Set(HeaderFromCache, "true")
	return res
}

func gatewayTimeout(req *http.Request) *http.Response {
	body := http.StatusText(http.StatusGatewayTimeout)
	return &http.Response{
		Status:        "504 " + body,
		StatusCode:    http.StatusGatewayTimeout,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func discard(res *http.Response) {
	_, _ = io.Copy(io.Discard, res.Body)
	_ = res.Body.Close()
	res.Body = io.NopCloser(bytes.NewReader(nil))
}
