// Package cache implements the cache controller: it owns the responses and
// redirects stores, applies the cache action engine and manages redirect
// aliases, expiration sweeps and deletion with history cleanup.
package cache

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sofatutor/httpcache/internal/actions"
	"github.com/sofatutor/httpcache/internal/cachekey"
	"github.com/sofatutor/httpcache/internal/expiration"
	"github.com/sofatutor/httpcache/internal/storage"
)

// Settings configure a Controller.
type Settings struct {
	CacheName       string
	ExpireAfter     expiration.ExpireAfter
	URLsExpireAfter expiration.URLPatterns
	AllowedCodes    []int
	AllowedMethods  []string
	IncludeHeaders  bool
	IgnoredParams   []string
	// CacheControl lets request and response Cache-Control and Expires
	// headers override the configured expiration.
	CacheControl bool
	// Filter is an extra cacheability predicate. A panicking filter makes
	// the response uncacheable.
	Filter   func(*StoredResponse) bool
	Disabled bool
	// StaleIfError keeps expired entries so they can be served when the
	// origin fails.
	StaleIfError bool
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		CacheName:      "http_cache",
		AllowedCodes:   []int{http.StatusOK},
		AllowedMethods: []string{http.MethodGet, http.MethodHead},
	}
}

// RequestOptions are per-request overrides.
type RequestOptions struct {
	ExpireAfter expiration.ExpireAfter
	Refresh     bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithMetrics enables Prometheus counters.
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.clock = now }
}

// WithCodec sets the codec used for stored responses. The default is
// storage.JSONCodec.
func WithCodec(codec storage.Codec) Option {
	return func(c *Controller) { c.codec = codec }
}

// Controller is safe for concurrent use.
type Controller struct {
	responses *storage.Map[*StoredResponse]
	redirects storage.Store
	settings  Settings

	allowedCodes   map[int]struct{}
	allowedMethods map[string]struct{}

	logger  *zap.Logger
	metrics *Metrics
	clock   func() time.Time
	codec   storage.Codec
}

// New returns a controller over the two stores. Empty AllowedCodes and
// AllowedMethods fall back to DefaultSettings.
func New(responses, redirects storage.Store, settings Settings, opts ...Option) (*Controller, error) {
	if responses == nil || redirects == nil {
		return nil, errors.New("cache: responses and redirects stores are required")
	}
	defaults := DefaultSettings()
	if settings.CacheName == "" {
		settings.CacheName = defaults.CacheName
	}
	if len(settings.AllowedCodes) == 0 {
		settings.AllowedCodes = defaults.AllowedCodes
	}
	if len(settings.AllowedMethods) == 0 {
		settings.AllowedMethods = defaults.AllowedMethods
	}

	c := &Controller{
		redirects:      redirects,
		settings:       settings,
		allowedCodes:   make(map[int]struct{}, len(settings.AllowedCodes)),
		allowedMethods: make(map[string]struct{}, len(settings.AllowedMethods)),
		logger:         zap.NewNop(),
		clock:          time.Now,
	}
	for _, code := range settings.AllowedCodes {
		c.allowedCodes[code] = struct{}{}
	}
	for _, m := range settings.AllowedMethods {
		c.allowedMethods[strings.ToUpper(m)] = struct{}{}
	}
	for _, opt := range opts {
		opt(c)
	}
	c.responses = storage.NewMap[*StoredResponse](responses, c.codec)
	return c, nil
}

// Settings returns a copy of the controller settings.
func (c *Controller) Settings() Settings { return c.settings }

// Now returns the current time in UTC according to the controller clock.
func (c *Controller) Now() time.Time { return c.clock().UTC() }

func (c *Controller) keyOptions() cachekey.Options {
	return cachekey.Options{
		IncludeHeaders: c.settings.IncludeHeaders,
		IgnoredParams:  c.settings.IgnoredParams,
	}
}

// CreateKey returns the cache key of r. The request body is restored.
func (c *Controller) CreateKey(r *http.Request) (string, error) {
	req, err := cachekey.FromHTTPRequest(r)
	if err != nil {
		return "", err
	}
	return cachekey.CreateKey(req, c.keyOptions())
}

// KeyFor returns the cache key of an already extracted request.
func (c *Controller) KeyFor(req cachekey.Request) (string, error) {
	return cachekey.CreateKey(req, c.keyOptions())
}

func (c *Controller) actionSettings() actions.Settings {
	return actions.Settings{
		Disabled:        c.settings.Disabled,
		CacheControl:    c.settings.CacheControl,
		ExpireAfter:     c.settings.ExpireAfter,
		URLsExpireAfter: c.settings.URLsExpireAfter,
	}
}

// Request decides the cache actions for r and, unless the read is skipped,
// looks up a cached response. A nil response means the real request must be
// sent.
func (c *Controller) Request(ctx context.Context, r *http.Request, opts RequestOptions) (*StoredResponse, *actions.CacheActions, error) {
	key, err := c.CreateKey(r)
	if err != nil {
		return nil, nil, err
	}
	acts := actions.FromRequest(key, actions.RequestInfo{
		Method:      r.Method,
		URL:         r.URL.String(),
		Header:      r.Header,
		ExpireAfter: opts.ExpireAfter,
		Refresh:     opts.Refresh,
	}, c.actionSettings(), c.Now())

	if acts.SkipRead {
		c.metrics.bypass()
		return nil, acts, nil
	}

	resp, err := c.GetResponse(ctx, key)
	if err != nil {
		return nil, acts, err
	}
	if resp == nil {
		c.metrics.miss()
		return nil, acts, nil
	}
	c.metrics.hit()
	return resp, acts, nil
}

// GetResponse returns the response stored under key, following a redirect
// alias when key is not a response key. Entries that fail to decode read as
// a miss; signature failures are returned as errors. Entries that no longer
// pass the cacheability rules are deleted. Expired entries are deleted too,
// unless StaleIfError is set: then they are returned and the caller must
// check IsExpired.
func (c *Controller) GetResponse(ctx context.Context, key string) (*StoredResponse, error) {
	resp, err := c.read(ctx, key)
	if err != nil || resp == nil {
		return nil, err
	}

	if !c.matches(resp) {
		c.logger.Debug("Deleting cached response that is no longer cacheable", zap.String("key", key))
		return nil, c.Delete(ctx, key)
	}
	if resp.IsExpired(c.Now()) && !c.settings.StaleIfError {
		c.logger.Debug("Deleting expired cached response", zap.String("key", key))
		return nil, c.Delete(ctx, key)
	}
	return resp, nil
}

// read looks key up in responses, then through redirects.
func (c *Controller) read(ctx context.Context, key string) (*StoredResponse, error) {
	resp, ok, err := c.responses.Get(ctx, key)
	if err == nil && !ok {
		target, aliased, aerr := c.redirects.Read(ctx, key)
		if aerr != nil {
			return nil, aerr
		}
		if aliased {
			resp, ok, err = c.responses.Get(ctx, string(target))
		}
	}
	if err != nil {
		if errors.Is(err, storage.ErrSignatureInvalid) {
			return nil, err
		}
		if storage.IsDecodeError(err) {
			c.metrics.readError()
			c.logger.Debug("Unable to decode cached response", zap.String("key", key), zap.Error(err))
			return nil, nil
		}
		return nil, err
	}
	if !ok || resp == nil {
		return nil, nil
	}
	return resp, nil
}

// SaveResponse folds the response headers into acts and, if the response
// is cacheable, stores it under acts.Key together with an alias for every
// request in its redirect history. The response body is restored.
func (c *Controller) SaveResponse(ctx context.Context, res *http.Response, acts *actions.CacheActions) (bool, error) {
	now := c.Now()
	acts.UpdateFromResponse(res.Header, now)

	stored, err := NewStoredResponse(res, acts.ExpiresAt, now)
	if err != nil {
		return false, err
	}
	if !c.IsCacheable(stored, acts) {
		c.logger.Debug("Response not cacheable",
			zap.String("key", acts.Key),
			zap.Int("status", stored.StatusCode),
			zap.Bool("skip_write", acts.SkipWrite))
		return false, nil
	}

	if err := c.responses.SetExpiring(ctx, acts.Key, stored, stored.Expires); err != nil {
		return false, fmt.Errorf("cache: write response: %w", err)
	}
	if err := c.writeAliases(ctx, []aliasSet{{key: acts.Key, resp: stored}}, false); err != nil {
		return true, err
	}
	c.metrics.stored()
	return true, nil
}

// aliasSet is a response key together with the response whose redirect
// history aliases it.
type aliasSet struct {
	key  string
	resp *StoredResponse
}

// writeAliases points every request in each response's history at its key,
// expiring with the response, in one bulk scope. With refresh set, aliases
// that meanwhile point at another response are left alone.
func (c *Controller) writeAliases(ctx context.Context, sets []aliasSet, refresh bool) error {
	if len(sets) == 0 {
		return nil
	}
	err := storage.Bulk(ctx, c.redirects, func(redirects storage.Store) error {
		for _, set := range sets {
			for _, h := range set.resp.History {
				hk, err := c.historyKey(h)
				if err != nil {
					c.logger.Warn("Skipping redirect alias", zap.String("url", h.URL), zap.Error(err))
					continue
				}
				if hk == set.key {
					continue
				}
				if refresh {
					target, ok, err := redirects.Read(ctx, hk)
					if err != nil {
						return err
					}
					if ok && string(target) != set.key {
						continue
					}
				}
				if err := storage.WriteExpiring(ctx, redirects, hk, []byte(set.key), set.resp.Expires); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: write redirect alias: %w", err)
	}
	return nil
}

// Revalidated refreshes a cached response after the origin answered a
// conditional request with 304 Not Modified: headers from the 304 are
// merged in and the new expiration is written back.
func (c *Controller) Revalidated(ctx context.Context, cached *StoredResponse, notModified *http.Response, acts *actions.CacheActions) (*StoredResponse, error) {
	now := c.Now()
	acts.UpdateFromResponse(notModified.Header, now)

	updated := *cached
	updated.Header = cached.Header.Clone()
	for k, v := range cloneHeadersForCache(notModified.Header) {
		updated.Header[k] = v
	}
	updated.Expires = acts.ExpiresAt

	if acts.SkipWrite || !c.IsCacheable(&updated, acts) {
		return &updated, c.Delete(ctx, acts.Key)
	}
	key, err := c.resolveKey(ctx, acts.Key)
	if err != nil {
		return nil, err
	}
	if err := c.responses.SetExpiring(ctx, key, &updated, updated.Expires); err != nil {
		return nil, fmt.Errorf("cache: write response: %w", err)
	}
	if err := c.writeAliases(ctx, []aliasSet{{key: key, resp: &updated}}, true); err != nil {
		return nil, err
	}
	return &updated, nil
}

// resolveKey returns the responses key that key reads from: key itself, or
// the target of the redirect alias stored under it.
func (c *Controller) resolveKey(ctx context.Context, key string) (string, error) {
	ok, err := c.responses.Store.Contains(ctx, key)
	if err != nil {
		return "", fmt.Errorf("cache: read response: %w", err)
	}
	if ok {
		return key, nil
	}
	target, aliased, err := c.redirects.Read(ctx, key)
	if err != nil {
		return "", fmt.Errorf("cache: read redirect: %w", err)
	}
	if aliased {
		return string(target), nil
	}
	return key, nil
}

func (c *Controller) historyKey(h StoredRequest) (string, error) {
	return c.KeyFor(cachekey.Request{Method: h.Method, URL: h.URL, Header: h.Header})
}

// IsCacheable reports whether resp may be stored: caching is enabled, the
// method and status are allowed, the filter passes, acts (if any) does not
// skip the write and resp is not already expired.
func (c *Controller) IsCacheable(resp *StoredResponse, acts *actions.CacheActions) bool {
	if resp == nil || c.settings.Disabled {
		return false
	}
	if acts != nil && acts.SkipWrite {
		return false
	}
	return c.matches(resp) && !resp.IsExpired(c.Now())
}

// matches applies the method, status and filter rules shared by the read
// and write paths.
func (c *Controller) matches(resp *StoredResponse) bool {
	if _, ok := c.allowedMethods[strings.ToUpper(resp.Method)]; !ok {
		return false
	}
	if _, ok := c.allowedCodes[resp.StatusCode]; !ok {
		return false
	}
	return c.passesFilter(resp)
}

func (c *Controller) passesFilter(resp *StoredResponse) (ok bool) {
	if c.settings.Filter == nil {
		return true
	}
	defer func() {
		if p := recover(); p != nil {
			c.logger.Warn("Cache filter panicked", zap.Any("panic", p), zap.String("url", resp.URL))
			ok = false
		}
	}()
	return c.settings.Filter(resp)
}

// Contains reports whether key is stored as a response or a redirect alias.
func (c *Controller) Contains(ctx context.Context, key string) (bool, error) {
	ok, err := c.responses.Store.Contains(ctx, key)
	if err != nil || ok {
		return ok, err
	}
	return c.redirects.Contains(ctx, key)
}

// Delete removes the responses at keys (or at the keys they alias) and the
// redirect aliases named by their history. Other aliases pointing at them
// read as a miss until DeleteExpiredResponses sweeps them. Missing keys are
// ignored.
func (c *Controller) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.deleteKeys(ctx, keys, false)
}

// DeleteURLs deletes the responses of the given method for each URL.
func (c *Controller) DeleteURLs(ctx context.Context, method string, urls ...string) error {
	keys := make([]string, 0, len(urls))
	for _, u := range urls {
		k, err := c.KeyFor(cachekey.Request{Method: method, URL: u})
		if err != nil {
			return err
		}
		keys = append(keys, k)
	}
	return c.Delete(ctx, keys...)
}

// deleteKeys deletes the responses at keys or at the keys they alias, the
// aliases named by their redirect history and the aliases under keys. With
// sweep set, the whole redirects store is scanned as well for aliases whose
// target is gone.
func (c *Controller) deleteKeys(ctx context.Context, keys []string, sweep bool) error {
	targets := make(map[string]struct{}, len(keys))
	err := storage.Bulk(ctx, c.redirects, func(redirects storage.Store) error {
		for _, key := range keys {
			targets[key] = struct{}{}
			target, ok, err := redirects.Read(ctx, key)
			if err != nil {
				return err
			}
			if ok {
				targets[string(target)] = struct{}{}
				if err := redirects.Delete(ctx, key); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: delete: %w", err)
	}

	// alias key -> target it must still point at to be deleted
	aliases := map[string]string{}
	err = storage.Bulk(ctx, c.responses.Store, func(s storage.Store) error {
		responses := storage.NewMap[*StoredResponse](s, c.responses.Codec)
		for key := range targets {
			// A decode failure only loses the history cleanup; the sweep in
			// DeleteExpiredResponses still catches the aliases.
			resp, ok, err := responses.Get(ctx, key)
			if err == nil && ok && resp != nil {
				for _, h := range resp.History {
					if hk, err := c.historyKey(h); err == nil {
						aliases[hk] = key
					}
				}
			} else if err != nil && !storage.IsDecodeError(err) && !errors.Is(err, storage.ErrSignatureInvalid) {
				return err
			}
			if err := s.Delete(ctx, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: delete: %w", err)
	}

	if sweep {
		if err := c.findBrokenAliases(ctx, targets, aliases); err != nil {
			return err
		}
	}
	if len(aliases) == 0 {
		return nil
	}

	err = storage.Bulk(ctx, c.redirects, func(redirects storage.Store) error {
		for alias, want := range aliases {
			target, ok, err := redirects.Read(ctx, alias)
			if err != nil {
				return err
			}
			if !ok || string(target) != want {
				continue
			}
			if err := redirects.Delete(ctx, alias); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: delete redirect: %w", err)
	}
	return nil
}

// findBrokenAliases adds to aliases every stored alias that points at a
// deleted key or at a key missing from the responses store.
func (c *Controller) findBrokenAliases(ctx context.Context, deleted map[string]struct{}, aliases map[string]string) error {
	keys, err := storage.Collect(c.redirects.Keys(ctx))
	if err != nil {
		return fmt.Errorf("cache: list redirects: %w", err)
	}
	for _, alias := range keys {
		target, ok, err := c.redirects.Read(ctx, alias)
		if err != nil {
			return fmt.Errorf("cache: read redirect: %w", err)
		}
		if !ok {
			continue
		}
		_, gone := deleted[string(target)]
		if !gone {
			exists, err := c.responses.Store.Contains(ctx, string(target))
			if err != nil {
				return fmt.Errorf("cache: read redirect target: %w", err)
			}
			gone = !exists
		}
		if gone {
			aliases[alias] = string(target)
		}
	}
	return nil
}

// Clear empties both stores.
func (c *Controller) Clear(ctx context.Context) error {
	if err := c.responses.Store.Clear(ctx); err != nil {
		return fmt.Errorf("cache: clear responses: %w", err)
	}
	if err := c.redirects.Clear(ctx); err != nil {
		return fmt.Errorf("cache: clear redirects: %w", err)
	}
	return nil
}

// DeleteExpiredResponses deletes every response that is expired, no longer
// passes the cacheability rules or cannot be decoded, plus its aliases and
// any broken alias. It returns the number of responses deleted.
func (c *Controller) DeleteExpiredResponses(ctx context.Context) (int, error) {
	keys, err := storage.Collect(c.responses.Store.Keys(ctx))
	if err != nil {
		return 0, fmt.Errorf("cache: list responses: %w", err)
	}

	now := c.Now()
	var invalid []string
	for _, key := range keys {
		resp, ok, err := c.responses.Get(ctx, key)
		switch {
		case errors.Is(err, storage.ErrSignatureInvalid):
			c.logger.Warn("Deleting cached response with invalid signature", zap.String("key", key))
			invalid = append(invalid, key)
		case storage.IsDecodeError(err):
			invalid = append(invalid, key)
		case err != nil:
			return 0, fmt.Errorf("cache: read response: %w", err)
		case !ok:
		case resp == nil || resp.IsExpired(now) || !c.matches(resp):
			invalid = append(invalid, key)
		}
	}

	if err := c.deleteKeys(ctx, invalid, true); err != nil {
		return 0, err
	}
	c.logger.Info("Deleted expired responses", zap.Int("count", len(invalid)))
	return len(invalid), nil
}

// ResetExpiration gives every stored response the expiration e, resolved
// now. Redirect aliases are rewritten with the new expiry too.
func (c *Controller) ResetExpiration(ctx context.Context, e expiration.ExpireAfter) error {
	expires, err := e.Resolve(c.Now())
	if err != nil {
		return err
	}
	keys, err := storage.Collect(c.responses.Store.Keys(ctx))
	if err != nil {
		return fmt.Errorf("cache: list responses: %w", err)
	}

	var sets []aliasSet
	err = storage.Bulk(ctx, c.responses.Store, func(s storage.Store) error {
		responses := storage.NewMap[*StoredResponse](s, c.responses.Codec)
		for _, key := range keys {
			resp, ok, err := responses.Get(ctx, key)
			if storage.IsDecodeError(err) || errors.Is(err, storage.ErrSignatureInvalid) {
				continue
			}
			if err != nil {
				return fmt.Errorf("cache: read response: %w", err)
			}
			if !ok || resp == nil {
				continue
			}
			resp.Expires = expires
			if err := responses.SetExpiring(ctx, key, resp, expires); err != nil {
				return fmt.Errorf("cache: write response: %w", err)
			}
			if len(resp.History) > 0 {
				sets = append(sets, aliasSet{key: key, resp: resp})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return c.writeAliases(ctx, sets, true)
}

// ResponseCount returns the number of stored responses.
func (c *Controller) ResponseCount(ctx context.Context) (int, error) {
	return c.responses.Store.Size(ctx)
}

// RedirectCount returns the number of stored redirect aliases.
func (c *Controller) RedirectCount(ctx context.Context) (int, error) {
	return c.redirects.Size(ctx)
}

// Responses enumerates stored responses. Entries that fail to decode are
// skipped; signature failures and store errors are yielded.
func (c *Controller) Responses(ctx context.Context) iter.Seq2[*StoredResponse, error] {
	return func(yield func(*StoredResponse, error) bool) {
		for resp, err := range c.responses.Values(ctx) {
			if storage.IsDecodeError(err) {
				continue
			}
			if err == nil && resp == nil {
				continue
			}
			if !yield(resp, err) {
				return
			}
		}
	}
}

// Keys enumerates response keys.
func (c *Controller) Keys(ctx context.Context) iter.Seq2[string, error] {
	return c.responses.Store.Keys(ctx)
}
