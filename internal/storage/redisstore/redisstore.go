// Package redisstore is the distributed key-value storage engine backed by
// Redis. Each namespace owns the keys "{cache_name}:{role}:{key}".
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sofatutor/httpcache/internal/storage"
)

const (
	scanCount   = 1000
	deleteBatch = 1000
)

// Option configures a Store.
type Option func(*Store)

// WithTTLOffset keeps entries around for d after their logical expiration,
// so stale responses stay readable for revalidation.
func WithTTLOffset(d time.Duration) Option {
	return func(s *Store) { s.ttlOffset = d }
}

// Store is one namespace on a Redis server. The client is shared and is
// not closed by the store.
type Store struct {
	client    redis.UniversalClient
	prefix    string
	pattern   string
	ttlOffset time.Duration
}

var (
	_ storage.Store          = (*Store)(nil)
	_ storage.ExpiringWriter = (*Store)(nil)
)

// New returns the namespace cacheName:role on client.
func New(client redis.UniversalClient, cacheName, role string, opts ...Option) *Store {
	prefix := cacheName + ":" + role + ":"
	s := &Store{
		client:  client,
		prefix:  prefix,
		pattern: escapeGlob(prefix) + "*",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Contains reports whether key is present.
func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redisstore: contains: %w", err)
	}
	return n > 0, nil
}

// Read returns the value stored under key.
func (s *Store) Read(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redisstore: read: %w", err)
	}
	if v == nil {
		v = []byte{}
	}
	return v, true, nil
}

// Write stores value under key without expiry.
func (s *Store) Write(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: write: %w", err)
	}
	return nil
}

// WriteExpiring stores value and lets Redis evict it at expires plus the
// configured offset. A zero expires behaves like Write.
func (s *Store) WriteExpiring(ctx context.Context, key string, value []byte, expires time.Time) error {
	if expires.IsZero() {
		return s.Write(ctx, key, value)
	}
	k := s.prefix + key
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, k, value, 0)
		pipe.PExpireAt(ctx, k, expires.Add(s.ttlOffset))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: write: %w", err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redisstore: delete: %w", err)
	}
	return nil
}

// Clear removes every key of the namespace. Uses SCAN to avoid blocking
// Redis and deletes in batches.
func (s *Store) Clear(ctx context.Context) error {
	batch := make([]string, 0, deleteBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redisstore: clear: %w", err)
		}
		batch = batch[:0]
		return nil
	}
	for k, err := range s.scan(ctx) {
		if err != nil {
			return err
		}
		batch = append(batch, k)
		if len(batch) == deleteBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// Size counts the keys of the namespace.
func (s *Store) Size(ctx context.Context) (int, error) {
	n := 0
	for _, err := range s.scan(ctx) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// Keys enumerates the namespace with SCAN.
func (s *Store) Keys(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for k, err := range s.scan(ctx) {
			if err != nil {
				yield("", err)
				return
			}
			if !yield(strings.TrimPrefix(k, s.prefix), nil) {
				return
			}
		}
	}
}

// Values fetches values one SCAN page at a time with MGET. Keys that
// disappear between SCAN and MGET are skipped.
func (s *Store) Values(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for page, err := range s.scanPages(ctx) {
			if err != nil {
				yield(nil, err)
				return
			}
			vals, err := s.client.MGet(ctx, page...).Result()
			if err != nil {
				yield(nil, fmt.Errorf("redisstore: values: %w", err))
				return
			}
			for _, v := range vals {
				var b []byte
				switch v := v.(type) {
				case nil:
					continue
				case string:
					b = []byte(v)
				case []byte:
					b = v
				default:
					continue
				}
				if !yield(b, nil) {
					return
				}
			}
		}
	}
}

// Close is a no-op; the client is owned by the caller.
func (s *Store) Close() error { return nil }

// scan yields full Redis keys of the namespace.
func (s *Store) scan(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for page, err := range s.scanPages(ctx) {
			if err != nil {
				yield("", err)
				return
			}
			for _, k := range page {
				if !yield(k, nil) {
					return
				}
			}
		}
	}
}

// scanPages yields de-duplicated SCAN pages. SCAN may return a key more
// than once across a full iteration.
func (s *Store) scanPages(ctx context.Context) iter.Seq2[[]string, error] {
	return func(yield func([]string, error) bool) {
		seen := make(map[string]struct{})
		var cursor uint64
		for {
			keys, next, err := s.client.Scan(ctx, cursor, s.pattern, scanCount).Result()
			if err != nil {
				yield(nil, fmt.Errorf("redisstore: scan: %w", err))
				return
			}
			page := keys[:0]
			for _, k := range keys {
				if _, dup := seen[k]; dup {
					continue
				}
				seen[k] = struct{}{}
				page = append(page, k)
			}
			if len(page) > 0 && !yield(page, nil) {
				return
			}
			cursor = next
			if cursor == 0 {
				return
			}
		}
	}
}

// escapeGlob escapes the characters SCAN MATCH treats specially.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\', '^':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
