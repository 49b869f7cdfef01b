// Package storage defines the key-value contract every cache engine
// implements, plus the codecs that sit between typed values and the raw
// bytes engines persist.
package storage

import (
	"context"
	"errors"
	"iter"
	"time"
)

// Store is a map-like view over one namespace of a storage engine.
//
// Reading a missing key is not an error: Read returns ok == false and Delete
// is a no-op. Keys and Values are lazy and restartable; each call enumerates
// the current state, not a consistent snapshot. All implementations are safe
// for concurrent use, with last-write-wins semantics for the same key.
type Store interface {
	Contains(ctx context.Context, key string) (bool, error)
	Read(ctx context.Context, key string) (value []byte, ok bool, err error)
	Write(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Keys(ctx context.Context) iter.Seq2[string, error]
	Values(ctx context.Context) iter.Seq2[[]byte, error]
	Size(ctx context.Context) (int, error)
	Close() error
}

// ExpiringWriter is implemented by engines that can evict entries on their
// own once they expire.
type ExpiringWriter interface {
	WriteExpiring(ctx context.Context, key string, value []byte, expires time.Time) error
}

// Bulker is implemented by engines that can group many writes into one
// deferred-commit scope. Other connections may not see writes made inside
// fn until it returns.
type Bulker interface {
	Bulk(ctx context.Context, fn func(s Store) error) error
}

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage: store is closed")

// Pop reads key and then deletes it, returning def when the key is absent.
// The read and delete are separate operations: a concurrent writer may
// slip in between them.
func Pop(ctx context.Context, s Store, key string, def []byte) ([]byte, error) {
	v, ok, err := s.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return def, nil
	}
	if err := s.Delete(ctx, key); err != nil {
		return nil, err
	}
	return v, nil
}

// WriteExpiring writes through ExpiringWriter when s supports it and falls
// back to a plain Write otherwise. A zero expires means no expiry.
func WriteExpiring(ctx context.Context, s Store, key string, value []byte, expires time.Time) error {
	if ew, ok := s.(ExpiringWriter); ok && !expires.IsZero() {
		return ew.WriteExpiring(ctx, key, value, expires)
	}
	return s.Write(ctx, key, value)
}

// Bulk runs fn inside the engine's bulk scope when supported, otherwise it
// simply calls fn with s.
func Bulk(ctx context.Context, s Store, fn func(s Store) error) error {
	if b, ok := s.(Bulker); ok {
		return b.Bulk(ctx, fn)
	}
	return fn(s)
}

// Collect drains a lazy sequence into a slice.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}
