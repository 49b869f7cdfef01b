// Package memory is the in-process storage engine.
package memory

import (
	"context"
	"iter"
	"sync"

	"github.com/sofatutor/httpcache/internal/storage"
)

// Store keeps entries in a map guarded by a RWMutex.
type Store struct {
	mu    sync.RWMutex
	items map[string][]byte
}

var _ storage.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{items: make(map[string][]byte)}
}

// Contains reports whether key is present.
func (s *Store) Contains(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[key]
	return ok, nil
}

// Read returns a copy of the value stored under key.
func (s *Store) Read(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	return clone(v), true, nil
}

// Write stores a copy of value under key.
func (s *Store) Write(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.items[key] = clone(value)
	s.mu.Unlock()
	return nil
}

// Delete removes key.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// Clear removes all entries.
func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	s.items = make(map[string][]byte)
	s.mu.Unlock()
	return nil
}

// Keys yields the keys present when iteration starts. No lock is held while
// the caller's loop body runs, so it may modify the store.
func (s *Store) Keys(_ context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, k := range s.snapshotKeys() {
			if !yield(k, nil) {
				return
			}
		}
	}
}

// Values yields the values of keys present when iteration starts, skipping
// keys deleted in the meantime.
func (s *Store) Values(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for _, k := range s.snapshotKeys() {
			v, ok, _ := s.Read(ctx, k)
			if !ok {
				continue
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// Size returns the number of entries.
func (s *Store) Size(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items), nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) snapshotKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	return keys
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
