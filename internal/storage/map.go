package storage

import (
	"context"
	"iter"
	"time"
)

// Map is a typed view over a Store. Values are encoded with the codec on
// write and decoded after read.
type Map[V any] struct {
	Store Store
	Codec Codec
}

// NewMap returns a typed view of s. A nil codec defaults to JSONCodec.
func NewMap[V any](s Store, c Codec) *Map[V] {
	if c == nil {
		c = JSONCodec{}
	}
	return &Map[V]{Store: s, Codec: c}
}

// Get returns the decoded value for key. ok is false when the key is absent.
// Decode failures are returned as *DecodeError; signature failures wrap
// ErrSignatureInvalid.
func (m *Map[V]) Get(ctx context.Context, key string) (v V, ok bool, err error) {
	data, ok, err := m.Store.Read(ctx, key)
	if err != nil || !ok {
		return v, false, err
	}
	if err := m.Codec.Unmarshal(data, &v); err != nil {
		return v, false, err
	}
	return v, true, nil
}

// Set encodes and writes v under key.
func (m *Map[V]) Set(ctx context.Context, key string, v V) error {
	data, err := m.Codec.Marshal(v)
	if err != nil {
		return err
	}
	return m.Store.Write(ctx, key, data)
}

// SetExpiring is Set with an expiry hint for engines that evict on their own.
func (m *Map[V]) SetExpiring(ctx context.Context, key string, v V, expires time.Time) error {
	data, err := m.Codec.Marshal(v)
	if err != nil {
		return err
	}
	return WriteExpiring(ctx, m.Store, key, data, expires)
}

// Delete removes key; a missing key is not an error.
func (m *Map[V]) Delete(ctx context.Context, key string) error {
	return m.Store.Delete(ctx, key)
}

// Pop returns the value for key and deletes it, or def when absent.
func (m *Map[V]) Pop(ctx context.Context, key string, def V) (V, error) {
	v, ok, err := m.Get(ctx, key)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	if err := m.Store.Delete(ctx, key); err != nil {
		return def, err
	}
	return v, nil
}

// Values decodes every stored value. Entries that fail to decode are
// yielded as errors; the caller decides whether to skip them.
func (m *Map[V]) Values(ctx context.Context) iter.Seq2[V, error] {
	return func(yield func(V, error) bool) {
		for data, err := range m.Store.Values(ctx) {
			var v V
			if err == nil {
				err = m.Codec.Unmarshal(data, &v)
			}
			if !yield(v, err) {
				return
			}
		}
	}
}
