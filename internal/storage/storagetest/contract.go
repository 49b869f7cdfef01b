// Package storagetest holds the behavioural test suite shared by all
// storage engines.
package storagetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sofatutor/httpcache/internal/storage"
)

// Factory returns a fresh, empty store. Stores returned for the same test
// with a different name must not share entries.
type Factory func(t *testing.T, name string) storage.Store

// Run executes the contract suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	ctx := context.Background()

	t.Run("read missing", func(t *testing.T) {
		s := newStore(t, "responses")
		v, ok, err := s.Read(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, v)

		ok, err = s.Contains(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("write read replace", func(t *testing.T) {
		s := newStore(t, "responses")
		require.NoError(t, s.Write(ctx, "k", []byte("v1")))
		require.NoError(t, s.Write(ctx, "k", []byte("v2")))

		v, ok, err := s.Read(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("v2"), v)

		ok, err = s.Contains(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("idempotent write", func(t *testing.T) {
		s := newStore(t, "responses")
		require.NoError(t, s.Write(ctx, "k", []byte("v")))
		n1, err := s.Size(ctx)
		require.NoError(t, err)
		require.NoError(t, s.Write(ctx, "k", []byte("v")))
		n2, err := s.Size(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n1)
		assert.Equal(t, n1, n2)
	})

	t.Run("binary values", func(t *testing.T) {
		s := newStore(t, "responses")
		bin := []byte{0, 1, 2, 0xfe, 0xff, '\n', 0}
		require.NoError(t, s.Write(ctx, "bin", bin))
		v, ok, err := s.Read(ctx, "bin")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, bin, v)
	})

	t.Run("unusual keys", func(t *testing.T) {
		s := newStore(t, "responses")
		keys := []string{"a/b", "../x", "with space", "colon:key", "star*[?]", "ü"}
		for _, k := range keys {
			require.NoError(t, s.Write(ctx, k, []byte(k)))
		}
		for _, k := range keys {
			v, ok, err := s.Read(ctx, k)
			require.NoError(t, err, k)
			assert.True(t, ok, k)
			assert.Equal(t, []byte(k), v, k)
		}
		got, err := storage.Collect(s.Keys(ctx))
		require.NoError(t, err)
		assert.ElementsMatch(t, keys, got)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t, "responses")
		require.NoError(t, s.Write(ctx, "k", []byte("v")))
		require.NoError(t, s.Delete(ctx, "k"))
		require.NoError(t, s.Delete(ctx, "k"))
		_, ok, err := s.Read(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("keys values size clear", func(t *testing.T) {
		s := newStore(t, "responses")
		want := map[string]string{}
		for i := 0; i < 25; i++ {
			k, v := fmt.Sprintf("key-%02d", i), fmt.Sprintf("value-%02d", i)
			want[k] = v
			require.NoError(t, s.Write(ctx, k, []byte(v)))
		}

		n, err := s.Size(ctx)
		require.NoError(t, err)
		assert.Equal(t, 25, n)

		keys, err := storage.Collect(s.Keys(ctx))
		require.NoError(t, err)
		sort.Strings(keys)
		wantKeys := make([]string, 0, len(want))
		for k := range want {
			wantKeys = append(wantKeys, k)
		}
		sort.Strings(wantKeys)
		assert.Equal(t, wantKeys, keys)

		values, err := storage.Collect(s.Values(ctx))
		require.NoError(t, err)
		gotValues := make([]string, 0, len(values))
		for _, v := range values {
			gotValues = append(gotValues, string(v))
		}
		wantValues := make([]string, 0, len(want))
		for _, v := range want {
			wantValues = append(wantValues, v)
		}
		assert.ElementsMatch(t, wantValues, gotValues)

		// Restartable: a second enumeration sees current state.
		require.NoError(t, s.Delete(ctx, "key-00"))
		keys, err = storage.Collect(s.Keys(ctx))
		require.NoError(t, err)
		assert.Len(t, keys, 24)

		require.NoError(t, s.Clear(ctx))
		n, err = s.Size(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		keys, err = storage.Collect(s.Keys(ctx))
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("early break", func(t *testing.T) {
		s := newStore(t, "responses")
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Write(ctx, fmt.Sprintf("k%d", i), []byte("v")))
		}
		seen := 0
		for _, err := range s.Keys(ctx) {
			require.NoError(t, err)
			seen++
			if seen == 2 {
				break
			}
		}
		assert.Equal(t, 2, seen)
	})

	t.Run("delete while iterating", func(t *testing.T) {
		s := newStore(t, "responses")
		for i := 0; i < 10; i++ {
			require.NoError(t, s.Write(ctx, fmt.Sprintf("k%d", i), []byte("v")))
		}
		keys, err := storage.Collect(s.Keys(ctx))
		require.NoError(t, err)
		for _, k := range keys {
			require.NoError(t, s.Delete(ctx, k))
		}
		n, err := s.Size(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("pop", func(t *testing.T) {
		s := newStore(t, "responses")
		require.NoError(t, s.Write(ctx, "k", []byte("v")))
		v, err := storage.Pop(ctx, s, "k", nil)
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), v)
		v, err = storage.Pop(ctx, s, "k", []byte("def"))
		require.NoError(t, err)
		assert.Equal(t, []byte("def"), v)
	})

	t.Run("namespaces are isolated", func(t *testing.T) {
		a := newStore(t, "responses")
		b := newStore(t, "redirects")
		require.NoError(t, a.Write(ctx, "k", []byte("a")))
		require.NoError(t, b.Write(ctx, "k", []byte("b")))
		require.NoError(t, b.Clear(ctx))

		v, ok, err := a.Read(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("a"), v)
	})

	t.Run("concurrent writers converge", func(t *testing.T) {
		s := newStore(t, "responses")
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, s.Write(ctx, "shared", []byte(fmt.Sprintf("writer-%d", i))))
			}(i)
		}
		wg.Wait()

		v, ok, err := s.Read(ctx, "shared")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Regexp(t, `^writer-\d$`, string(v))
		n, err := s.Size(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("bulk", func(t *testing.T) {
		s := newStore(t, "responses")
		err := storage.Bulk(ctx, s, func(tx storage.Store) error {
			for i := 0; i < 10; i++ {
				if err := tx.Write(ctx, fmt.Sprintf("b%d", i), []byte("v")); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)
		n, err := s.Size(ctx)
		require.NoError(t, err)
		assert.Equal(t, 10, n)
	})
}
