package storage

import (
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sofatutor/httpcache/internal/encryption"
)

type payload struct {
	Name  string            `json:"name"`
	Count int               `json:"count"`
	Tags  map[string]string `json:"tags"`
}

func TestJSONCodec_RoundTrip(t *testing.T) {
	in := payload{Name: "x", Count: 3, Tags: map[string]string{"a": "b"}}
	data, err := JSONCodec{}.Marshal(in)
	require.NoError(t, err)

	var out payload
	require.NoError(t, JSONCodec{}.Unmarshal(data, &out))
	assert.Equal(t, in, out)

	err = JSONCodec{}.Unmarshal([]byte("{not json"), &out)
	assert.True(t, IsDecodeError(err))
}

func TestChain_CompressEncryptSign(t *testing.T) {
	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	enc, err := encryption.NewEncryptor(key)
	require.NoError(t, err)
	signed, err := NewSigned([]byte("salt"), []byte("secret"))
	require.NoError(t, err)

	c := Chain(JSONCodec{}, Brotli{}, Encrypted{Encryptor: enc}, signed)
	in := payload{Name: "compressed", Count: 42}
	data, err := c.Marshal(in)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "compressed")

	var out payload
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestSigned_Tampered(t *testing.T) {
	signed, err := NewSigned([]byte("salt"), []byte("secret"))
	require.NoError(t, err)
	c := Chain(JSONCodec{}, signed)

	data, err := c.Marshal(payload{Name: "a"})
	require.NoError(t, err)
	data[0] ^= 0xff

	var out payload
	err = c.Unmarshal(data, &out)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
	assert.False(t, IsDecodeError(err))
}

func TestSigned_WrongKeyAndSalt(t *testing.T) {
	a, err := NewSigned([]byte("salt"), []byte("secret"))
	require.NoError(t, err)
	b, err := NewSigned([]byte("salt"), []byte("other"))
	require.NoError(t, err)
	c, err := NewSigned([]byte("pepper"), []byte("secret"))
	require.NoError(t, err)

	data, err := Chain(JSONCodec{}, a).Marshal(payload{Name: "a"})
	require.NoError(t, err)

	var out payload
	assert.ErrorIs(t, Chain(JSONCodec{}, b).Unmarshal(data, &out), ErrSignatureInvalid)
	assert.ErrorIs(t, Chain(JSONCodec{}, c).Unmarshal(data, &out), ErrSignatureInvalid)
}

func TestSigned_UnsignedPayload(t *testing.T) {
	signed, err := NewSigned(nil, []byte("secret"))
	require.NoError(t, err)
	plain, err := JSONCodec{}.Marshal(payload{Name: "a"})
	require.NoError(t, err)

	var out payload
	assert.ErrorIs(t, Chain(JSONCodec{}, signed).Unmarshal(plain, &out), ErrSignatureInvalid)
	assert.ErrorIs(t, Chain(JSONCodec{}, signed).Unmarshal([]byte("x"), &out), ErrSignatureInvalid)
}

func TestSigned_KeyRotation(t *testing.T) {
	old, err := NewSigned([]byte("salt"), []byte("old"))
	require.NoError(t, err)
	rotated, err := NewSigned([]byte("salt"), []byte("new"), []byte("old"))
	require.NoError(t, err)

	data, err := Chain(JSONCodec{}, old).Marshal(payload{Name: "a"})
	require.NoError(t, err)

	var out payload
	require.NoError(t, Chain(JSONCodec{}, rotated).Unmarshal(data, &out))
	assert.Equal(t, "a", out.Name)
}

func TestNewSigned_RequiresKey(t *testing.T) {
	_, err := NewSigned([]byte("salt"))
	assert.ErrorIs(t, err, ErrNoSecretKey)
	_, err = NewSigned([]byte("salt"), []byte{})
	assert.ErrorIs(t, err, ErrNoSecretKey)
}

func TestChain_CorruptCompressedIsDecodeError(t *testing.T) {
	var out payload
	err := Chain(JSONCodec{}, Brotli{}).Unmarshal([]byte("definitely not brotli"), &out)
	assert.True(t, IsDecodeError(err))
}

// memStore is a minimal Store used to exercise helpers without importing
// an engine package.
type memStore struct {
	m map[string][]byte
}

func newMemStore() *memStore { return &memStore{m: map[string][]byte{}} }

func (s *memStore) Contains(_ context.Context, k string) (bool, error) {
	_, ok := s.m[k]
	return ok, nil
}
func (s *memStore) Read(_ context.Context, k string) ([]byte, bool, error) {
	v, ok := s.m[k]
	return v, ok, nil
}
func (s *memStore) Write(_ context.Context, k string, v []byte) error { s.m[k] = v; return nil }
func (s *memStore) Delete(_ context.Context, k string) error          { delete(s.m, k); return nil }
func (s *memStore) Clear(context.Context) error                       { s.m = map[string][]byte{}; return nil }
func (s *memStore) Size(context.Context) (int, error)                 { return len(s.m), nil }
func (s *memStore) Close() error                                      { return nil }
func (s *memStore) Keys(context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for k := range s.m {
			if !yield(k, nil) {
				return
			}
		}
	}
}
func (s *memStore) Values(context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for _, v := range s.m {
			if !yield(v, nil) {
				return
			}
		}
	}
}

func TestPop(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	require.NoError(t, s.Write(ctx, "a", []byte("1")))

	v, err := Pop(ctx, s, "a", []byte("def"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	v, err = Pop(ctx, s, "a", []byte("def"))
	require.NoError(t, err)
	assert.Equal(t, []byte("def"), v)
}

func TestMap(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	m := NewMap[payload](s, nil)

	_, ok, err := m.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "a", payload{Name: "a"}))
	require.NoError(t, m.Set(ctx, "a", payload{Name: "a"}))
	v, ok, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", v.Name)
	n, _ := s.Size(ctx)
	assert.Equal(t, 1, n)

	s.m["bad"] = []byte("garbage")
	_, _, err = m.Get(ctx, "bad")
	assert.True(t, IsDecodeError(err))

	var decodeErrs int
	for _, err := range m.Values(ctx) {
		if err != nil {
			decodeErrs++
		}
	}
	assert.Equal(t, 1, decodeErrs)

	popped, err := m.Pop(ctx, "a", payload{Name: "def"})
	require.NoError(t, err)
	assert.Equal(t, "a", popped.Name)
	popped, err = m.Pop(ctx, "a", payload{Name: "def"})
	require.NoError(t, err)
	assert.Equal(t, "def", popped.Name)
}

func TestCollect(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	require.NoError(t, s.Write(ctx, "a", []byte("1")))
	require.NoError(t, s.Write(ctx, "b", []byte("2")))
	keys, err := Collect(s.Keys(ctx))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)

	boom := errors.New("boom")
	_, err = Collect[string](func(yield func(string, error) bool) { yield("", boom) })
	assert.ErrorIs(t, err, boom)
}
