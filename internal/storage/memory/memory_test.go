package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sofatutor/httpcache/internal/storage"
	"github.com/sofatutor/httpcache/internal/storage/storagetest"
)

func TestContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, _ string) storage.Store {
		return New()
	})
}

func TestReadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := New()
	in := []byte("abc")
	require.NoError(t, s.Write(ctx, "k", in))
	in[0] = 'x'

	v, _, err := s.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(v))

	v[0] = 'y'
	v2, _, _ := s.Read(ctx, "k")
	assert.Equal(t, "abc", string(v2))
}
