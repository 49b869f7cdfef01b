package docstore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sofatutor/httpcache/internal/storage"
	"github.com/sofatutor/httpcache/internal/storage/storagetest"
)

func openDB(t *testing.T, dir string) *DB {
	t.Helper()
	db, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestContract(t *testing.T) {
	var mu sync.Mutex
	dbs := map[*testing.T]*DB{}
	storagetest.Run(t, func(t *testing.T, role string) storage.Store {
		mu.Lock()
		db, ok := dbs[t]
		if !ok {
			db = openDB(t, t.TempDir())
			dbs[t] = db
		}
		mu.Unlock()
		s, err := db.Namespace("http_cache", role)
		require.NoError(t, err)
		return s
	})
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := Open(dir)
	require.NoError(t, err)
	s, err := db.Namespace("demo", "responses")
	require.NoError(t, err)
	assert.Equal(t, "demo:responses", s.Collection())
	require.NoError(t, s.Write(ctx, "k", []byte{0, 1, 2}))
	require.NoError(t, db.Close())

	db = openDB(t, dir)
	s, err = db.Namespace("demo", "responses")
	require.NoError(t, err)
	v, ok, err := s.Read(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte{0, 1, 2}, v)
}

func TestPagination(t *testing.T) {
	ctx := context.Background()
	s, err := openDB(t, t.TempDir()).Namespace("demo", "responses")
	require.NoError(t, err)

	total := pageSize + 13
	for i := 0; i < total; i++ {
		require.NoError(t, s.Write(ctx, string(rune(0x100+i)), []byte("v")))
	}
	keys, err := storage.Collect(s.Keys(ctx))
	require.NoError(t, err)
	assert.Len(t, keys, total)
	assert.IsIncreasing(t, keys)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := openDB(t, t.TempDir()).Namespace("demo", "responses")
	require.NoError(t, err)

	assert.ErrorIs(t, s.Write(ctx, "k", []byte("v")), context.Canceled)
	_, err = storage.Collect(s.Keys(ctx))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpen_RequiresDir(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}
