package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotateWriter_BasicWriteAndRotate(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")
	rw, err := newRotateWriter(logPath, 50, 2)
	require.NoError(t, err)
	defer rw.Close()

	msg := []byte("hello world\n")
	n, err := rw.Write(msg)
	require.NoError(t, err)
	assert.Equal(t, len(msg), n)

	_, err = rw.Write(bytes.Repeat([]byte("x"), 60))
	require.NoError(t, err)

	old, err := os.ReadFile(logPath + ".1")
	require.NoError(t, err)
	assert.Equal(t, msg, old)
}

func TestRotateWriter_KeepsMaxBackups(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")
	rw, err := newRotateWriter(logPath, 10, 2)
	require.NoError(t, err)
	defer rw.Close()

	for i := 0; i < 6; i++ {
		_, err := rw.Write([]byte("0123456789"))
		require.NoError(t, err)
	}
	for _, suffix := range []string{"", ".1", ".2"} {
		_, err := os.Stat(logPath + suffix)
		assert.NoError(t, err, suffix)
	}
	_, err = os.Stat(logPath + ".3")
	assert.True(t, os.IsNotExist(err))
}

func TestRotateWriter_Defaults(t *testing.T) {
	rw, err := newRotateWriter(filepath.Join(t.TempDir(), "d.log"), 0, 0)
	require.NoError(t, err)
	defer rw.Close()
	assert.Equal(t, int64(10*1024*1024), rw.maxSize)
	assert.Equal(t, 5, rw.maxBackups)
}

func TestRotateWriter_SyncAndClose(t *testing.T) {
	rw, err := newRotateWriter(filepath.Join(t.TempDir(), "s.log"), 100, 1)
	require.NoError(t, err)
	assert.NoError(t, rw.Sync())
	assert.NoError(t, rw.Close())
	assert.NoError(t, rw.Sync())
	assert.NoError(t, rw.Close())

	// Writing after Close reopens the file.
	_, err = rw.Write([]byte("again"))
	assert.NoError(t, err)
	assert.NoError(t, rw.Close())
}
