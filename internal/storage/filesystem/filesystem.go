// Package filesystem stores each entry as a file under
// <dir>/<cache name>/<role>/.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sofatutor/httpcache/internal/storage"
)

const (
	tempPrefix = ".tmp-"
	dirBatch   = 256
)

// Store is a directory of entry files. Single-entry I/O errors are reported
// as a missing key; Clear and enumeration surface them.
type Store struct {
	dir    string
	logger *zap.Logger
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used to report swallowed single-entry errors.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates (if needed) and opens the namespace directory for
// cacheName/role below dir.
func New(dir, cacheName, role string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("filesystem: cache directory is required")
	}
	s := &Store{
		dir:    filepath.Join(dir, escape(cacheName), escape(role)),
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("filesystem: create cache directory: %w", err)
	}
	return s, nil
}

// Dir returns the namespace directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(key string) string { return filepath.Join(s.dir, escape(key)) }

// Contains reports whether key has a file.
func (s *Store) Contains(_ context.Context, key string) (bool, error) {
	info, err := os.Stat(s.path(key))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug("filesystem stat failed", zap.String("key", key), zap.Error(err))
		}
		return false, nil
	}
	return info.Mode().IsRegular(), nil
}

// Read returns the file contents for key.
func (s *Store) Read(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug("filesystem read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false, nil
	}
	return data, true, nil
}

// Write stores value atomically: it is written to a temporary file in the
// same directory and renamed over the entry, so a reader never observes a
// partially written file.
func (s *Store) Write(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp := filepath.Join(s.dir, tempPrefix+uuid.NewString())
	if err := writeFile(tmp, value); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("filesystem: write %q: %w", key, err)
	}
	if err := os.Rename(tmp, s.path(key)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("filesystem: write %q: %w", key, err)
	}
	return nil
}

func writeFile(name string, data []byte) error {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Delete removes the file for key.
func (s *Store) Delete(_ context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Debug("filesystem delete failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// Clear removes every entry and leftover temporary file.
func (s *Store) Clear(_ context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return os.MkdirAll(s.dir, 0o755)
		}
		return fmt.Errorf("filesystem: clear: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.dir, e.Name())); err != nil {
			return fmt.Errorf("filesystem: clear: %w", err)
		}
	}
	return nil
}

// Keys reads the directory in batches and yields decoded keys.
func (s *Store) Keys(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for name, err := range s.names(ctx) {
			if err != nil {
				yield("", err)
				return
			}
			key, err := unescape(name)
			if err != nil {
				continue
			}
			if !yield(key, nil) {
				return
			}
		}
	}
}

// Values yields the contents of every entry. Entries removed between listing
// and reading are skipped.
func (s *Store) Values(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for name, err := range s.names(ctx) {
			if err != nil {
				yield(nil, err)
				return
			}
			data, err := os.ReadFile(filepath.Join(s.dir, name))
			if err != nil {
				continue
			}
			if !yield(data, nil) {
				return
			}
		}
	}
}

// Size counts entry files.
func (s *Store) Size(ctx context.Context) (int, error) {
	n := 0
	for _, err := range s.names(ctx) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// names lists entry file names without loading the whole directory at once.
func (s *Store) names(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		d, err := os.Open(s.dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return
			}
			yield("", fmt.Errorf("filesystem: list: %w", err))
			return
		}
		defer func() { _ = d.Close() }()

		for {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			entries, err := d.ReadDir(dirBatch)
			for _, e := range entries {
				if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
					continue
				}
				if !yield(e.Name(), nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", fmt.Errorf("filesystem: list: %w", err))
				return
			}
		}
	}
}

// escape maps a key to a single safe path segment. A leading dot is
// escaped so keys cannot collide with "." "..", or temporary files.
func escape(key string) string {
	e := url.PathEscape(key)
	if strings.HasPrefix(e, ".") {
		e = "%2E" + e[1:]
	}
	if e == "" {
		e = "%00empty"
	}
	return e
}

func unescape(name string) (string, error) {
	if name == "%00empty" {
		return "", nil
	}
	return url.PathUnescape(name)
}
