package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/sofatutor/httpcache/internal/storage"
)

// pageSize bounds how many rows an enumeration fetches per query. No
// cursor or lock is held while the caller consumes a page.
const pageSize = 500

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is one namespace ("{cache_name}:{role}") of the http_cache table.
type Store struct {
	db        *DB
	q         querier
	namespace string
	inTx      bool
}

var (
	_ storage.Store  = (*Store)(nil)
	_ storage.Bulker = (*Store)(nil)
)

// Namespace returns the namespace this store reads and writes.
func (s *Store) Namespace() string { return s.namespace }

// Contains reports whether key is present.
func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.q.QueryRowContext(ctx,
		s.db.RebindQuery("SELECT 1 FROM http_cache WHERE namespace = ? AND cache_key = ?"),
		s.namespace, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlstore: contains: %w", err)
	}
	return true, nil
}

// Read returns the value stored under key.
func (s *Store) Read(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.q.QueryRowContext(ctx,
		s.db.RebindQuery("SELECT value FROM http_cache WHERE namespace = ? AND cache_key = ?"),
		s.namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlstore: read: %w", err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, true, nil
}

// Write inserts or replaces the value for key in a single statement.
func (s *Store) Write(ctx context.Context, key string, value []byte) error {
	unlock := s.lock()
	defer unlock()
	if value == nil {
		value = []byte{}
	}
	if _, err := s.q.ExecContext(ctx, s.db.upsertQuery(), s.namespace, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("sqlstore: write: %w", err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	unlock := s.lock()
	defer unlock()
	if _, err := s.q.ExecContext(ctx,
		s.db.RebindQuery("DELETE FROM http_cache WHERE namespace = ? AND cache_key = ?"),
		s.namespace, key); err != nil {
		return fmt.Errorf("sqlstore: delete: %w", err)
	}
	return nil
}

// Clear removes every entry of the namespace.
func (s *Store) Clear(ctx context.Context) error {
	unlock := s.lock()
	defer unlock()
	if _, err := s.q.ExecContext(ctx,
		s.db.RebindQuery("DELETE FROM http_cache WHERE namespace = ?"),
		s.namespace); err != nil {
		return fmt.Errorf("sqlstore: clear: %w", err)
	}
	return nil
}

// Size counts the entries of the namespace.
func (s *Store) Size(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx,
		s.db.RebindQuery("SELECT COUNT(*) FROM http_cache WHERE namespace = ?"),
		s.namespace).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlstore: size: %w", err)
	}
	return n, nil
}

// Keys pages through keys in key order.
func (s *Store) Keys(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for r, err := range s.pages(ctx, false) {
			if err != nil {
				yield("", err)
				return
			}
			if !yield(r.key, nil) {
				return
			}
		}
	}
}

// Values pages through values in key order.
func (s *Store) Values(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for r, err := range s.pages(ctx, true) {
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(r.value, nil) {
				return
			}
		}
	}
}

type row struct {
	key   string
	value []byte
}

// pages uses keyset pagination: each page starts after the last key seen,
// so rows deleted or added between pages do not shift the window.
func (s *Store) pages(ctx context.Context, withValues bool) iter.Seq2[row, error] {
	cols := "cache_key"
	if withValues {
		cols = "cache_key, value"
	}
	first := s.db.RebindQuery(fmt.Sprintf(
		"SELECT %s FROM http_cache WHERE namespace = ? ORDER BY cache_key LIMIT %d", cols, pageSize))
	next := s.db.RebindQuery(fmt.Sprintf(
		"SELECT %s FROM http_cache WHERE namespace = ? AND cache_key > ? ORDER BY cache_key LIMIT %d", cols, pageSize))

	return func(yield func(row, error) bool) {
		var args []any
		query := first
		for {
			page, err := s.fetchPage(ctx, query, withValues, append([]any{s.namespace}, args...)...)
			if err != nil {
				yield(row{}, err)
				return
			}
			for _, r := range page {
				if !yield(r, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			query = next
			args = []any{page[len(page)-1].key}
		}
	}
}

func (s *Store) fetchPage(ctx context.Context, query string, withValues bool, args ...any) ([]row, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var page []row
	for rows.Next() {
		var r row
		if withValues {
			err = rows.Scan(&r.key, &r.value)
		} else {
			err = rows.Scan(&r.key)
		}
		if err != nil {
			return nil, fmt.Errorf("sqlstore: list: %w", err)
		}
		page = append(page, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: list: %w", err)
	}
	return page, nil
}

// Bulk runs fn in one transaction. Writes become visible to other
// connections when fn returns without error.
func (s *Store) Bulk(ctx context.Context, fn func(storage.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		return fn(&Store{db: s.db, q: tx, namespace: s.namespace, inTx: true})
	})
}

// Close is a no-op; the owning DB is closed separately.
func (s *Store) Close() error { return nil }

func (s *Store) lock() func() {
	if s.inTx {
		return func() {}
	}
	return s.db.lockWrites()
}
