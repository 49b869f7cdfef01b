// Package docstore is the document database storage engine, backed by an
// embedded CloverDB. Each namespace is a collection "{cache_name}:{role}"
// of documents {key, value, updated_at}.
package docstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/ostafen/clover"

	"github.com/sofatutor/httpcache/internal/storage"
)

const (
	fieldKey       = "key"
	fieldValue     = "value"
	fieldUpdatedAt = "updated_at"

	pageSize = 200
)

// DB is an open CloverDB shared by any number of namespaces.
type DB struct {
	db *clover.DB
	// mu makes the read-then-insert upsert atomic.
	mu sync.Mutex
}

// Open opens or creates the database in dir.
func Open(dir string) (*DB, error) {
	if dir == "" {
		return nil, errors.New("docstore: directory is required")
	}
	db, err := clover.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("docstore: failed to open CloverDB: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("docstore: failed to close CloverDB: %w", err)
	}
	return nil
}

// Namespace returns the store for one cache name and role, creating its
// collection when needed.
func (d *DB) Namespace(cacheName, role string) (*Store, error) {
	coll := cacheName + ":" + role
	d.mu.Lock()
	defer d.mu.Unlock()
	exists, err := d.db.HasCollection(coll)
	if err != nil {
		return nil, fmt.Errorf("docstore: failed to check collection existence: %w", err)
	}
	if !exists {
		if err := d.db.CreateCollection(coll); err != nil {
			return nil, fmt.Errorf("docstore: failed to create collection: %w", err)
		}
	}
	return &Store{db: d, collection: coll}, nil
}

// Store is one collection of the database.
type Store struct {
	db         *DB
	collection string
}

var _ storage.Store = (*Store)(nil)

// Collection returns the collection name.
func (s *Store) Collection() string { return s.collection }

func (s *Store) byKey(key string) *clover.Query {
	return s.db.db.Query(s.collection).Where(clover.Field(fieldKey).Eq(key))
}

// Contains reports whether key is present.
func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	n, err := s.byKey(key).Count()
	if err != nil {
		return false, fmt.Errorf("docstore: contains: %w", err)
	}
	return n > 0, nil
}

// Read returns the value stored under key.
func (s *Store) Read(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	doc, err := s.byKey(key).FindFirst()
	if err != nil {
		return nil, false, fmt.Errorf("docstore: read: %w", err)
	}
	if doc == nil {
		return nil, false, nil
	}
	v, err := decodeValue(doc)
	if err != nil {
		return nil, false, fmt.Errorf("docstore: read %q: %w", key, err)
	}
	return v, true, nil
}

// Write updates the document for key, inserting it when absent.
func (s *Store) Write(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(value)
	now := time.Now().UTC().UnixNano()

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	q := s.byKey(key)
	n, err := q.Count()
	if err != nil {
		return fmt.Errorf("docstore: write: %w", err)
	}
	if n > 0 {
		if err := q.Update(map[string]interface{}{
			fieldValue:     encoded,
			fieldUpdatedAt: now,
		}); err != nil {
			return fmt.Errorf("docstore: write: %w", err)
		}
		return nil
	}

	doc := clover.NewDocument()
	doc.Set(fieldKey, key)
	doc.Set(fieldValue, encoded)
	doc.Set(fieldUpdatedAt, now)
	if err := s.db.db.Insert(s.collection, doc); err != nil {
		return fmt.Errorf("docstore: write: %w", err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.byKey(key).Delete(); err != nil {
		return fmt.Errorf("docstore: delete: %w", err)
	}
	return nil
}

// Clear removes every document of the collection.
func (s *Store) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.db.db.Query(s.collection).Delete(); err != nil {
		return fmt.Errorf("docstore: clear: %w", err)
	}
	return nil
}

// Size counts the documents of the collection.
func (s *Store) Size(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := s.db.db.Query(s.collection).Count()
	if err != nil {
		return 0, fmt.Errorf("docstore: size: %w", err)
	}
	return n, nil
}

// Keys pages through keys in key order.
func (s *Store) Keys(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for doc, err := range s.pages(ctx) {
			if err != nil {
				yield("", err)
				return
			}
			if !yield(docKey(doc), nil) {
				return
			}
		}
	}
}

// Values pages through values in key order.
func (s *Store) Values(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for doc, err := range s.pages(ctx) {
			if err != nil {
				yield(nil, err)
				return
			}
			v, err := decodeValue(doc)
			if err != nil {
				yield(nil, fmt.Errorf("docstore: values: %w", err))
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// Close is a no-op; the owning DB is closed separately.
func (s *Store) Close() error { return nil }

// pages continues each page after the last key seen.
func (s *Store) pages(ctx context.Context) iter.Seq2[*clover.Document, error] {
	return func(yield func(*clover.Document, error) bool) {
		var last *string
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			q := s.db.db.Query(s.collection)
			if last != nil {
				q = q.Where(clover.Field(fieldKey).Gt(*last))
			}
			docs, err := q.Sort(clover.SortOption{Field: fieldKey, Direction: 1}).Limit(pageSize).FindAll()
			if err != nil {
				yield(nil, fmt.Errorf("docstore: list: %w", err))
				return
			}
			for _, doc := range docs {
				if !yield(doc, nil) {
					return
				}
			}
			if len(docs) < pageSize {
				return
			}
			k := docKey(docs[len(docs)-1])
			last = &k
		}
	}
}

func docKey(doc *clover.Document) string {
	k, _ := doc.Get(fieldKey).(string)
	return k
}

func decodeValue(doc *clover.Document) ([]byte, error) {
	encoded, ok := doc.Get(fieldValue).(string)
	if !ok {
		return nil, errors.New("document has no value")
	}
	return base64.StdEncoding.DecodeString(encoded)
}
