// Package backend builds the pair of stores (responses and redirects) a
// cache controller owns, from a closed set of storage engines.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sofatutor/httpcache/internal/storage"
	"github.com/sofatutor/httpcache/internal/storage/docstore"
	"github.com/sofatutor/httpcache/internal/storage/filesystem"
	"github.com/sofatutor/httpcache/internal/storage/memory"
	"github.com/sofatutor/httpcache/internal/storage/redisstore"
	"github.com/sofatutor/httpcache/internal/storage/sqlstore"
)

// Kind names a storage engine.
type Kind string

const (
	// KindMemory keeps entries in process memory; nothing survives a restart.
	KindMemory Kind = "memory"
	// KindFilesystem writes one file per entry under Config.Dir.
	KindFilesystem Kind = "filesystem"
	// KindSQLite stores entries in a local SQLite database file.
	KindSQLite Kind = "sqlite"
	// KindPostgres stores entries in a PostgreSQL database.
	KindPostgres Kind = "postgres"
	// KindMySQL stores entries in a MySQL database.
	KindMySQL Kind = "mysql"
	// KindRedis stores entries in Redis, which evicts them after expiry.
	KindRedis Kind = "redis"
	// KindClover stores entries in an embedded clover document database.
	KindClover Kind = "clover"
)

// Store roles.
const (
	RoleResponses = "responses"
	RoleRedirects = "redirects"
)

var (
	// ErrUnknownBackend is returned for a backend name outside the supported set.
	ErrUnknownBackend = errors.New("unknown cache backend")
	// ErrInvalidConfig is returned when a backend is missing a required option.
	ErrInvalidConfig = errors.New("invalid backend configuration")
)

// Kinds returns every supported backend.
func Kinds() []Kind {
	return []Kind{KindMemory, KindFilesystem, KindSQLite, KindPostgres, KindMySQL, KindRedis, KindClover}
}

// ParseKind resolves a backend name, case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownBackend, s)
}

// Config holds the options of every backend. Only the fields of the
// selected Kind are used.
type Config struct {
	Kind      Kind
	CacheName string

	// Dir is the root directory of the filesystem backend.
	Dir string
	// SQLitePath is the database file of the sqlite backend.
	SQLitePath string
	// DatabaseURL is the DSN of the postgres and mysql backends.
	DatabaseURL string

	RedisAddr     string
	RedisDB       int
	RedisPassword string
	// RedisTTLOffset keeps expired entries in Redis for this long so they
	// can still be revalidated.
	RedisTTLOffset time.Duration

	// CloverDir is the data directory of the clover backend.
	CloverDir string

	Logger *zap.Logger
}

// Validate checks the options required by the selected backend without
// touching any resource.
func (c Config) Validate() error {
	if c.CacheName == "" {
		return fmt.Errorf("%w: cache name is required", ErrInvalidConfig)
	}
	require := func(value, name string) error {
		if value == "" {
			return fmt.Errorf("%w: %s backend requires %s", ErrInvalidConfig, c.Kind, name)
		}
		return nil
	}
	switch c.Kind {
	case KindMemory:
		return nil
	case KindFilesystem:
		return require(c.Dir, "CACHE_DIR")
	case KindSQLite:
		return require(c.SQLitePath, "SQLITE_PATH")
	case KindPostgres, KindMySQL:
		return require(c.DatabaseURL, "DATABASE_URL")
	case KindRedis:
		return require(c.RedisAddr, "REDIS_ADDR")
	case KindClover:
		return require(c.CloverDir, "CLOVER_DIR")
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Kind)
	}
}

// Stores is the responses and redirects pair of one cache.
type Stores struct {
	Responses storage.Store
	Redirects storage.Store

	closers  []func() error
	maintain func(ctx context.Context) error
}

// Maintain runs the engine's space reclamation step (VACUUM and friends on
// SQL databases). ok is false when the engine has none.
func (s *Stores) Maintain(ctx context.Context) (ok bool, err error) {
	if s.maintain == nil {
		return false, nil
	}
	return true, s.maintain(ctx)
}

// NewStores pairs two existing stores. Closing the result closes both.
func NewStores(responses, redirects storage.Store) *Stores {
	return &Stores{
		Responses: responses,
		Redirects: redirects,
		closers:   []func() error{responses.Close, redirects.Close},
	}
}

// Close releases both stores and any connection they share.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open validates cfg and opens both stores of the selected backend. Engines
// with a connection share it between the two roles.
func Open(ctx context.Context, cfg Config) (*Stores, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		stores *Stores
		err    error
	)
	switch cfg.Kind {
	case KindMemory:
		stores = NewStores(memory.New(), memory.New())
	case KindFilesystem:
		stores, err = openFilesystem(cfg, logger)
	case KindSQLite, KindPostgres, KindMySQL:
		stores, err = openSQL(ctx, cfg)
	case KindRedis:
		stores, err = openRedis(ctx, cfg)
	case KindClover:
		stores, err = openClover(cfg)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("Cache backend opened",
		zap.String("backend", string(cfg.Kind)),
		zap.String("cache_name", cfg.CacheName))
	return stores, nil
}

func openFilesystem(cfg Config, logger *zap.Logger) (*Stores, error) {
	responses, err := filesystem.New(cfg.Dir, cfg.CacheName, RoleResponses, filesystem.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	redirects, err := filesystem.New(cfg.Dir, cfg.CacheName, RoleRedirects, filesystem.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return NewStores(responses, redirects), nil
}

func openSQL(ctx context.Context, cfg Config) (*Stores, error) {
	dbCfg := sqlstore.DefaultConfig()
	switch cfg.Kind {
	case KindSQLite:
		dbCfg.Path = cfg.SQLitePath
	case KindPostgres:
		dbCfg.Driver = sqlstore.DriverPostgres
		dbCfg.DatabaseURL = cfg.DatabaseURL
	case KindMySQL:
		dbCfg.Driver = sqlstore.DriverMySQL
		dbCfg.DatabaseURL = cfg.DatabaseURL
	}
	db, err := sqlstore.Open(ctx, dbCfg)
	if err != nil {
		return nil, err
	}
	stores := NewStores(db.Namespace(cfg.CacheName, RoleResponses), db.Namespace(cfg.CacheName, RoleRedirects))
	stores.closers = append(stores.closers, db.Close)
	stores.maintain = db.Maintain
	return stores, nil
}

func openRedis(ctx context.Context, cfg Config) (*Stores, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		DB:       cfg.RedisDB,
		Password: cfg.RedisPassword,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	opt := redisstore.WithTTLOffset(cfg.RedisTTLOffset)
	stores := NewStores(
		redisstore.New(client, cfg.CacheName, RoleResponses, opt),
		redisstore.New(client, cfg.CacheName, RoleRedirects, opt),
	)
	stores.closers = append(stores.closers, client.Close)
	return stores, nil
}

func openClover(cfg Config) (*Stores, error) {
	db, err := docstore.Open(cfg.CloverDir)
	if err != nil {
		return nil, err
	}
	responses, err := db.Namespace(cfg.CacheName, RoleResponses)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	redirects, err := db.Namespace(cfg.CacheName, RoleRedirects)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	stores := NewStores(responses, redirects)
	stores.closers = append(stores.closers, db.Close)
	return stores, nil
}
