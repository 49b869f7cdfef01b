// Package sqlstore implements the storage contract on relational databases:
// SQLite (embedded), PostgreSQL and MySQL. All namespaces share one table,
// http_cache, keyed by (namespace, cache_key).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DriverType represents the database driver type.
type DriverType string

const (
	// DriverSQLite represents the SQLite database driver.
	DriverSQLite DriverType = "sqlite"
	// DriverPostgres represents the PostgreSQL database driver.
	DriverPostgres DriverType = "postgres"
	// DriverMySQL represents the MySQL database driver.
	DriverMySQL DriverType = "mysql"
)

// Config contains the database configuration for all drivers.
type Config struct {
	// Driver specifies which database driver to use (sqlite, postgres, mysql).
	Driver DriverType
	// Path is the path to the SQLite database file.
	Path string
	// DatabaseURL is the PostgreSQL or MySQL connection string.
	DatabaseURL string
	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int
	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int
	// ConnMaxLifetime is the maximum amount of time a connection may be reused.
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns a default database configuration.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		Path:            "data/http_cache.db",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// DB is one database connection pool shared by any number of namespaces.
type DB struct {
	db     *sql.DB
	driver DriverType

	// writeMu serializes writes on SQLite, which allows a single writer.
	writeMu sync.Mutex
}

// Open creates a new database connection based on the configuration and
// makes sure the cache table exists.
func Open(ctx context.Context, config Config) (*DB, error) {
	switch config.Driver {
	case DriverSQLite:
		return newSQLiteDB(ctx, config)
	case DriverPostgres:
		return newPostgresDB(ctx, config)
	case DriverMySQL:
		return newMySQLDB(ctx, config)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", config.Driver)
	}
}

// newSQLiteDB creates a new SQLite database connection.
func newSQLiteDB(ctx context.Context, config Config) (*DB, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("SQLite path is required")
	}
	if config.Path != ":memory:" {
		if err := ensureDirExists(filepath.Dir(config.Path)); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Timestamps are written and parsed as UTC.
	db, err := sql.Open("sqlite3", config.Path+"?_journal=WAL&_busy_timeout=5000&_loc=UTC")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// In-memory SQLite databases are per-connection, so a single connection
	// keeps the schema and data visible to every query.
	if config.Path == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	// SQLite uses the schema directly, not migrations.
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize SQLite schema: %w", err)
	}

	return &DB{db: db, driver: DriverSQLite}, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS http_cache (
	namespace TEXT NOT NULL,
	cache_key TEXT NOT NULL,
	value BLOB NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (namespace, cache_key)
);
`

// openServerDB opens a PostgreSQL or MySQL pool and applies migrations.
func openServerDB(ctx context.Context, config Config, driverName string, driver DriverType) (*DB, error) {
	if config.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for %s driver", driver)
	}

	db, err := sql.Open(driverName, config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	configurePool(db, config)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}

	if err := runMigrations(ctx, db, string(driver)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run %s migrations: %w", driver, err)
	}

	return &DB{db: db, driver: driver}, nil
}

// configurePool applies the pool settings shared by the server drivers.
func configurePool(db *sql.DB, config Config) {
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
}

// Driver returns the driver type of the connection.
func (d *DB) Driver() DriverType { return d.driver }

// Close closes the database connection.
func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Namespace returns the store for one cache name and role. Namespaces of the
// same DB share its connection pool.
func (d *DB) Namespace(cacheName, role string) *Store {
	return &Store{db: d, q: d.db, namespace: cacheName + ":" + role}
}

// Transaction executes fn within a database transaction. On SQLite the
// write lock is held for the whole transaction.
func (d *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if d == nil || d.db == nil {
		return fmt.Errorf("database is nil")
	}
	unlock := d.lockWrites()
	defer unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (d *DB) lockWrites() func() {
	if d.driver != DriverSQLite {
		return func() {}
	}
	d.writeMu.Lock()
	return d.writeMu.Unlock
}

// Maintain reclaims space after large deletions. It can be expensive and is
// meant to be run on demand, not on every sweep.
func (d *DB) Maintain(ctx context.Context) error {
	switch d.driver {
	case DriverPostgres:
		if _, err := d.db.ExecContext(ctx, "VACUUM ANALYZE http_cache"); err != nil {
			return fmt.Errorf("failed to vacuum analyze database: %w", err)
		}
	case DriverMySQL:
		if _, err := d.db.ExecContext(ctx, "OPTIMIZE TABLE http_cache"); err != nil {
			return fmt.Errorf("failed to optimize table: %w", err)
		}
	default:
		unlock := d.lockWrites()
		defer unlock()
		if _, err := d.db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("failed to vacuum database: %w", err)
		}
		if _, err := d.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
			return fmt.Errorf("failed to optimize database: %w", err)
		}
	}
	return nil
}

// ensureDirExists creates the directory if it doesn't exist.
func ensureDirExists(dir string) error {
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return os.MkdirAll(dir, 0755)
	} else if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path %s exists and is not a directory", dir)
	}
	return nil
}
