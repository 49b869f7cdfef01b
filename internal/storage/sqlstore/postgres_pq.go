//go:build !pgx

package sqlstore

import (
	"context"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// newPostgresDB opens PostgreSQL through lib/pq. Build with -tags pgx to use
// the pgx driver instead.
func newPostgresDB(ctx context.Context, config Config) (*DB, error) {
	return openServerDB(ctx, config, "postgres", DriverPostgres)
}
