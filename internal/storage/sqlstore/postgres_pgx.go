//go:build pgx

package sqlstore

import (
	"context"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

// newPostgresDB opens PostgreSQL through pgx.
// This implementation is only available when built with the 'pgx' build tag.
func newPostgresDB(ctx context.Context, config Config) (*DB, error) {
	return openServerDB(ctx, config, "pgx", DriverPostgres)
}
