//go:build mysql

package sqlstore

import (
	"context"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
)

// newMySQLDB creates a new MySQL database connection.
// This implementation is only available when built with the 'mysql' build tag.
// The DSN should set parseTime=true.
func newMySQLDB(ctx context.Context, config Config) (*DB, error) {
	return openServerDB(ctx, config, "mysql", DriverMySQL)
}
