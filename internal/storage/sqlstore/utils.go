package sqlstore

import (
	"fmt"
	"strings"
)

// Placeholder returns the appropriate placeholder for the driver.
// For SQLite and MySQL: ?, for PostgreSQL: $1, $2, etc.
func (d *DB) Placeholder(n int) string {
	if d.driver == DriverPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// RebindQuery converts a query from ? placeholders to the appropriate
// placeholder style for the database driver.
func (d *DB) RebindQuery(query string) string {
	if d.driver != DriverPostgres {
		return query
	}

	var builder strings.Builder
	builder.Grow(len(query) + 10)
	count := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			count++
			builder.WriteString(d.Placeholder(count))
		} else {
			builder.WriteByte(query[i])
		}
	}
	return builder.String()
}

// upsertQuery returns the insert-or-replace statement for the driver.
func (d *DB) upsertQuery() string {
	switch d.driver {
	case DriverMySQL:
		return "INSERT INTO http_cache (namespace, cache_key, value, updated_at) VALUES (?, ?, ?, ?) " +
			"ON DUPLICATE KEY UPDATE value = VALUES(value), updated_at = VALUES(updated_at)"
	default:
		return d.RebindQuery("INSERT INTO http_cache (namespace, cache_key, value, updated_at) VALUES (?, ?, ?, ?) " +
			"ON CONFLICT (namespace, cache_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at")
	}
}
