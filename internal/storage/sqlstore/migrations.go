package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/mysql/*.sql
var migrationsFS embed.FS

// gooseMu guards goose's package level dialect and base FS.
var gooseMu sync.Mutex

// runMigrations applies the embedded migrations for dialect.
// Only PostgreSQL and MySQL use migrations; SQLite applies its schema directly.
func runMigrations(ctx context.Context, db *sql.DB, dialect string) error {
	if dialect != "postgres" && dialect != "mysql" {
		return fmt.Errorf("no migrations for dialect %q", dialect)
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations/"+dialect); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
