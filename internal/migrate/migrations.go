package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"

	"moltjobs/internal/db"
)

//go:embed sql/sqlite/*.sql sql/postgres/*.sql
var migrationsFS embed.FS

// goose keeps its base FS and dialect in package globals.
var gooseMu sync.Mutex

func setup(dialect db.Dialect) (string, error) {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	switch dialect {
	case db.DialectSQLite:
		return "sql/sqlite", goose.SetDialect("sqlite3")
	case db.DialectPostgres:
		return "sql/postgres", goose.SetDialect("postgres")
	default:
		return "", fmt.Errorf("no migrations for dialect %q", dialect)
	}
}

// Migrate applies embedded migrations in order.
func Migrate(ctx context.Context, conn *sql.DB, dialect db.Dialect) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	dir, err := setup(dialect)
	if err != nil {
		return err
	}
	if err := goose.UpContext(ctx, conn, dir); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Version returns the latest applied migration version.
func Version(ctx context.Context, conn *sql.DB, dialect db.Dialect) (int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	if _, err := setup(dialect); err != nil {
		return 0, err
	}
	return goose.GetDBVersionContext(ctx, conn)
}
