// internal/storage/init.go
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

// goose keeps dialect and base FS in package globals.
var gooseMu sync.Mutex

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func migrationDir(driver string) (dir, dialect string, err error) {
	switch driver {
	case DriverPostgres:
		return "migrations/postgres", "postgres", nil
	case DriverSQLite:
		return "migrations/sqlite", "sqlite3", nil
	default:
		return "", "", fmt.Errorf("unknown database driver %q", driver)
	}
}

func runMigrations(ctx context.Context, db *sql.DB, driver string) error {
	const op = "storage.migrations"

	err := RunMigrationCommand(ctx, db, driver, "up")
	if err != nil {
		if errors.Is(err, goose.ErrNoNextVersion) {
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RunMigrationCommand runs a goose command (up, down, status, version, redo, reset)
// against the embedded migrations for driver.
func RunMigrationCommand(ctx context.Context, db *sql.DB, driver, command string, args ...string) error {
	const op = "storage.RunMigrationCommand"

	dir, dialect, err := migrationDir(driver)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := goose.RunContext(ctx, command, db, dir, args...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
