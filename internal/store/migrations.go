package store

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/hyperengineering/keel/migrations"
	"github.com/pressly/goose/v3"
)

// gooseMu guards goose's package-level dialect and filesystem settings.
var gooseMu sync.Mutex

// RunMigrations applies all pending database migrations using goose.
// It uses the embedded SQL files from the migrations package.
func RunMigrations(db *sql.DB, driver string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	// Disable goose's default logging to avoid stdout noise
	goose.SetLogger(goose.NopLogger())

	goose.SetBaseFS(migrations.FS)

	dialect := "sqlite"
	if driver == DriverPostgres {
		dialect = "postgres"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
