// Package store is the SQL persistence layer: sync checkpoints, leases,
// the replica table, consistency reports and the memory propagation queue.
// SQLite (modernc) is the default; PostgreSQL (lib/pq) is used for
// multi-instance deployments where leases must be shared.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// timeLayout is fixed width and always UTC so TEXT columns sort
// chronologically on both backends.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Options selects and locates the database.
type Options struct {
	Driver string // "sqlite" (default) or "postgres"
	Path   string // sqlite file path, ":memory:" allowed
	DSN    string // postgres connection string
}

// Store is the SQL-backed store shared by every component.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the configured database, applies pragmas (sqlite) and
// runs migrations.
func Open(opts Options) (*Store, error) {
	switch opts.Driver {
	case "", DriverSQLite:
		return openSQLite(opts.Path)
	case DriverPostgres:
		return openPostgres(opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported driver %q", opts.Driver)
	}
}

func openSQLite(dbPath string) (*Store, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dbPath != ":memory:" && dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: pragmas apply to it, :memory: stays a single database,
	// and writers never see SQLITE_BUSY from each other.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db, DriverSQLite); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, driver: DriverSQLite}, nil
}

func openPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(db, DriverPostgres); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, driver: DriverPostgres}, nil
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Driver returns the active driver name.
func (s *Store) Driver() string {
	return s.driver
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// skipLocked is appended to claim subqueries on postgres so concurrent
// dispatchers pick different rows.
func (s *Store) skipLocked() string {
	if s.driver == DriverPostgres {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// nullableTime converts an optional time into a driver value.
func nullableTime(t *time.Time) driver.Value {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableString(s string) driver.Value {
	if s == "" {
		return nil
	}
	return s
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// isUniqueViolation reports whether err is a unique constraint failure on
// either backend.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// placeholders returns "?, ?, ..." for n values.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
