// Package store persists run metadata, approvals, checkpoints, and events
// behind a single database handle. SQLite is the default backend; PostgreSQL
// is selected with a DSN.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql
	_ "modernc.org/sqlite"             // register sqlite driver for database/sql

	"github.com/quarrylabs/quarry/pkg/config"
)

//go:embed migrations
var migrationsFS embed.FS

// Store wraps the database handle and the dialect-aware query helpers.
type Store struct {
	db     *sql.DB
	driver config.DatabaseDriver
}

// Open connects to the configured backend, applies pending migrations, and
// returns a ready store.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)

	switch cfg.Driver {
	case config.DatabaseDriverSQLite:
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		path := filepath.Join(cfg.Dir, cfg.File)
		dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		// modernc/sqlite serializes writers; a single connection avoids
		// SQLITE_BUSY churn under concurrent runs.
		db.SetMaxOpenConns(1)

	case config.DatabaseDriverPostgres:
		db, err = sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		db.SetConnMaxIdleTime(5 * time.Minute)

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, driver: cfg.Driver}
	if err := s.runMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("Store opened", "driver", cfg.Driver)
	return s, nil
}

// DB returns the underlying handle for health checks and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// runMigrations applies the embedded migrations for the active dialect.
// Migration files are embedded with go:embed so production binaries carry
// their own schema.
func (s *Store) runMigrations() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations/"+string(s.driver))
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var m *migrate.Migrate
	switch s.driver {
	case config.DatabaseDriverSQLite:
		drv, derr := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
		if derr != nil {
			return fmt.Errorf("failed to create sqlite migrate driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, "sqlite", drv)
	case config.DatabaseDriverPostgres:
		drv, derr := migratepg.WithInstance(s.db, &migratepg.Config{})
		if derr != nil {
			return fmt.Errorf("failed to create postgres migrate driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, "postgres", drv)
	}
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source. m.Close() would also close the
	// database driver, which closes the shared *sql.DB.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}

var placeholderRe = regexp.MustCompile(`\$\d+`)

// q rewrites $N placeholders to ? for sqlite. Queries must use $1..$N in
// argument order without repetition.
func (s *Store) q(query string) string {
	if s.driver == config.DatabaseDriverSQLite {
		return placeholderRe.ReplaceAllString(query, "?")
	}
	return query
}

func now() time.Time {
	return time.Now().UTC()
}
