// Package migrations wires golang-migrate execution for the Courier schema.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	dbmigrations "github.com/courierhq/courier/db/migrations"
	"github.com/courierhq/courier/observability"
)

var errNotDirectory = errors.New("migrations path must be a directory")

// Apply runs all pending migrations located at migrationsDir against the
// Postgres instance reachable via dsn.
func Apply(ctx context.Context, dsn, migrationsDir string) error {
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}

	m, cleanup, err := newFileMigrator(ctx, dsn, resolvedDir)
	if err != nil {
		return err
	}
	defer cleanup()

	observability.Log().Info("running database migrations",
		observability.Field{Key: "path", Value: resolvedDir})
	return runUp(m)
}

// ApplyEmbedded runs the migrations compiled into the binary. Hosts that
// enable database.runMigrations use this path so nothing has to ship next
// to the executable.
func ApplyEmbedded(ctx context.Context, dsn string) error {
	source, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	db, driver, err := openDriver(ctx, dsn)
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		closeQuietly(db)
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer closeMigrator(m, db)

	observability.Log().Info("running embedded database migrations")
	return runUp(m)
}

// Rollback undoes the most recent migrations from migrationsDir. Steps
// below one roll back a single migration.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int) error {
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	if steps < 1 {
		steps = 1
	}

	m, cleanup, err := newFileMigrator(ctx, dsn, resolvedDir)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := m.Steps(-steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			observability.Log().Info("no migration to roll back")
			return nil
		}
		recordResult("rollback_failed")
		return fmt.Errorf("roll back %d migrations: %w", steps, err)
	}
	recordResult("rolled_back")
	observability.Log().Info("rolled back migrations",
		observability.Field{Key: "steps", Value: steps})
	return nil
}

func newFileMigrator(ctx context.Context, dsn, resolvedDir string) (*migrate.Migrate, func(), error) {
	db, driver, err := openDriver(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}

	m, err := migrate.NewWithDatabaseInstance(fileURL(resolvedDir), "pgx5", driver)
	if err != nil {
		closeQuietly(db)
		return nil, nil, fmt.Errorf("initialise migrate instance: %w", err)
	}
	return m, func() { closeMigrator(m, db) }, nil
}

func openDriver(ctx context.Context, dsn string) (*sql.DB, database.Driver, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open migrations connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		closeQuietly(db)
		return nil, nil, fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		closeQuietly(db)
		return nil, nil, fmt.Errorf("initialise pgx v5 driver: %w", err)
	}
	return db, driver, nil
}

func runUp(m *migrate.Migrate) error {
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordResult("noop")
			observability.Log().Info("database schema up to date")
			return nil
		}
		recordResult("failed")
		return fmt.Errorf("apply migrations: %w", err)
	}
	recordResult("applied")
	observability.Log().Info("database migrations applied")
	return nil
}

func closeMigrator(m *migrate.Migrate, db *sql.DB) {
	sourceErr, dbErr := m.Close()
	if sourceErr != nil {
		observability.Log().Debug("migrations source close",
			observability.Field{Key: "error", Value: sourceErr.Error()})
	}
	if dbErr != nil {
		observability.Log().Debug("migrations db close",
			observability.Field{Key: "error", Value: dbErr.Error()})
	}
	closeQuietly(db)
}

func closeQuietly(db *sql.DB) {
	if err := db.Close(); err != nil {
		observability.Log().Debug("migrations connection close",
			observability.Field{Key: "error", Value: err.Error()})
	}
}

func recordResult(result string) {
	observability.Telemetry().IncCounter("courier.db.migrations", 1, map[string]string{"result": result})
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}
