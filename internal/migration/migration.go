// Package migration wraps golang-migrate to apply the embedded SQL schema
// (the api_usage ledger table) before the server starts taking traffic.
package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
)

// Migrator is the subset of *migrate.Migrate used here so unit tests can
// inject a stub.
type Migrator interface {
	Up() error
	Version() (version uint, dirty bool, err error)
}

// migrateMaker builds a Migrator from a *sql.DB and the migrations filesystem.
type migrateMaker func(db *sql.DB, migrationsFS fs.ReadDirFS) (Migrator, error)

// defaultMakeMigrator builds a real *migrate.Migrate backed by iofs + postgres.
func defaultMakeMigrator(db *sql.DB, migrationsFS fs.ReadDirFS) (Migrator, error) {
	src, err := iofs.New(migrationsFS, ".")
	if err != nil {
		return nil, fmt.Errorf("iofs source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "istheaudio_schema_migrations"})
	if err != nil {
		return nil, fmt.Errorf("postgres driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrate instance: %w", err)
	}
	return m, nil
}

// RunMigrations applies all pending migrations and logs the resulting schema
// version. migrationsFS must be a directory FS whose root contains the
// numbered *.sql files (e.g. 0001_api_usage.up.sql).
func RunMigrations(db *sql.DB, migrationsFS fs.ReadDirFS, log zerolog.Logger) error {
	return runMigrations(db, migrationsFS, defaultMakeMigrator, log)
}

func runMigrations(db *sql.DB, migrationsFS fs.ReadDirFS, maker migrateMaker, log zerolog.Logger) error {
	m, err := maker(db, migrationsFS)
	if err != nil {
		return err
	}

	err = m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Debug().Msg("schema already up to date")
	case err != nil:
		return fmt.Errorf("migrate up: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty", version)
	}
	log.Info().Uint("version", version).Msg("schema migrated")
	return nil
}
