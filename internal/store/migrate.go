package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Schema migrations for the Postgres backend ship inside the binary;
// PostgresStore.Initialize applies them, cmd/migrate drives them manually.
//
//go:embed schema
var schemaFS embed.FS

// withMigrator runs fn against a migrator over the embedded schema files
// and tears the migrator down afterwards.
func withMigrator(db *sql.DB, fn func(*migrate.Migrate) error) error {
	driver, err := pgmigrate.WithInstance(db, &pgmigrate.Config{})
	if err != nil {
		return fmt.Errorf("postgres migrate driver: %w", err)
	}
	src, err := iofs.New(schemaFS, "schema")
	if err != nil {
		return fmt.Errorf("embedded schema source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	runErr := fn(m)
	srcErr, dbErr := m.Close()
	return errors.Join(runErr, srcErr, dbErr)
}

// MigrateUp brings the schema to the latest version. Already being there
// is not an error.
func MigrateUp(db *sql.DB) error {
	return withMigrator(db, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("schema up: %w", err)
		}
		return nil
	})
}

// MigrateDown rolls the schema back by steps versions (at least one).
func MigrateDown(db *sql.DB, steps int) error {
	if steps < 1 {
		steps = 1
	}
	return withMigrator(db, func(m *migrate.Migrate) error {
		if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("schema down: %w", err)
		}
		return nil
	})
}

// SchemaVersion reports the applied schema version and whether the last
// migration left the schema dirty. A fresh database reports version 0.
func SchemaVersion(db *sql.DB) (version uint, dirty bool, err error) {
	err = withMigrator(db, func(m *migrate.Migrate) error {
		v, d, verr := m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			return nil
		}
		if verr != nil {
			return fmt.Errorf("schema version: %w", verr)
		}
		version, dirty = v, d
		return nil
	})
	return version, dirty, err
}
