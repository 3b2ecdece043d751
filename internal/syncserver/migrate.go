// Package syncserver implements the per-user op log and dataset-generation
// store (spec §4.10): bootstrap, push, pull, and reset over a Postgres
// backing store, with dedupe and monotone server-assigned cursors.
//
// Grounded on the teacher's pkg/repository/postgres (sqlx.DB-backed
// repository, base_repository.go's error-wrapping conventions) for the SQL
// layer and cmd/migrate's golang-migrate wiring for schema management,
// replacing its stale migration-manager indirection with golang-migrate's
// own iofs source driver directly against the embedded migrations/ tree.
package syncserver

import (
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies every pending migration in migrations/ against db.
func Migrate(db *sqlx.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "failed to open embedded migrations")
	}
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return errors.Wrap(err, "failed to create postgres migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return errors.Wrap(err, "failed to construct migrator")
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
