package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/matheus3301/sectorsync/internal/store/migrations"
)

// SchemaVersion is the migration version this build expects.
const SchemaVersion = 2

// MigrateResult reports the schema state after Migrate.
type MigrateResult struct {
	Version uint
	Dirty   bool
	Changed bool
}

// Migrate applies every pending schema migration. A dirty schema, left by a
// migration that failed halfway, is reported as an error.
func (db *DB) Migrate() (*MigrateResult, error) {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}

	res := &MigrateResult{Changed: true}
	if err := m.Up(); errors.Is(err, migrate.ErrNoChange) {
		res.Changed = false
	} else if err != nil {
		return nil, fmt.Errorf("migration up: %w", err)
	}

	res.Version, res.Dirty, err = m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return nil, fmt.Errorf("migration version: %w", err)
	}
	if res.Dirty {
		return res, fmt.Errorf("schema version %d is dirty", res.Version)
	}
	return res, nil
}
