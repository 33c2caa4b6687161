package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/chatmirror/internal/store/migrations"
)

// ErrDirtySchema means an earlier migration stopped halfway. The archive
// needs manual repair before the daemon may write to it again.
var ErrDirtySchema = errors.New("archive schema is dirty")

// SchemaState is the schema version before and after Migrate.
type SchemaState struct {
	From uint
	To   uint
}

// Changed reports whether Migrate applied anything.
func (s SchemaState) Changed() bool { return s.From != s.To }

func (db *DB) migrator() (*migrate.Migrate, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}
	return m, nil
}

func schemaVersion(m *migrate.Migrate) (uint, bool, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("schema version: %w", err)
	}
	return v, dirty, nil
}

// Migrate brings the archive schema up to date. It refuses to touch a dirty
// schema.
func (db *DB) Migrate() (SchemaState, error) {
	m, err := db.migrator()
	if err != nil {
		return SchemaState{}, err
	}

	from, dirty, err := schemaVersion(m)
	if err != nil {
		return SchemaState{}, err
	}
	if dirty {
		return SchemaState{From: from, To: from}, fmt.Errorf("%w at version %d", ErrDirtySchema, from)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return SchemaState{From: from}, fmt.Errorf("migration up: %w", err)
	}

	to, _, err := schemaVersion(m)
	if err != nil {
		return SchemaState{From: from}, err
	}
	return SchemaState{From: from, To: to}, nil
}
