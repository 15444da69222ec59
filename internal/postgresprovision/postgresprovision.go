// Package postgresprovision migrates the builds schema.
package postgresprovision

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrDirty means a previous migration failed halfway and needs manual repair.
var ErrDirty = errors.New("dirty schema")

// Migrate applies every pending migration and returns the resulting schema version.
func Migrate(connectionString string, log *slog.Logger) (uint, error) {
	db, err := sql.Open("pgx", connectionString)
	if err != nil {
		return 0, fmt.Errorf("postgresprovision.Migrate: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Error("didn't close database", "error", closeErr)
		}
	}()

	m, err := newMigrate(db)
	if err != nil {
		return 0, fmt.Errorf("postgresprovision.Migrate: %w", err)
	}

	before, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("postgresprovision.Migrate: %w", err)
	}
	if dirty {
		return before, fmt.Errorf("postgresprovision.Migrate: %w at version %d", ErrDirty, before)
	}

	if err = m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return before, fmt.Errorf("postgresprovision.Migrate: %w", err)
	}

	after, _, err := m.Version()
	if err != nil {
		return before, fmt.Errorf("postgresprovision.Migrate: %w", err)
	}
	if after != before {
		log.Info("migrated schema", "from", before, "to", after)
	}
	return after, nil
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, err
	}
	return migrate.NewWithInstance("iofs", source, "postgres", driver)
}
