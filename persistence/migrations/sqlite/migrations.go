// Package sqlite embeds the sqlite schema migrations and exposes a helper
// to run them via golang-migrate, mirroring the migration wiring of
// lnd's sqldb package for its own embedded SQL backend.
package sqlite

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed *.sql
var fs embed.FS

// Run applies every pending "up" migration against the sqlite database
// reachable at dsn.
func Run(dsn string) error {
	source, err := iofs.New(fs, ".")
	if err != nil {
		return fmt.Errorf("cannot load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, "sqlite://"+dsn)
	if err != nil {
		return fmt.Errorf("cannot init migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("cannot run migrations: %w", err)
	}

	return nil
}
