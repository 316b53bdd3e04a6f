package main

import (
	"fmt"

	"github.com/holdinvoice/hold/persistence"
	"github.com/holdinvoice/hold/persistence/postgres"
	"github.com/holdinvoice/hold/persistence/sqlite"
)

// openRepository opens the persistence backend selected by cfg.Database,
// mirroring how cmd/lnmuxd wires a single go-pg connection from its own
// DbConfig but dispatching on driver name so either backend serves the
// same persistence.Repository contract.
func openRepository(cfg *Config) (persistence.Repository, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return postgres.NewFromDSN(cfg.Database.DSN, &postgres.Config{
			Logger: log,
		})

	case "sqlite":
		return sqlite.New(cfg.Database.DSN)

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}
