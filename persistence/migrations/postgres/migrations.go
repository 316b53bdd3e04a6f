// Package postgres discovers and runs the SQL migrations for the Postgres
// repository backend, using a go-pg/migrations collection.
package postgres

import (
	"sync"

	"github.com/go-pg/migrations/v8"
)

var (
	sqlDiscoveryOnce sync.Once

	// Collection holds the discovered migrations for the hold schema.
	Collection = migrations.NewCollection()
)

func init() {
	Collection.DisableSQLAutodiscover(true)
	Collection.SetTableName("hold.schema_migrations")
}

// Discover scans dir for *.sql migration files. dir defaults to the
// relative path "persistence/migrations/postgres", resolved against the
// process's working directory.
func Discover(dir string) error {
	var err error

	sqlDiscoveryOnce.Do(func() {
		if dir == "" {
			dir = "persistence/migrations/postgres"
		}

		err = Collection.DiscoverSQLMigrations(dir)
	})

	return err
}

// Run runs a migration command (init, up, down, reset, version,
// set_version) against db.
func Run(db migrations.DB, a ...string) (oldVersion, newVersion int64, err error) {
	if err := Discover(""); err != nil {
		return 0, 0, err
	}

	return Collection.Run(db, a...)
}
