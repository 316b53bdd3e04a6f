package main

import (
	"fmt"

	pgmigrations "github.com/holdinvoice/hold/persistence/migrations/postgres"
	sqlitemigrations "github.com/holdinvoice/hold/persistence/migrations/sqlite"

	"github.com/go-pg/pg/v10"
	"github.com/urfave/cli/v2"
)

var migrateCommand = &cli.Command{
	Name:   "migrate",
	Action: migrateAction,
	ArgsUsage: `runs a migration command against the configured database. For
	the postgres driver, supported commands are:
	- init - creates the version table.
	- up [target] - runs available migrations, optionally up to target.
	- down - reverts the last migration.
	- reset - reverts all migrations.
	- version - prints the current db version.
	- set_version [version] - sets the version without running migrations.
	For the sqlite driver the command is not interpreted: any command
	applies every pending embedded migration, as "up" does.`,
}

func migrateAction(c *cli.Context) error {
	if c.Args().Len() == 0 {
		return cli.ShowCommandHelp(c, "migrate")
	}

	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}

	switch cfg.Database.Driver {
	case "postgres":
		return migratePostgres(cfg, c.Args().Slice())

	case "sqlite":
		return sqlitemigrations.Run(cfg.Database.DSN)

	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}

func migratePostgres(cfg *Config, args []string) error {
	options, err := pg.ParseURL(cfg.Database.DSN)
	if err != nil {
		return err
	}

	db := pg.Connect(options)
	defer db.Close()

	oldVersion, newVersion, err := pgmigrations.Run(db, args...)
	if err != nil {
		return err
	}

	if newVersion != oldVersion {
		fmt.Printf("migrated from version %d to %d\n", oldVersion, newVersion)
	} else {
		fmt.Printf("version is %d\n", oldVersion)
	}

	return nil
}
