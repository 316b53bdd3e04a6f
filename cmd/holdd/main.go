package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Value:   "holdd.yaml",
}

func main() {
	app := &cli.App{
		Name:  "holdd",
		Usage: "hold invoice decision engine",
		Commands: []*cli.Command{
			runCommand,
			migrateCommand,
			gcCommand,
		},
		Flags: []cli.Flag{
			configFlag,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
