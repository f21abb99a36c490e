package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newCLI() *cli.App {
	return &cli.App{
		Name:  "intervald",
		Usage: "run tasks on a fixed delay with optional timeouts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "./config.yaml",
				Usage:   "path to config yaml",
				EnvVars: []string{"INTERVALD_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "optional .env file loaded before the config",
			},
		},
		Before: func(c *cli.Context) error {
			if p := c.String("env-file"); p != "" {
				if err := godotenv.Load(p); err != nil {
					return cli.Exit("failed to load env file: "+err.Error(), 1)
				}
			}
			return nil
		},
		DefaultCommand: "run",
		Commands: []*cli.Command{
			runCommand(),
			checkCommand(),
			historyCommand(),
		},
	}
}
