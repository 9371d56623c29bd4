// Command mailtriage polls a mailbox, asks a language model about each
// unread message and sends the replies it suggests.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "mailtriage",
		Usage: "AI-assisted email triage",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config.yaml",
				EnvVars: []string{"MAILTRIAGE_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "dotenv file loaded before the configuration",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override log.level (debug, info, warn, error)",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "log replies instead of sending them",
			},
		},
		Before: func(c *cli.Context) error {
			// A missing .env file is normal.
			if err := godotenv.Load(c.String("env-file")); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("loading %s: %w", c.String("env-file"), err)
			}
			return nil
		},
		Action: runTUI,
		Commands: []*cli.Command{
			{
				Name:   "tui",
				Usage:  "start the terminal interface (default)",
				Action: runTUI,
			},
			{
				Name:  "run",
				Usage: "poll headless until interrupted",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "once", Usage: "run a single iteration and exit"},
				},
				Action: runHeadless,
			},
			{
				Name:   "check",
				Usage:  "log in once and report the number of unread messages",
				Action: runCheck,
			},
			{
				Name:  "rules",
				Usage: "show or replace the processing rules",
				Subcommands: []*cli.Command{
					{
						Name:   "show",
						Usage:  "print the current rules",
						Action: rulesShow,
					},
					{
						Name:      "set",
						Usage:     "replace the rules with the text of a file, or stdin for -",
						ArgsUsage: "<file|->",
						Action:    rulesSet,
					},
					{
						Name:  "history",
						Usage: "list earlier revisions",
						Flags: []cli.Flag{
							&cli.IntFlag{Name: "limit", Value: 10},
						},
						Action: rulesHistory,
					},
				},
			},
			{
				Name:  "secret",
				Usage: "store or remove secrets in the system keyring",
				Subcommands: []*cli.Command{
					{
						Name:      "set",
						Usage:     "read a secret from stdin and store it",
						ArgsUsage: "<password|apikey>",
						Action:    secretSet,
					},
					{
						Name:      "delete",
						Usage:     "remove a stored secret",
						ArgsUsage: "<password|apikey>",
						Action:    secretDelete,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
