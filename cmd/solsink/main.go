package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	app := &cli.App{
		Name:  "solsink",
		Usage: "Solana transaction ingestion pipeline CLI",
		Description: `A command-line tool for managing and debugging the solsink pipeline.

Use this CLI to run migrations, manage the watched account set, and inspect
ingested transactions.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			// Database management commands
			{
				Name:  "db",
				Usage: "Database management commands",
				Subcommands: []*cli.Command{
					migrateCommand(),
					pingCommand(),
				},
			},
			// Watched account set commands
			{
				Name:  "accounts",
				Usage: "Watched account set commands",
				Subcommands: []*cli.Command{
					addAccountCommand(),
					removeAccountCommand(),
					listAccountsCommand(),
					listSignaturesCommand(),
				},
			},
			// Ingested transaction inspection commands
			{
				Name:  "tx",
				Usage: "Ingested transaction inspection commands",
				Subcommands: []*cli.Command{
					getTransactionCommand(),
					listTransactionsCommand(),
				},
			},
			// Manual discovery runs
			discoveryCommands(),
			// Program inspection commands
			programCommands(),
			// NATS event streaming commands
			{
				Name:  "events",
				Usage: "NATS event streaming commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
					replayCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
