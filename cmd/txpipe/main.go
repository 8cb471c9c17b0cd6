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
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "txpipe",
		Usage: "Solana transaction submission pipeline CLI",
		Description: `A command-line tool for operating the txpipe service.

Use this CLI to submit transfers and swaps, watch their progress, control the
dispatcher, browse the archive, and follow lifecycle events.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			txCommands(),
			{
				Name:  "queue",
				Usage: "Queue inspection commands",
				Subcommands: []*cli.Command{
					queueStatsCommand(),
				},
			},
			{
				Name:  "dispatcher",
				Usage: "Dispatcher control commands",
				Subcommands: []*cli.Command{
					dispatcherStartCommand(),
					dispatcherStopCommand(),
				},
			},
			{
				Name:  "db",
				Usage: "Archive inspection commands",
				Subcommands: []*cli.Command{
					historyCommand(),
					countsCommand(),
					migrateCommand(),
				},
			},
			{
				Name:  "events",
				Usage: "Lifecycle event streaming commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
					streamCommand(),
				},
			},
			{
				Name:  "temporal",
				Usage: "Durable submission via Temporal workflows",
				Subcommands: []*cli.Command{
					temporalSubmitCommand(),
					temporalResultCommand(),
				},
			},
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "txpipe server URL",
				EnvVars: []string{"TXPIPE_SERVER_URL"},
				Value:   "http://localhost:8080",
			},
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
			&cli.StringFlag{
				Name:    "temporal-host",
				Usage:   "Temporal server address",
				EnvVars: []string{"TEMPORAL_HOST"},
				Value:   "localhost:7233",
			},
			&cli.StringFlag{
				Name:    "temporal-namespace",
				Usage:   "Temporal namespace",
				EnvVars: []string{"TEMPORAL_NAMESPACE"},
				Value:   "default",
			},
			&cli.StringFlag{
				Name:    "temporal-task-queue",
				Usage:   "Temporal task queue served by the txpipe worker",
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
				Value:   "txpipe-submissions",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}
}
