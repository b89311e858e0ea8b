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
		Name:  "anchor",
		Usage: "Ownership-record anchoring service CLI",
		Description: `A command-line tool for managing and debugging the anchor service.

Use this CLI to inspect pending records and ownership pointers, run pool
maintenance directly, manage Temporal schedules, and stream record events.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			// Database inspection commands
			{
				Name:  "db",
				Usage: "Database inspection and migration commands",
				Subcommands: []*cli.Command{
					migrateCommand(),
					poolStatusCommand(),
					listResourcesCommand(),
					listOwnershipCommand(),
					getOwnershipCommand(),
				},
			},
			// Pending-record lifecycle commands
			{
				Name:  "records",
				Usage: "Pending-record lifecycle commands",
				Subcommands: []*cli.Command{
					createRecordCommand(),
					getRecordCommand(),
					listRecordsCommand(),
					anchorRecordCommand(),
					recoverRecordCommand(),
				},
			},
			// Direct pool maintenance commands
			{
				Name:  "pool",
				Usage: "Run pool maintenance directly (bypasses the queue)",
				Subcommands: []*cli.Command{
					poolSyncCommand(),
					poolSweepCommand(),
					poolSplitCommand(),
					poolReapCommand(),
				},
			},
			// Temporal inspection and management commands
			{
				Name:  "temporal",
				Usage: "Temporal queue and schedule commands",
				Subcommands: []*cli.Command{
					enqueueCommand(),
					ensureScheduleCommand(),
					deleteScheduleCommand(),
				},
			},
			// NATS record event streaming commands
			{
				Name:  "nats",
				Usage: "NATS record event streaming commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
					inspectStreamCommand(),
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
				Name:    "task-queue",
				Usage:   "Temporal task queue",
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
				Value:   "anchor-jobs",
			},
			&cli.BoolFlag{
				Name:    "queue-enabled",
				Usage:   "Dispatch records through the Temporal queue; set false to run the pipeline inline",
				EnvVars: []string{"QUEUE_ENABLED"},
				Value:   true,
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
