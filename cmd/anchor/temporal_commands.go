package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ownmark/anchor/service/temporal"
	"github.com/urfave/cli/v2"
)

func enqueueCommand() *cli.Command {
	return &cli.Command{
		Name:      "enqueue",
		Usage:     "Start the anchoring workflow for a pending record",
		ArgsUsage: "<record_id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: record id")
			}

			client, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer client.Close()

			runID, err := client.StartAnchorWorkflow(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to enqueue record: %w", err)
			}

			return outputJSON(map[string]string{
				"record_id": c.Args().First(),
				"run_id":    runID,
			})
		},
	}
}

func ensureScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "ensure-schedule",
		Usage: "Create or update the pool-maintenance schedule",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "How often maintenance runs",
				Value: 60 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			client, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer client.Close()

			interval := c.Duration("interval")
			if err := client.EnsureMaintenanceSchedule(context.Background(), interval); err != nil {
				return fmt.Errorf("failed to ensure schedule: %w", err)
			}

			fmt.Fprintf(os.Stderr, "pool-maintenance schedule ensured (interval %s)\n", interval)
			return nil
		},
	}
}

func deleteScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "delete-schedule",
		Usage: "Delete the pool-maintenance schedule",
		Action: func(c *cli.Context) error {
			client, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.DeleteMaintenanceSchedule(context.Background()); err != nil {
				return fmt.Errorf("failed to delete schedule: %w", err)
			}

			fmt.Fprintln(os.Stderr, "pool-maintenance schedule deleted")
			return nil
		},
	}
}

// Helper function to connect to Temporal
func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	logger := cliLogger()

	client, err := temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("task-queue"),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal: %w", err)
	}
	return client, nil
}
