package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ownmark/anchor/service/config"
	"github.com/ownmark/anchor/service/db"
	"github.com/urfave/cli/v2"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the database schema",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to migrate: %w", err)
			}

			fmt.Fprintln(os.Stderr, "schema applied")
			return nil
		},
	}
}

func poolStatusCommand() *cli.Command {
	return &cli.Command{
		Name:    "pool-status",
		Usage:   "Show resource counts by status",
		Aliases: []string{"ps"},
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:  "dust-threshold",
				Usage: "Satoshi threshold below which an available resource counts as dust",
				Value: 2_000,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			counts, err := store.CountPool(context.Background(), c.Uint64("dust-threshold"))
			if err != nil {
				return fmt.Errorf("failed to count pool: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(counts)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STATUS\tCOUNT")
			fmt.Fprintf(w, "available\t%d\n", counts.Available)
			fmt.Fprintf(w, "unconfirmed\t%d\n", counts.Unconfirmed)
			fmt.Fprintf(w, "locked\t%d\n", counts.Locked)
			fmt.Fprintf(w, "spent\t%d\n", counts.Spent)
			fmt.Fprintf(w, "dust (available)\t%d\n", counts.Dust)
			w.Flush()
			return nil
		},
	}
}

func listResourcesCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-resources",
		Usage:   "List pool resources",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Resource status (available, unconfirmed, locked, spent)",
				Value:   db.ResourceAvailable,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			resources, err := store.ListResourcesByStatus(context.Background(), c.String("status"))
			if err != nil {
				return fmt.Errorf("failed to list resources: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(resources)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "OUTPOINT\tAMOUNT\tSTATUS\tUPDATED")
			for _, r := range resources {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
					r.Outpoint,
					r.Amount,
					r.Status,
					r.UpdatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d resources\n", len(resources))
			return nil
		},
	}
}

func listOwnershipCommand() *cli.Command {
	return &cli.Command{
		Name:  "list-ownership",
		Usage: "List ownership pointers, most recently updated first",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of pointers",
				Value:   50,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			pointers, err := store.ListOwnership(context.Background(), int32(c.Int("limit")))
			if err != nil {
				return fmt.Errorf("failed to list ownership pointers: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(pointers)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "UID TAG\tCURRENT TXID\tOWNER\tVERSION\tUPDATED")
			for _, p := range pointers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					p.UIDTag,
					p.CurrentTxID,
					p.CurrentOwner,
					p.Version,
					p.UpdatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d pointers\n", len(pointers))
			return nil
		},
	}
}

func getOwnershipCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-ownership",
		Usage:     "Get the ownership pointer for a uid tag",
		ArgsUsage: "<uid_tag>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: uid tag")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			pointer, err := store.GetOwnership(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get ownership pointer: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(pointer)
			}

			fmt.Printf("UID Tag:      %s\n", pointer.UIDTag)
			fmt.Printf("Current TxID: %s\n", pointer.CurrentTxID)
			fmt.Printf("Owner:        %s\n", pointer.CurrentOwner)
			fmt.Printf("Version:      %d\n", pointer.Version)
			fmt.Printf("Updated:      %s\n", pointer.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// The CLI only reads and runs operator actions; transactional is always
	// safe here regardless of what the worker is configured with.
	store, err := db.NewStore(pool, config.AtomicityTransactional, nil)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	closer := func() { pool.Close() }

	return store, closer, nil
}

// cliLogger keeps one-shot CLI runs quiet below warnings.
func cliLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// Helper function to output JSON
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
