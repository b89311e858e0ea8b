package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/itchyny/gojq"
	"github.com/ownmark/anchor/service/anchor"
	"github.com/ownmark/anchor/service/config"
	"github.com/ownmark/anchor/service/db"
	"github.com/ownmark/anchor/service/ledger"
	"github.com/ownmark/anchor/service/records"
	"github.com/ownmark/anchor/service/signer"
	"github.com/ownmark/anchor/service/temporal"
	"github.com/ownmark/anchor/service/txbuilder"
	"github.com/urfave/cli/v2"
)

func createRecordCommand() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Create a pending registration or transfer record",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "uid-tag",
				Usage:    "Physical item identifier",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "kind",
				Usage:    "Record kind (REGISTRATION or TRANSFER)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "new-owner",
				Usage:    "New owner identifier",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "previous-txid",
				Usage: "Previous anchoring txid (TRANSFER only; defaults to the current pointer)",
			},
			&cli.StringFlag{
				Name:  "payload",
				Usage: "Application payload as a JSON object",
				Value: "{}",
			},
			&cli.BoolFlag{
				Name:    "anchor",
				Aliases: []string{"enqueue"},
				Usage:   "Dispatch the record after creating it (workflow, or inline when the queue is disabled)",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			payload := []byte(c.String("payload"))
			var check any
			if err := json.Unmarshal(payload, &check); err != nil {
				return fmt.Errorf("payload must be valid JSON: %w", err)
			}

			var previousTxID *string
			if v := c.String("previous-txid"); v != "" {
				previousTxID = &v
			}

			svc := records.NewService(store, nil, nil)
			record, err := svc.CreatePending(context.Background(), records.CreateParams{
				UIDTag:       c.String("uid-tag"),
				Kind:         c.String("kind"),
				PreviousTxID: previousTxID,
				NewOwner:     c.String("new-owner"),
				Payload:      payload,
			})
			if err != nil {
				return fmt.Errorf("failed to create record: %w", err)
			}

			if c.Bool("anchor") {
				if err := dispatchRecord(c, store, svc, record.ID); err != nil {
					return fmt.Errorf("record %s created but dispatch failed: %w", record.ID, err)
				}
				if record, err = store.GetPendingRecord(context.Background(), record.ID); err != nil {
					return fmt.Errorf("failed to re-read record: %w", err)
				}
			}

			return outputJSON(record)
		},
	}
}

func getRecordCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Get a pending record by id",
		ArgsUsage: "<record_id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: record id")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			record, err := store.GetPendingRecord(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get record: %w", err)
			}

			return outputJSON(record)
		},
	}
}

func listRecordsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Usage:   "List pending records by status",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Record status (pending, confirmed, failed)",
				Value:   db.PendingStatusPending,
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of records",
				Value:   50,
			},
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Aliases: []string{"jq"},
				Usage:   "jq filter expression that must evaluate to true (can be specified multiple times, all must match)",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			recs, err := store.ListPendingRecordsByStatus(context.Background(), c.String("status"), int32(c.Int("limit")))
			if err != nil {
				return fmt.Errorf("failed to list records: %w", err)
			}

			recs, err = filterRecords(recs, c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(recs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUID TAG\tKIND\tSTATUS\tRESULT TXID\tCREATED")
			for _, r := range recs {
				txid := ""
				if r.ResultTxID != nil {
					txid = *r.ResultTxID
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID,
					r.UIDTag,
					r.Kind,
					r.Status,
					txid,
					r.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d records\n", len(recs))
			return nil
		},
	}
}

func recoverRecordCommand() *cli.Command {
	return &cli.Command{
		Name:      "recover",
		Usage:     "Return a failed record to pending and optionally re-enqueue it",
		ArgsUsage: "<record_id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "anchor",
				Aliases: []string{"enqueue"},
				Usage:   "Dispatch the record again after recovery (workflow, or inline when the queue is disabled)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: record id")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			svc := records.NewService(store, nil, nil)
			record, err := svc.Recover(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to recover record: %w", err)
			}

			if c.Bool("anchor") {
				if err := dispatchRecord(c, store, svc, record.ID); err != nil {
					return fmt.Errorf("record %s recovered but dispatch failed: %w", record.ID, err)
				}
				if record, err = store.GetPendingRecord(context.Background(), record.ID); err != nil {
					return fmt.Errorf("failed to re-read record: %w", err)
				}
			}

			return outputJSON(record)
		},
	}
}

func anchorRecordCommand() *cli.Command {
	return &cli.Command{
		Name:      "anchor",
		Usage:     "Run the anchoring pipeline synchronously for a pending record",
		ArgsUsage: "<record_id>",
		Description: `Runs the same lock-build-sign-broadcast-confirm pipeline the queue
workers run, inline, blocking until the record is confirmed or failed. This is
the anchoring path for deployments with QUEUE_ENABLED=false, and doubles as an
operator re-run for a record whose workflow was lost.`,
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: record id")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			anchorSvc, err := getAnchorService(store)
			if err != nil {
				return err
			}

			result, err := anchorSvc.Anchor(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("anchoring failed: %w", err)
			}
			return outputJSON(result)
		},
	}
}

// dispatchRecord routes a freshly created or recovered record into the
// pipeline, honoring QUEUE_ENABLED: start a durable workflow when the queue
// is on, run the same pipeline inline when it is off.
func dispatchRecord(c *cli.Context, store *db.Store, svc *records.Service, recordID string) error {
	if c.Bool("queue-enabled") {
		client, err := getTemporalClient(c)
		if err != nil {
			return err
		}
		defer client.Close()

		_, err = temporal.NewDispatcher(client, nil, svc, cliLogger()).Dispatch(context.Background(), recordID)
		return err
	}

	anchorSvc, err := getAnchorService(store)
	if err != nil {
		return err
	}
	_, err = temporal.NewDispatcher(nil, anchorSvc, svc, cliLogger()).Dispatch(context.Background(), recordID)
	return err
}

// getAnchorService builds the synchronous anchoring pipeline from the full
// worker environment. It shares anchor.Service with the queue workers, so an
// inline run and a workflow run behave identically.
func getAnchorService(store *db.Store) (*anchor.Service, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("synchronous anchoring needs the full worker environment: %w", err)
	}

	logger := cliLogger()
	ledgerClient := ledger.NewHTTPClient(cfg.LedgerURL, cfg.LedgerTimeout, nil, logger)
	signerClient := signer.NewHTTPClient(cfg.SignerURL, cfg.SignerTimeout, nil, logger)
	builder := txbuilder.NewBuilder(cfg.FeeRatePerKB)
	recordSvc := records.NewService(store, nil, logger)

	return anchor.NewService(store, recordSvc, ledgerClient, signerClient, builder, anchor.Config{
		FundingAddress: cfg.FundingAddress,
		FeeBuffer:      cfg.FeeBuffer,
	}, nil, logger), nil
}

// filterRecords applies the compiled jq filters to each record's JSON form;
// a record survives only if every filter evaluates to a truthy value.
func filterRecords(recs []*db.PendingRecord, filters []string) ([]*db.PendingRecord, error) {
	if len(filters) == 0 {
		return recs, nil
	}

	compiled := make([]*gojq.Code, len(filters))
	for i, filter := range filters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		compiled[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}

	var kept []*db.PendingRecord
	for _, r := range recs {
		raw, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, err
		}

		matches := true
		for _, code := range compiled {
			iter := code.Run(generic)
			v, ok := iter.Next()
			if !ok {
				matches = false
				break
			}
			if _, isErr := v.(error); isErr {
				matches = false
				break
			}
			if !isTruthy(v) {
				matches = false
				break
			}
		}
		if matches {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

// isTruthy follows jq semantics: false and null are falsy, everything else
// is truthy.
func isTruthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	default:
		return true
	}
}
