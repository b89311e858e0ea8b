package main

import (
	"context"
	"fmt"

	"github.com/ownmark/anchor/service/config"
	"github.com/ownmark/anchor/service/ledger"
	"github.com/ownmark/anchor/service/pool"
	"github.com/ownmark/anchor/service/signer"
	"github.com/ownmark/anchor/service/txbuilder"
	"github.com/urfave/cli/v2"
)

func poolSyncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Reconcile the resource inventory against the ledger",
		Action: func(c *cli.Context) error {
			orchestrator, closer, err := getOrchestrator(c)
			if err != nil {
				return err
			}
			defer closer()

			result, err := orchestrator.Sync(context.Background())
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			return outputJSON(result)
		},
	}
}

func poolSweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Consolidate accumulated dust outputs",
		Action: func(c *cli.Context) error {
			orchestrator, closer, err := getOrchestrator(c)
			if err != nil {
				return err
			}
			defer closer()

			result, err := orchestrator.SweepDust(context.Background())
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			return outputJSON(result)
		},
	}
}

func poolSplitCommand() *cli.Command {
	return &cli.Command{
		Name:  "split",
		Usage: "Split a large resource to restore pool capacity",
		Action: func(c *cli.Context) error {
			orchestrator, closer, err := getOrchestrator(c)
			if err != nil {
				return err
			}
			defer closer()

			result, err := orchestrator.SplitIfNeeded(context.Background())
			if err != nil {
				return fmt.Errorf("split failed: %w", err)
			}
			return outputJSON(result)
		},
	}
}

func poolReapCommand() *cli.Command {
	return &cli.Command{
		Name:  "reap",
		Usage: "Recover resource locks abandoned by crashed processes",
		Action: func(c *cli.Context) error {
			orchestrator, closer, err := getOrchestrator(c)
			if err != nil {
				return err
			}
			defer closer()

			reaped, err := orchestrator.Reap(context.Background())
			if err != nil {
				return fmt.Errorf("reap failed: %w", err)
			}
			return outputJSON(map[string]int{"reaped": reaped})
		},
	}
}

// getOrchestrator builds a pool orchestrator from the full environment
// configuration. Direct CLI maintenance runs without the distributed lease;
// the operator is expected to know whether a worker is live.
func getOrchestrator(c *cli.Context) (*pool.Orchestrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("pool commands need the full worker environment: %w", err)
	}

	store, closer, err := getStore(c)
	if err != nil {
		return nil, nil, err
	}

	logger := cliLogger()

	ledgerClient := ledger.NewHTTPClient(cfg.LedgerURL, cfg.LedgerTimeout, nil, logger)
	signerClient := signer.NewHTTPClient(cfg.SignerURL, cfg.SignerTimeout, nil, logger)
	builder := txbuilder.NewBuilder(cfg.FeeRatePerKB)

	// nil metrics: one-shot CLI runs have nothing to scrape.
	orchestrator := pool.NewOrchestrator(store, ledgerClient, signerClient, builder, nil, pool.Config{
		FundingAddress:  cfg.FundingAddress,
		FundingKeyID:    cfg.FundingKeyID,
		MinPoolSize:     cfg.MinPoolSize,
		SplitOutputSize: cfg.SplitOutputSize,
		MaxSplitOutputs: cfg.MaxSplitOutputs,
		FeeBuffer:       cfg.FeeBuffer,
		DustThreshold:   cfg.DustThreshold,
		DustSweepFloor:  cfg.DustSweepFloor,
		Confirmations:   cfg.Confirmations,
		ReapAge:         cfg.ReapAge,
		LockTTL:         cfg.LockTTL,
	}, nil, logger)

	return orchestrator, closer, nil
}
