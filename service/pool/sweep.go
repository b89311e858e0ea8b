package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ownmark/anchor/service/db"
	"github.com/ownmark/anchor/service/fault"
)

// SweepResult summarizes one dust-sweep pass.
type SweepResult struct {
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason,omitempty"`
	Swept   int    `json:"swept"`
	TxID    string `json:"txid,omitempty"`
	Amount  uint64 `json:"amount"`
}

// SweepDust consolidates accumulated dust outputs into a single spendable
// output paid back to the funding address. It only fires once the dust count
// reaches the configured floor: sweeping a handful of tiny outputs spends
// more in fees than it recovers. The whole pass runs under a distributed
// lease so two instances never sweep the same outputs.
func (o *Orchestrator) SweepDust(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	result, err := o.sweepDust(ctx)
	duration := time.Since(start).Seconds()

	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
	case result.Skipped:
		outcome = "skipped"
	}
	o.metrics.RecordMaintenance("sweep", outcome, duration)

	if err == nil {
		o.publishPoolGauges(ctx)
	}
	return result, err
}

func (o *Orchestrator) sweepDust(ctx context.Context) (*SweepResult, error) {
	counts, err := o.store.CountPool(ctx, o.cfg.DustThreshold)
	if err != nil {
		return nil, err
	}
	if counts.Dust < o.cfg.DustSweepFloor {
		return &SweepResult{Skipped: true, Reason: "below_floor"}, nil
	}

	var result *SweepResult
	skipped, err := o.withLease(ctx, leaseSweep, func(ctx context.Context) error {
		result, err = o.sweepLocked(ctx)
		return err
	})
	if skipped {
		return &SweepResult{Skipped: true, Reason: "lease_held_elsewhere"}, err
	}
	return result, err
}

func (o *Orchestrator) sweepLocked(ctx context.Context) (*SweepResult, error) {
	dust, err := o.store.LockDust(ctx, o.cfg.DustThreshold)
	if err != nil {
		return nil, err
	}
	// Re-check under the lease: another instance may have swept between the
	// count and the lock.
	if len(dust) < o.cfg.DustSweepFloor {
		o.unlockOrWarn(ctx, dust, "sweep")
		return &SweepResult{Skipped: true, Reason: "below_floor"}, nil
	}

	var total uint64
	for _, r := range dust {
		total += r.Amount
	}

	built, err := o.builder.Build(dust, nil, nil, o.cfg.FundingAddress)
	if err != nil {
		o.unlockOrWarn(ctx, dust, "sweep")
		if errors.Is(err, fault.ErrInsufficientFunds) {
			// The fee exceeds the dust's combined value. Leave the outputs
			// alone until more accumulates.
			o.logger.InfoContext(ctx, "dust sweep uneconomic at current fee rate",
				"count", len(dust),
				"total", total,
			)
			return &SweepResult{Skipped: true, Reason: "uneconomic"}, nil
		}
		return nil, err
	}

	txid, err := o.signAndBroadcast(ctx, built)
	if err != nil {
		o.unlockOrWarn(ctx, dust, "sweep")
		return nil, err
	}

	if err := o.store.SpendMany(ctx, db.Outpoints(dust)); err != nil {
		return nil, fmt.Errorf("sweep %s broadcast but inputs not marked spent: %w", txid, err)
	}
	if err := o.registerOutputs(ctx, txid, built); err != nil {
		return nil, fmt.Errorf("sweep %s broadcast but output not registered: %w", txid, err)
	}

	o.logger.InfoContext(ctx, "swept dust outputs",
		"count", len(dust),
		"total", total,
		"fee", built.Fee,
		"txid", txid,
	)
	return &SweepResult{Swept: len(dust), TxID: txid, Amount: total}, nil
}
