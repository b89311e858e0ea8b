package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/ownmark/anchor/service/db"
	"github.com/ownmark/anchor/service/txbuilder"
)

// SplitResult summarizes one split pass.
type SplitResult struct {
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason,omitempty"`
	Outputs int    `json:"outputs"`
	TxID    string `json:"txid,omitempty"`
}

// SplitIfNeeded restores pool capacity by splitting one large resource into
// uniform spendable outputs when the available count has dropped below the
// configured minimum. The deficit is capped per pass so a drained pool
// recovers over several rounds instead of one oversized transaction. Runs
// under a distributed lease.
func (o *Orchestrator) SplitIfNeeded(ctx context.Context) (*SplitResult, error) {
	start := time.Now()
	result, err := o.splitIfNeeded(ctx)
	duration := time.Since(start).Seconds()

	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
	case result.Skipped:
		outcome = "skipped"
	}
	o.metrics.RecordMaintenance("split", outcome, duration)

	if err == nil {
		o.publishPoolGauges(ctx)
	}
	return result, err
}

func (o *Orchestrator) splitIfNeeded(ctx context.Context) (*SplitResult, error) {
	counts, err := o.store.CountPool(ctx, o.cfg.DustThreshold)
	if err != nil {
		return nil, err
	}

	deficit := o.cfg.MinPoolSize - counts.Available
	if deficit <= 0 {
		return &SplitResult{Skipped: true, Reason: "pool_full"}, nil
	}
	if deficit > o.cfg.MaxSplitOutputs {
		deficit = o.cfg.MaxSplitOutputs
	}

	var result *SplitResult
	skipped, err := o.withLease(ctx, leaseSplit, func(ctx context.Context) error {
		result, err = o.splitLocked(ctx, deficit)
		return err
	})
	if skipped {
		return &SplitResult{Skipped: true, Reason: "lease_held_elsewhere"}, err
	}
	return result, err
}

func (o *Orchestrator) splitLocked(ctx context.Context, deficit int) (*SplitResult, error) {
	need := uint64(deficit)*o.cfg.SplitOutputSize + o.cfg.FeeBuffer

	source, err := o.store.SelectAndLock(ctx, need)
	if err != nil {
		return nil, err
	}
	if source == nil {
		// Nothing big enough to split. Operator action: the funding address
		// needs a top-up, or a sweep has to consolidate first.
		o.logger.WarnContext(ctx, "pool below minimum but no resource can fund a split",
			"deficit", deficit,
			"need", need,
		)
		return &SplitResult{Skipped: true, Reason: "no_large_resource_available"}, nil
	}

	outputs := make([]txbuilder.Output, deficit)
	for i := range outputs {
		outputs[i] = txbuilder.Output{Address: o.cfg.FundingAddress, Satoshis: o.cfg.SplitOutputSize}
	}

	inputs := []*db.Resource{source}
	built, err := o.builder.Build(inputs, nil, outputs, o.cfg.FundingAddress)
	if err != nil {
		o.unlockOrWarn(ctx, inputs, "split")
		return nil, err
	}

	txid, err := o.signAndBroadcast(ctx, built)
	if err != nil {
		o.unlockOrWarn(ctx, inputs, "split")
		return nil, err
	}

	if err := o.store.SpendMany(ctx, db.Outpoints(inputs)); err != nil {
		return nil, fmt.Errorf("split %s broadcast but input not marked spent: %w", txid, err)
	}
	if err := o.registerOutputs(ctx, txid, built); err != nil {
		return nil, fmt.Errorf("split %s broadcast but outputs not registered: %w", txid, err)
	}

	o.logger.InfoContext(ctx, "split resource to restore pool capacity",
		"source", source.Outpoint.String(),
		"outputs", deficit,
		"output_size", o.cfg.SplitOutputSize,
		"fee", built.Fee,
		"txid", txid,
	)
	return &SplitResult{Outputs: deficit, TxID: txid}, nil
}
