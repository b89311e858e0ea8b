package pool

import (
	"context"
	"time"

	"github.com/ownmark/anchor/service/db"
)

// SyncResult summarizes one reconciliation pass.
type SyncResult struct {
	ChainHeight uint32 `json:"chain_height"`
	Inserted    int    `json:"inserted"`
	Promoted    int    `json:"promoted"`
	MarkedSpent int    `json:"marked_spent"`
}

// Sync reconciles the local resource inventory against the ledger's view of
// the funding address. The ledger is authoritative: outputs it reports and we
// do not know are inserted, local unconfirmed outputs that reached the
// confirmation threshold are promoted, and local live outputs the ledger has
// verifiably spent are marked spent. Outputs merely absent from the unspent
// list are left alone until their spend status confirms it, because provider
// indexing lag must not eat a freshly created change output.
func (o *Orchestrator) Sync(ctx context.Context) (*SyncResult, error) {
	start := time.Now()
	result, err := o.sync(ctx)
	duration := time.Since(start).Seconds()

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	o.metrics.RecordMaintenance("sync", outcome, duration)

	if err == nil {
		o.publishPoolGauges(ctx)
	}
	return result, err
}

func (o *Orchestrator) sync(ctx context.Context) (*SyncResult, error) {
	height, err := o.ledger.GetChainHeight(ctx)
	if err != nil {
		return nil, err
	}

	remote, err := o.ledger.ListUnspent(ctx, o.cfg.FundingAddress)
	if err != nil {
		return nil, err
	}

	local, err := o.store.ListUnspentResources(ctx)
	if err != nil {
		return nil, err
	}

	localByOutpoint := make(map[db.Outpoint]*db.Resource, len(local))
	for _, r := range local {
		localByOutpoint[r.Outpoint] = r
	}

	result := &SyncResult{ChainHeight: height}

	remoteOutpoints := make(map[db.Outpoint]bool, len(remote))
	var promotable []db.Outpoint

	for _, u := range remote {
		out := db.Outpoint{TxID: u.TxID, Vout: u.Vout}
		remoteOutpoints[out] = true
		confirmed := o.meetsThreshold(height, u.Height)

		existing, known := localByOutpoint[out]
		if !known {
			status := db.ResourceUnconfirmed
			if confirmed {
				status = db.ResourceAvailable
			}
			inserted, err := o.store.InsertResource(ctx, db.InsertResourceParams{
				Outpoint:      out,
				Amount:        u.Satoshis,
				LockingScript: u.Script,
				KeyID:         o.cfg.FundingKeyID,
				Status:        status,
			})
			if err != nil {
				return nil, err
			}
			if inserted {
				result.Inserted++
			}
			continue
		}

		if existing.Status == db.ResourceUnconfirmed && confirmed {
			promotable = append(promotable, out)
		}
	}

	promoted, err := o.store.PromoteResources(ctx, promotable)
	if err != nil {
		return nil, err
	}
	result.Promoted = promoted

	// Locally live outputs the ledger no longer reports: confirm the spend
	// before discarding them from the pool.
	var spent []db.Outpoint
	for _, r := range local {
		if remoteOutpoints[r.Outpoint] {
			continue
		}
		status, err := o.ledger.GetSpendStatus(ctx, r.TxID, r.Vout)
		if err != nil {
			return nil, err
		}
		if status.Spent {
			spent = append(spent, r.Outpoint)
		}
	}

	marked, err := o.store.MarkSpentByOutpoints(ctx, spent)
	if err != nil {
		return nil, err
	}
	result.MarkedSpent = marked

	o.logger.InfoContext(ctx, "reconciled pool against ledger",
		"chain_height", result.ChainHeight,
		"inserted", result.Inserted,
		"promoted", result.Promoted,
		"marked_spent", result.MarkedSpent,
	)
	return result, nil
}

// meetsThreshold reports whether an output first seen at utxoHeight has the
// configured number of confirmations. Height zero means still in the mempool.
func (o *Orchestrator) meetsThreshold(chainHeight, utxoHeight uint32) bool {
	if utxoHeight == 0 || utxoHeight > chainHeight {
		return false
	}
	return chainHeight-utxoHeight+1 >= o.cfg.Confirmations
}
