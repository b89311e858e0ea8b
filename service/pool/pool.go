// Package pool maintains the funding-resource pool: reconciling the local
// inventory against the ledger, consolidating dust, splitting large outputs
// to restore capacity, and reaping locks orphaned by crashed processes.
// Maintenance operations that build transactions run under a distributed
// lease so only one instance mutates the pool at a time.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ownmark/anchor/service/db"
	"github.com/ownmark/anchor/service/ledger"
	"github.com/ownmark/anchor/service/lock"
	"github.com/ownmark/anchor/service/metrics"
	"github.com/ownmark/anchor/service/signer"
	"github.com/ownmark/anchor/service/txbuilder"
)

// Lease names for maintenance operations that must not run concurrently
// across instances.
const (
	leaseSweep = "pool:sweep"
	leaseSplit = "pool:split"
)

// reapBatchLimit bounds how many orphaned locks one reap pass recovers.
const reapBatchLimit = 500

// Config carries the pool-shaping parameters.
type Config struct {
	FundingAddress  string
	FundingKeyID    string
	MinPoolSize     int
	SplitOutputSize uint64
	MaxSplitOutputs int
	FeeBuffer       uint64
	DustThreshold   uint64
	DustSweepFloor  int
	Confirmations   uint32
	ReapAge         time.Duration
	LockTTL         time.Duration
}

// Orchestrator runs pool maintenance against the store and the ledger.
type Orchestrator struct {
	store   *db.Store
	ledger  ledger.Client
	signer  signer.Client
	builder *txbuilder.Builder
	locker  *lock.Locker
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewOrchestrator creates a pool orchestrator. locker may be nil, in which
// case maintenance runs without a distributed lease (single-instance
// deployments and direct CLI invocations).
func NewOrchestrator(
	store *db.Store,
	ledgerClient ledger.Client,
	signerClient signer.Client,
	builder *txbuilder.Builder,
	locker *lock.Locker,
	cfg Config,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:   store,
		ledger:  ledgerClient,
		signer:  signerClient,
		builder: builder,
		locker:  locker,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
}

// withLease runs fn under the named distributed lease when a locker is
// configured, or directly otherwise. The skipped return is true when another
// instance holds the lease.
func (o *Orchestrator) withLease(ctx context.Context, name string, fn func(ctx context.Context) error) (skipped bool, err error) {
	if o.locker == nil {
		return false, fn(ctx)
	}

	outcome := o.locker.WithHeartbeat(ctx, name, o.cfg.LockTTL, fn)
	if outcome.Skipped() {
		o.metrics.RecordLockAttempt(name, "skipped")
		return true, outcome.Err
	}
	o.metrics.RecordLockAttempt(name, "acquired")
	return false, outcome.Err
}

// signAndBroadcast signs a built maintenance transaction with the external
// signer and submits it to the ledger.
func (o *Orchestrator) signAndBroadcast(ctx context.Context, built *txbuilder.BuiltTx) (string, error) {
	signatures, err := o.signer.Sign(ctx, built.SignRequests())
	if err != nil {
		return "", fmt.Errorf("failed to sign maintenance transaction: %w", err)
	}
	if err := txbuilder.ApplySignatures(built, signatures); err != nil {
		return "", err
	}

	txid, err := o.ledger.Broadcast(ctx, built.Tx.String())
	if err != nil {
		return "", fmt.Errorf("failed to broadcast maintenance transaction: %w", err)
	}
	return txid, nil
}

// registerOutputs inserts the outputs of a freshly broadcast maintenance
// transaction as unconfirmed resources. They become available once
// reconciliation sees them confirmed.
func (o *Orchestrator) registerOutputs(ctx context.Context, txid string, built *txbuilder.BuiltTx) error {
	for vout, out := range built.Tx.Outputs {
		if out.Satoshis == 0 {
			continue
		}
		_, err := o.store.InsertResource(ctx, db.InsertResourceParams{
			Outpoint:      db.Outpoint{TxID: txid, Vout: uint32(vout)},
			Amount:        out.Satoshis,
			LockingScript: out.LockingScript.String(),
			KeyID:         o.cfg.FundingKeyID,
			Status:        db.ResourceUnconfirmed,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// publishPoolGauges refreshes the pool-size metrics from the store.
func (o *Orchestrator) publishPoolGauges(ctx context.Context) {
	counts, err := o.store.CountPool(ctx, o.cfg.DustThreshold)
	if err != nil {
		o.logger.WarnContext(ctx, "failed to count pool for metrics", "error", err)
		return
	}
	o.metrics.SetPoolResources(db.ResourceAvailable, counts.Available)
	o.metrics.SetPoolResources(db.ResourceUnconfirmed, counts.Unconfirmed)
	o.metrics.SetPoolResources(db.ResourceLocked, counts.Locked)
	o.metrics.SetPoolResources(db.ResourceSpent, counts.Spent)
}

// unlockOrWarn releases a partial hold after a failed maintenance step. The
// reaper recovers anything this misses.
func (o *Orchestrator) unlockOrWarn(ctx context.Context, resources []*db.Resource, op string) {
	if err := o.store.UnlockMany(ctx, db.Outpoints(resources)); err != nil {
		o.logger.ErrorContext(ctx, "failed to unlock resources after failed maintenance",
			"op", op,
			"count", len(resources),
			"error", err,
		)
	}
}

// Reap recovers resources locked by processes that crashed before unlocking
// them. Returns the number of rows recovered.
func (o *Orchestrator) Reap(ctx context.Context) (int, error) {
	start := time.Now()
	reaped, err := o.store.ReapOrphans(ctx, o.cfg.ReapAge, reapBatchLimit)
	duration := time.Since(start).Seconds()

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	o.metrics.RecordMaintenance("reap", outcome, duration)

	if err != nil {
		return 0, err
	}
	if reaped > 0 {
		o.logger.WarnContext(ctx, "reaped orphaned resource locks", "count", reaped, "older_than", o.cfg.ReapAge)
	}
	return reaped, nil
}
