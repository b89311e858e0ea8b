// Package anchor runs the end-to-end anchoring pipeline for a pending
// record: fund from the pool, build the data-carrier transaction, sign
// remotely, broadcast, and confirm the record together with its ownership
// pointer. Every failure path after a successful resource lock releases the
// hold before surfacing; a broadcast that succeeded is the point of no
// return, after which local state must catch up rather than roll back.
package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ownmark/anchor/service/db"
	"github.com/ownmark/anchor/service/fault"
	"github.com/ownmark/anchor/service/ledger"
	"github.com/ownmark/anchor/service/metrics"
	"github.com/ownmark/anchor/service/records"
	"github.com/ownmark/anchor/service/signer"
	"github.com/ownmark/anchor/service/txbuilder"
)

// protocolPrefix tags every anchored record's data output so indexers can
// find them without knowing the funding address.
const protocolPrefix = "ownmark.v1"

// Config carries the funding parameters for anchoring transactions.
type Config struct {
	FundingAddress string
	FeeBuffer      uint64
}

// Result is the outcome of a successful anchoring run.
type Result struct {
	TxID   string `json:"txid"`
	Fee    uint64 `json:"fee"`
	Inputs int    `json:"inputs"`
}

// Service executes anchoring runs.
type Service struct {
	store   *db.Store
	records *records.Service
	ledger  ledger.Client
	signer  signer.Client
	builder *txbuilder.Builder
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewService creates an anchoring service.
func NewService(
	store *db.Store,
	recordService *records.Service,
	ledgerClient ledger.Client,
	signerClient signer.Client,
	builder *txbuilder.Builder,
	cfg Config,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		records: recordService,
		ledger:  ledgerClient,
		signer:  signerClient,
		builder: builder,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
}

// Anchor runs the full pipeline for one pending record. Re-running against an
// already confirmed record returns its existing txid without building
// anything, so queue redeliveries are harmless.
//
// Error semantics for the queue layer: transient failures (pool starvation,
// provider or signer outages) return plain errors and are retryable; a ledger
// rejection or an ownership conflict marks the record failed and returns a
// non-retryable error.
func (s *Service) Anchor(ctx context.Context, pendingID string) (*Result, error) {
	start := time.Now()

	record, err := s.records.Get(ctx, pendingID)
	if err != nil {
		return nil, err
	}

	result, err := s.anchor(ctx, record)
	duration := time.Since(start).Seconds()

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	s.metrics.RecordAnchorJob(record.Kind, outcome, duration)

	return result, err
}

func (s *Service) anchor(ctx context.Context, record *db.PendingRecord) (*Result, error) {
	switch record.Status {
	case db.PendingStatusConfirmed:
		if record.ResultTxID == nil {
			return nil, fmt.Errorf("record %s confirmed without result txid: %w", record.ID, fault.ErrDataInconsistency)
		}
		s.logger.InfoContext(ctx, "record already anchored", "id", record.ID, "txid", *record.ResultTxID)
		return &Result{TxID: *record.ResultTxID}, nil
	case db.PendingStatusFailed:
		return nil, fmt.Errorf("record %s is failed and must be recovered before re-anchoring", record.ID)
	}

	chunks, err := dataChunks(record)
	if err != nil {
		return nil, err
	}

	// A data-only transaction pays nothing but the fee; the buffer is the
	// funding target and the surplus returns as change.
	inputs, err := s.store.SelectAndLockMany(ctx, 0, s.cfg.FeeBuffer)
	if err != nil {
		return nil, err
	}

	built, err := s.builder.Build(inputs, chunks, nil, s.cfg.FundingAddress)
	if err != nil {
		s.unlock(ctx, inputs)
		return nil, err
	}

	signatures, err := s.signer.Sign(ctx, built.SignRequests())
	if err != nil {
		s.unlock(ctx, inputs)
		return nil, err
	}
	if err := txbuilder.ApplySignatures(built, signatures); err != nil {
		s.unlock(ctx, inputs)
		return nil, err
	}

	txid, err := s.ledger.Broadcast(ctx, built.Tx.String())
	if err != nil {
		s.unlock(ctx, inputs)

		var rejected *ledger.BroadcastRejectedError
		if errors.As(err, &rejected) {
			// The ledger refused the transaction outright. Retrying the same
			// build cannot succeed, so the record parks in failed.
			if failErr := s.records.MarkFailed(ctx, record.ID, rejected.Error()); failErr != nil {
				s.logger.ErrorContext(ctx, "failed to mark rejected record failed", "id", record.ID, "error", failErr)
			}
		}
		return nil, err
	}

	// Broadcast succeeded: the transaction exists on the ledger regardless of
	// what happens below. Local state converges toward that fact.
	if err := s.store.SpendMany(ctx, db.Outpoints(inputs)); err != nil {
		s.logger.ErrorContext(ctx, "broadcast succeeded but inputs not marked spent; reconciliation will converge",
			"id", record.ID,
			"txid", txid,
			"error", err,
		)
	}
	if err := s.registerChange(ctx, txid, built); err != nil {
		s.logger.ErrorContext(ctx, "broadcast succeeded but change not registered; reconciliation will converge",
			"id", record.ID,
			"txid", txid,
			"error", err,
		)
	}

	if err := s.records.MarkConfirmed(ctx, record.ID, txid); err != nil {
		if errors.Is(err, fault.ErrConflict) {
			// Another transfer moved the ownership pointer first. The
			// transaction is on the ledger but anchors a stale lineage; the
			// record parks in failed with the conflict for the operator.
			reason := fmt.Sprintf("ownership conflict after broadcast of %s: %v", txid, err)
			if failErr := s.records.MarkFailed(ctx, record.ID, reason); failErr != nil {
				s.logger.ErrorContext(ctx, "failed to mark conflicted record failed", "id", record.ID, "error", failErr)
			}
		}
		return nil, err
	}

	s.logger.InfoContext(ctx, "anchored record",
		"id", record.ID,
		"uid_tag", record.UIDTag,
		"kind", record.Kind,
		"txid", txid,
		"fee", built.Fee,
		"inputs", len(inputs),
	)
	return &Result{TxID: txid, Fee: built.Fee, Inputs: len(inputs)}, nil
}

// dataChunks renders the record as null-data output chunks: a protocol tag,
// the record envelope, and the canonical digest of the application payload.
// The digest, not the raw payload, goes on chain; the payload itself stays in
// the store.
func dataChunks(record *db.PendingRecord) ([][]byte, error) {
	digest, err := payloadDigest(record.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to digest payload for record %s: %w", record.ID, err)
	}

	envelope := map[string]any{
		"uid_tag":        record.UIDTag,
		"kind":           record.Kind,
		"new_owner":      record.NewOwner,
		"payload_digest": digest,
	}
	if record.PreviousTxID != nil {
		envelope["previous_txid"] = *record.PreviousTxID
	}

	canonical, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope for record %s: %w", record.ID, err)
	}

	return [][]byte{[]byte(protocolPrefix), canonical}, nil
}

// payloadDigest computes the canonical digest of the stored JSON payload.
// An empty payload digests the empty JSON object so the chunk layout stays
// fixed.
func payloadDigest(payload []byte) (string, error) {
	if len(payload) == 0 {
		return txbuilder.CanonicalDigest(map[string]any{})
	}

	var generic any
	if err := json.Unmarshal(payload, &generic); err != nil {
		return "", fmt.Errorf("payload is not valid JSON: %w", err)
	}
	return txbuilder.CanonicalDigest(generic)
}

// registerChange puts the change output back into the pool as unconfirmed.
func (s *Service) registerChange(ctx context.Context, txid string, built *txbuilder.BuiltTx) error {
	for vout, out := range built.Tx.Outputs {
		if out.Satoshis == 0 {
			continue
		}
		_, err := s.store.InsertResource(ctx, db.InsertResourceParams{
			Outpoint:      db.Outpoint{TxID: txid, Vout: uint32(vout)},
			Amount:        out.Satoshis,
			LockingScript: out.LockingScript.String(),
			KeyID:         inputsKeyID(built),
			Status:        db.ResourceUnconfirmed,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// inputsKeyID returns the key id of the first input; change pays back to the
// funding identity that signed the spend.
func inputsKeyID(built *txbuilder.BuiltTx) string {
	if len(built.Digests) > 0 {
		return built.Digests[0].KeyID
	}
	return ""
}

// unlock is the compensating action for a failure after a successful lock.
func (s *Service) unlock(ctx context.Context, inputs []*db.Resource) {
	if err := s.store.UnlockMany(ctx, db.Outpoints(inputs)); err != nil {
		s.logger.ErrorContext(ctx, "failed to release resource hold; reaper will recover",
			"count", len(inputs),
			"error", err,
		)
	}
}
