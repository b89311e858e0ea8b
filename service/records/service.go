// Package records manages the lifecycle of pending ownership records: intents
// are persisted before any ledger work starts, flipped to confirmed together
// with the ownership pointer once the anchoring transaction is accepted, and
// parked in failed for operator recovery when the pipeline gives up.
package records

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ownmark/anchor/service/db"
	"github.com/ownmark/anchor/service/fault"
	"github.com/ownmark/anchor/service/nats"
)

// Service coordinates pending records, ownership pointers, and lifecycle
// event publication.
type Service struct {
	store     *db.Store
	publisher nats.Publisher
	logger    *slog.Logger
}

// NewService creates a record service. publisher may be nil when event
// publication is disabled.
func NewService(store *db.Store, publisher nats.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// CreateParams describes a new registration or transfer intent.
type CreateParams struct {
	UIDTag       string
	Kind         string
	PreviousTxID *string
	NewOwner     string
	Payload      []byte
}

// CreatePending validates and persists a new intent. For transfers with no
// explicit previous txid, the current ownership pointer supplies it; the
// eventual confirmation is still conditioned on that pointer not having moved.
func (s *Service) CreatePending(ctx context.Context, params CreateParams) (*db.PendingRecord, error) {
	if params.UIDTag == "" {
		return nil, fmt.Errorf("uid tag is required")
	}
	if params.NewOwner == "" {
		return nil, fmt.Errorf("new owner is required")
	}
	if params.Kind != db.KindRegistration && params.Kind != db.KindTransfer {
		return nil, fmt.Errorf("unknown record kind %q", params.Kind)
	}

	if params.Kind == db.KindTransfer && params.PreviousTxID == nil {
		pointer, err := s.store.GetOwnership(ctx, params.UIDTag)
		if errors.Is(err, fault.ErrNotFound) {
			return nil, fmt.Errorf("cannot transfer unregistered uid tag %s: %w", params.UIDTag, err)
		}
		if err != nil {
			return nil, err
		}
		params.PreviousTxID = &pointer.CurrentTxID
	}

	record, err := s.store.CreatePendingRecord(ctx, db.CreatePendingRecordParams{
		UIDTag:       params.UIDTag,
		Kind:         params.Kind,
		PreviousTxID: params.PreviousTxID,
		NewOwner:     params.NewOwner,
		Payload:      params.Payload,
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "created pending record",
		"id", record.ID,
		"uid_tag", record.UIDTag,
		"kind", record.Kind,
	)
	return record, nil
}

// Get retrieves a record by id.
func (s *Service) Get(ctx context.Context, id string) (*db.PendingRecord, error) {
	return s.store.GetPendingRecord(ctx, id)
}

// ListByStatus retrieves records in the given status, oldest first.
func (s *Service) ListByStatus(ctx context.Context, status string, limit int32) ([]*db.PendingRecord, error) {
	return s.store.ListPendingRecordsByStatus(ctx, status, limit)
}

// MarkConfirmed applies a broadcast transaction to the record: the ownership
// pointer and the record status move together in one atomic write. Calling it
// again with the same (id, txid) pair is a no-op, so a queue retry that lost
// its ack cannot double-apply. A transfer whose previous txid no longer
// matches the pointer returns fault.ErrConflict and changes nothing.
func (s *Service) MarkConfirmed(ctx context.Context, id, txid string) error {
	record, err := s.store.GetPendingRecord(ctx, id)
	if err != nil {
		return err
	}

	if record.Status == db.PendingStatusConfirmed {
		if record.ResultTxID != nil && *record.ResultTxID == txid {
			s.logger.DebugContext(ctx, "record already confirmed with same txid", "id", id, "txid", txid)
			return nil
		}
		return fmt.Errorf("record %s already confirmed with txid %s, refusing %s: %w",
			id, derefOr(record.ResultTxID, "?"), txid, fault.ErrConflict)
	}

	switch record.Kind {
	case db.KindRegistration:
		err = s.store.ConfirmRegistration(ctx, record, txid)
	case db.KindTransfer:
		err = s.store.ConfirmTransfer(ctx, record, txid)
	default:
		return fmt.Errorf("record %s has unknown kind %q: %w", id, record.Kind, fault.ErrDataInconsistency)
	}
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "confirmed record",
		"id", id,
		"uid_tag", record.UIDTag,
		"kind", record.Kind,
		"txid", txid,
	)

	s.publishOutcome(ctx, id)
	return nil
}

// MarkFailed parks the record in failed status with a reason. The intent and
// its payload survive for operator inspection and recovery.
func (s *Service) MarkFailed(ctx context.Context, id, reason string) error {
	if err := s.store.MarkPendingFailed(ctx, id, reason); err != nil {
		return err
	}

	s.logger.WarnContext(ctx, "marked record failed", "id", id, "reason", reason)
	s.publishOutcome(ctx, id)
	return nil
}

// Recover returns a failed or stuck record to pending so it can be
// re-enqueued. Confirmed records are immutable and cannot be recovered.
func (s *Service) Recover(ctx context.Context, id string) (*db.PendingRecord, error) {
	record, err := s.store.RevertPendingToPending(ctx, id)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "recovered record to pending", "id", id, "uid_tag", record.UIDTag)
	return record, nil
}

// SetJobID stamps the queue job driving this record.
func (s *Service) SetJobID(ctx context.Context, id, jobID string) error {
	return s.store.SetPendingJobID(ctx, id, jobID)
}

// publishOutcome re-reads the record and publishes its terminal state. Event
// delivery is best effort: the store is the source of truth and a consumer
// that missed an event falls back to polling it.
func (s *Service) publishOutcome(ctx context.Context, id string) {
	if s.publisher == nil {
		return
	}

	record, err := s.store.GetPendingRecord(ctx, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to re-read record for event publication", "id", id, "error", err)
		return
	}

	if err := s.publisher.PublishRecordEvent(ctx, nats.FromPendingRecord(record)); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish record event", "id", id, "error", err)
	}
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
