package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/ownmark/anchor/service/fault"
)

// Pending record kinds and statuses. A record transitions pending→confirmed
// (terminal, idempotent re-entry) or pending→failed→pending (operator-driven
// recovery only). Records are never deleted; they are the audit trail.
const (
	KindRegistration = "REGISTRATION"
	KindTransfer     = "TRANSFER"

	PendingStatusPending   = "pending"
	PendingStatusConfirmed = "confirmed"
	PendingStatusFailed    = "failed"
)

// PendingRecord is a registration or transfer intent, persisted before any
// external call so a crash leaves a recoverable artifact.
type PendingRecord struct {
	ID            string    `json:"id"`
	UIDTag        string    `json:"uid_tag"`
	Kind          string    `json:"kind"`
	PreviousTxID  *string   `json:"previous_txid,omitempty"`
	NewOwner      string    `json:"new_owner"`
	Payload       []byte    `json:"payload"`
	Status        string    `json:"status"`
	ResultTxID    *string   `json:"result_txid,omitempty"`
	JobID         *string   `json:"job_id,omitempty"`
	FailureReason *string   `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CreatePendingRecordParams contains the parameters for persisting an intent.
type CreatePendingRecordParams struct {
	UIDTag       string
	Kind         string
	PreviousTxID *string
	NewOwner     string
	Payload      []byte
}

const pendingColumns = "id, uid_tag, kind, previous_txid, new_owner, payload, status, result_txid, job_id, failure_reason, created_at, updated_at"

func scanPendingRecord(row pgx.Row) (*PendingRecord, error) {
	var r PendingRecord
	err := row.Scan(&r.ID, &r.UIDTag, &r.Kind, &r.PreviousTxID, &r.NewOwner, &r.Payload,
		&r.Status, &r.ResultTxID, &r.JobID, &r.FailureReason, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreatePendingRecord persists a new intent in pending status.
func (s *Store) CreatePendingRecord(ctx context.Context, params CreatePendingRecordParams) (*PendingRecord, error) {
	if params.Kind == KindTransfer && (params.PreviousTxID == nil || *params.PreviousTxID == "") {
		return nil, fmt.Errorf("previous txid is required for %s records", KindTransfer)
	}
	if params.Kind == KindRegistration && params.PreviousTxID != nil {
		return nil, fmt.Errorf("previous txid is not allowed for %s records", KindRegistration)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO pending_records (id, uid_tag, kind, previous_txid, new_owner, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+pendingColumns,
		uuid.NewString(), params.UIDTag, params.Kind, params.PreviousTxID, params.NewOwner, params.Payload,
	)

	record, err := scanPendingRecord(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create pending record: %w", err)
	}
	return record, nil
}

// GetPendingRecord retrieves a record by id.
func (s *Store) GetPendingRecord(ctx context.Context, id string) (*PendingRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+pendingColumns+` FROM pending_records WHERE id = $1`, id)

	record, err := scanPendingRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending record %s: %w", id, err)
	}
	return record, nil
}

// ListPendingRecordsByStatus retrieves records in the given status, oldest first.
func (s *Store) ListPendingRecordsByStatus(ctx context.Context, status string, limit int32) ([]*PendingRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pendingColumns+` FROM pending_records
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`,
		status, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending records: %w", err)
	}
	defer rows.Close()

	var records []*PendingRecord
	for rows.Next() {
		r, err := scanPendingRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// SetPendingJobID stamps the queue job driving this record.
func (s *Store) SetPendingJobID(ctx context.Context, id, jobID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pending_records SET job_id = $2, updated_at = now() WHERE id = $1`,
		id, jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to set job id on pending record %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fault.ErrNotFound
	}
	return nil
}

// MarkPendingFailed records failure without discarding the original intent.
func (s *Store) MarkPendingFailed(ctx context.Context, id, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pending_records
		SET status = 'failed', failure_reason = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending'`,
		id, reason,
	)
	if err != nil {
		return fmt.Errorf("failed to mark pending record %s failed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Already confirmed or already failed; both are acceptable for a
		// queue retry racing the terminal write.
		s.logger.WarnContext(ctx, "markFailed skipped: record not in pending status", "id", id)
	}
	return nil
}

// RevertPendingToPending returns a failed (or stuck pending) record to a clean
// pending state so it can be re-enqueued. Operator-triggered recovery only.
func (s *Store) RevertPendingToPending(ctx context.Context, id string) (*PendingRecord, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE pending_records
		SET status = 'pending', failure_reason = NULL, job_id = NULL, updated_at = now()
		WHERE id = $1 AND status <> 'confirmed'
		RETURNING `+pendingColumns,
		id,
	)

	record, err := scanPendingRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("record %s is confirmed or missing: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to revert record %s to pending: %w", id, err)
	}
	return record, nil
}

// confirmPendingRecord flips a record to confirmed, stamping the result txid.
// Runs inside the caller's atomic scope.
func confirmPendingRecord(ctx context.Context, q querier, id, txid string) error {
	tag, err := q.Exec(ctx, `
		UPDATE pending_records
		SET status = 'confirmed', result_txid = $2, failure_reason = NULL, updated_at = now()
		WHERE id = $1 AND status <> 'confirmed'`,
		id, txid,
	)
	if err != nil {
		return fmt.Errorf("failed to confirm pending record %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pending record %s vanished during confirmation: %w", id, fault.ErrDataInconsistency)
	}
	return nil
}

// ConfirmRegistration atomically upserts the ownership pointer for the
// record's uid tag and flips the record to confirmed.
func (s *Store) ConfirmRegistration(ctx context.Context, record *PendingRecord, txid string) error {
	return s.runAtomic(ctx, func(q querier) error {
		if err := upsertOwnership(ctx, q, record.UIDTag, txid, record.NewOwner); err != nil {
			return err
		}
		return confirmPendingRecord(ctx, q, record.ID, txid)
	})
}

// ConfirmTransfer atomically advances the ownership pointer and flips the
// record to confirmed. The advance is conditioned on the pointer's current
// txid still being the record's previous txid; when another transfer won that
// race the whole write fails with fault.ErrConflict and nothing is modified.
func (s *Store) ConfirmTransfer(ctx context.Context, record *PendingRecord, txid string) error {
	if record.PreviousTxID == nil {
		return fmt.Errorf("transfer record %s has no previous txid: %w", record.ID, fault.ErrDataInconsistency)
	}

	return s.runAtomic(ctx, func(q querier) error {
		if err := advanceOwnership(ctx, q, record.UIDTag, *record.PreviousTxID, txid, record.NewOwner); err != nil {
			return err
		}
		return confirmPendingRecord(ctx, q, record.ID, txid)
	})
}
