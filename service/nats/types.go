package nats

import (
	"time"

	"github.com/ownmark/anchor/service/db"
)

// RecordEvent is a pending-record lifecycle event published to NATS.
// It is published to the subject "records.{uid_tag}" in JetStream whenever a
// record reaches confirmed or failed, so API-side consumers can resolve
// client polls by push instead of re-reading the store.
type RecordEvent struct {
	// Record identifiers
	PendingID string `json:"pending_id"`
	UIDTag    string `json:"uid_tag"`
	Kind      string `json:"kind"`

	// Outcome
	Status        string  `json:"status"`
	ResultTxID    *string `json:"result_txid,omitempty"`
	FailureReason *string `json:"failure_reason,omitempty"`

	// Timing information
	CreatedAt   time.Time `json:"created_at"`
	PublishedAt time.Time `json:"published_at"`
}

// FromPendingRecord converts a database record to a RecordEvent for publishing.
func FromPendingRecord(record *db.PendingRecord) *RecordEvent {
	return &RecordEvent{
		PendingID:     record.ID,
		UIDTag:        record.UIDTag,
		Kind:          record.Kind,
		Status:        record.Status,
		ResultTxID:    record.ResultTxID,
		FailureReason: record.FailureReason,
		CreatedAt:     record.CreatedAt,
		PublishedAt:   time.Now().UTC(),
	}
}
