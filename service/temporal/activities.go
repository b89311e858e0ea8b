package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ownmark/anchor/service/anchor"
	"github.com/ownmark/anchor/service/fault"
	"github.com/ownmark/anchor/service/ledger"
	"github.com/ownmark/anchor/service/metrics"
	"github.com/ownmark/anchor/service/pool"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// AnchorRecordInput contains the input parameters for anchoring a pending record.
type AnchorRecordInput struct {
	PendingID string `json:"pending_id"`
}

// AnchorRecordResult contains the result of an anchoring run.
type AnchorRecordResult struct {
	PendingID  string    `json:"pending_id"`
	TxID       string    `json:"txid"`
	Fee        uint64    `json:"fee"`
	Inputs     int       `json:"inputs"`
	AnchorTime time.Time `json:"anchor_time"`
}

// MarkFailedInput contains the input parameters for parking a record in failed.
type MarkFailedInput struct {
	PendingID string `json:"pending_id"`
	Reason    string `json:"reason"`
}

// MaintenanceResult contains the result of one pool-maintenance pass.
type MaintenanceResult struct {
	ChainHeight  uint32 `json:"chain_height"`
	Inserted     int    `json:"inserted"`
	Promoted     int    `json:"promoted"`
	MarkedSpent  int    `json:"marked_spent"`
	Reaped       int    `json:"reaped"`
	Swept        int    `json:"swept"`
	SplitOutputs int    `json:"split_outputs"`
}

// AnchorServiceInterface defines the anchoring operations needed by activities.
// This allows for easy mocking in tests.
type AnchorServiceInterface interface {
	Anchor(ctx context.Context, pendingID string) (*anchor.Result, error)
}

// RecordServiceInterface defines the record operations needed by activities.
type RecordServiceInterface interface {
	MarkFailed(ctx context.Context, id, reason string) error
	SetJobID(ctx context.Context, id, jobID string) error
}

// PoolOrchestratorInterface defines the pool-maintenance operations needed by
// activities.
type PoolOrchestratorInterface interface {
	Sync(ctx context.Context) (*pool.SyncResult, error)
	Reap(ctx context.Context) (int, error)
	SweepDust(ctx context.Context) (*pool.SweepResult, error)
	SplitIfNeeded(ctx context.Context) (*pool.SplitResult, error)
}

// Activities holds the dependencies needed by Temporal activities.
// All dependencies are explicit.
type Activities struct {
	anchorService AnchorServiceInterface
	recordService RecordServiceInterface
	poolService   PoolOrchestratorInterface
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(
	anchorService AnchorServiceInterface,
	recordService RecordServiceInterface,
	poolService PoolOrchestratorInterface,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		anchorService: anchorService,
		recordService: recordService,
		poolService:   poolService,
		metrics:       m,
		logger:        logger,
	}
}

// AnchorRecord runs the anchoring pipeline for one pending record. Terminal
// failures (ledger rejection, ownership conflict, insufficient payload) are
// converted to non-retryable application errors so the workflow's retry
// policy stops immediately instead of rebuilding a transaction that can never
// be accepted.
func (a *Activities) AnchorRecord(ctx context.Context, input AnchorRecordInput) (*AnchorRecordResult, error) {
	a.logger.InfoContext(ctx, "anchoring record", "pending_id", input.PendingID)

	result, err := a.anchorService.Anchor(ctx, input.PendingID)
	if err != nil {
		if isTerminal(err) {
			return nil, temporalsdk.NewNonRetryableApplicationError(
				fmt.Sprintf("anchoring %s failed terminally", input.PendingID), "AnchorTerminal", err)
		}
		return nil, fmt.Errorf("failed to anchor record %s: %w", input.PendingID, err)
	}

	return &AnchorRecordResult{
		PendingID:  input.PendingID,
		TxID:       result.TxID,
		Fee:        result.Fee,
		Inputs:     result.Inputs,
		AnchorTime: time.Now().UTC(),
	}, nil
}

// isTerminal reports whether retrying the same anchoring run could possibly
// succeed. Conflicts, rejections, and missing records cannot be retried away.
func isTerminal(err error) bool {
	if errors.Is(err, fault.ErrConflict) || errors.Is(err, fault.ErrNotFound) || errors.Is(err, fault.ErrDataInconsistency) {
		return true
	}
	var rejected *ledger.BroadcastRejectedError
	return errors.As(err, &rejected)
}

// MarkRecordFailed parks a record in failed status. Invoked by the workflow
// once the anchoring retry budget is exhausted.
func (a *Activities) MarkRecordFailed(ctx context.Context, input MarkFailedInput) error {
	a.logger.WarnContext(ctx, "marking record failed",
		"pending_id", input.PendingID,
		"reason", input.Reason,
	)
	return a.recordService.MarkFailed(ctx, input.PendingID, input.Reason)
}

// SyncPool reconciles the resource inventory against the ledger.
func (a *Activities) SyncPool(ctx context.Context) (*pool.SyncResult, error) {
	return a.poolService.Sync(ctx)
}

// ReapOrphans recovers resource locks abandoned by crashed processes.
func (a *Activities) ReapOrphans(ctx context.Context) (int, error) {
	return a.poolService.Reap(ctx)
}

// SweepDust consolidates accumulated dust outputs.
func (a *Activities) SweepDust(ctx context.Context) (*pool.SweepResult, error) {
	return a.poolService.SweepDust(ctx)
}

// SplitPool restores available capacity by splitting a large resource.
func (a *Activities) SplitPool(ctx context.Context) (*pool.SplitResult, error) {
	return a.poolService.SplitIfNeeded(ctx)
}
