package temporal

import (
	"errors"
	"fmt"
	"time"

	"github.com/ownmark/anchor/service/pool"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// AnchorRecordWorkflow drives one pending record through the anchoring
// pipeline. The activity retry policy absorbs transient provider, signer, and
// pool failures; once the budget is exhausted (or the failure is terminal)
// the record is parked in failed status so the intent survives for operator
// recovery. The workflow itself never retries past that point.
func AnchorRecordWorkflow(ctx workflow.Context, input AnchorRecordInput) (*AnchorRecordResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("AnchorRecordWorkflow started", "pending_id", input.PendingID)

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 120 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    60 * time.Second,
			MaximumAttempts:    5,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	var result *AnchorRecordResult
	err := workflow.ExecuteActivity(ctx, a.AnchorRecord, input).Get(ctx, &result)
	if err == nil {
		logger.Info("AnchorRecordWorkflow completed", "pending_id", input.PendingID, "txid", result.TxID)
		return result, nil
	}

	logger.Error("anchoring exhausted its retry budget",
		"pending_id", input.PendingID,
		"error", err,
	)

	// Terminal anchoring failures mark the record failed themselves; this
	// covers the exhausted-transient case so the record does not sit in
	// pending forever with no job driving it.
	var applicationErr *temporalsdk.ApplicationError
	reason := fmt.Sprintf("anchoring failed after retries: %v", err)
	if errors.As(err, &applicationErr) && applicationErr.Type() == "AnchorTerminal" {
		reason = fmt.Sprintf("anchoring failed terminally: %v", err)
	}

	failOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Second,
			MaximumAttempts:    3,
		},
	}
	failCtx := workflow.WithActivityOptions(ctx, failOptions)

	failInput := MarkFailedInput{PendingID: input.PendingID, Reason: reason}
	if failErr := workflow.ExecuteActivity(failCtx, a.MarkRecordFailed, failInput).Get(failCtx, nil); failErr != nil {
		logger.Error("failed to mark record failed; reconciliation or operator must intervene",
			"pending_id", input.PendingID,
			"error", failErr,
		)
	}

	return nil, err
}

// PoolMaintenanceWorkflow runs one maintenance pass: reconcile against the
// ledger, reap orphaned locks, sweep dust, and split to restore capacity.
// Triggered by a Temporal schedule. Each step runs even when an earlier one
// failed; the steps are independent and a provider outage during sync should
// not stop orphaned locks from being reaped.
func PoolMaintenanceWorkflow(ctx workflow.Context) (*MaintenanceResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("PoolMaintenanceWorkflow started")

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 180 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	result := &MaintenanceResult{}
	var firstErr error

	var syncResult *pool.SyncResult
	if err := workflow.ExecuteActivity(ctx, a.SyncPool).Get(ctx, &syncResult); err != nil {
		logger.Error("pool sync failed", "error", err)
		firstErr = err
	} else {
		result.ChainHeight = syncResult.ChainHeight
		result.Inserted = syncResult.Inserted
		result.Promoted = syncResult.Promoted
		result.MarkedSpent = syncResult.MarkedSpent
	}

	var reaped int
	if err := workflow.ExecuteActivity(ctx, a.ReapOrphans).Get(ctx, &reaped); err != nil {
		logger.Error("orphan reap failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	} else {
		result.Reaped = reaped
	}

	var sweepResult *pool.SweepResult
	if err := workflow.ExecuteActivity(ctx, a.SweepDust).Get(ctx, &sweepResult); err != nil {
		logger.Error("dust sweep failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	} else if !sweepResult.Skipped {
		result.Swept = sweepResult.Swept
	}

	var splitResult *pool.SplitResult
	if err := workflow.ExecuteActivity(ctx, a.SplitPool).Get(ctx, &splitResult); err != nil {
		logger.Error("pool split failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	} else if !splitResult.Skipped {
		result.SplitOutputs = splitResult.Outputs
	}

	if firstErr != nil {
		return result, fmt.Errorf("pool maintenance completed with errors: %w", firstErr)
	}

	logger.Info("PoolMaintenanceWorkflow completed",
		"inserted", result.Inserted,
		"promoted", result.Promoted,
		"marked_spent", result.MarkedSpent,
		"reaped", result.Reaped,
		"swept", result.Swept,
		"split_outputs", result.SplitOutputs,
	)
	return result, nil
}
