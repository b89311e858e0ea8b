package temporal

import (
	"context"
	"fmt"
	"log/slog"
)

// Dispatcher routes pending records into the anchoring pipeline. With a
// scheduler configured, each record is enqueued as a durable workflow; with
// no scheduler (queue-disabled deployments), the pipeline runs inline and
// blocks until the record reaches a terminal status. Both paths execute the
// same anchor service, so a single run behaves identically either way.
type Dispatcher struct {
	scheduler Scheduler
	anchors   AnchorServiceInterface
	records   RecordServiceInterface
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher. scheduler may be nil when the queue is
// disabled; anchors may be nil when the queue is always used.
func NewDispatcher(scheduler Scheduler, anchors AnchorServiceInterface, records RecordServiceInterface, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		scheduler: scheduler,
		anchors:   anchors,
		records:   records,
		logger:    logger,
	}
}

// Dispatch sends one pending record through the pipeline. On the queue path
// the returned reference is the workflow run id, stamped onto the record as
// its job id; on the inline path it is the resulting transaction id.
func (d *Dispatcher) Dispatch(ctx context.Context, pendingID string) (string, error) {
	if d.scheduler != nil {
		runID, err := d.scheduler.StartAnchorWorkflow(ctx, pendingID)
		if err != nil {
			return "", fmt.Errorf("failed to enqueue record %s: %w", pendingID, err)
		}
		if err := d.records.SetJobID(ctx, pendingID, runID); err != nil {
			d.logger.WarnContext(ctx, "failed to stamp job id", "pending_id", pendingID, "error", err)
		}
		return runID, nil
	}

	if d.anchors == nil {
		return "", fmt.Errorf("dispatcher has neither a scheduler nor an inline anchor service")
	}

	d.logger.InfoContext(ctx, "queue disabled, anchoring inline", "pending_id", pendingID)
	result, err := d.anchors.Anchor(ctx, pendingID)
	if err != nil {
		return "", err
	}
	return result.TxID, nil
}
