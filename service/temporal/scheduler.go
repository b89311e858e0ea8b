package temporal

import (
	"context"
	"time"
)

// maintenanceScheduleID is the Temporal schedule driving pool maintenance.
// One schedule per deployment; the maintenance activities take their own
// distributed lease, so a stray duplicate schedule degrades to skipped runs.
const maintenanceScheduleID = "pool-maintenance"

// Scheduler manages the queue side of anchoring: one workflow per pending
// record plus the recurring pool-maintenance schedule.
type Scheduler interface {
	// StartAnchorWorkflow starts the anchoring workflow for a pending record
	// and returns the workflow run id. Starting the same record twice reuses
	// the existing workflow instead of racing it.
	StartAnchorWorkflow(ctx context.Context, pendingID string) (string, error)

	// EnsureMaintenanceSchedule creates the pool-maintenance schedule if it
	// does not exist, or updates its interval if it does.
	EnsureMaintenanceSchedule(ctx context.Context, interval time.Duration) error

	// DeleteMaintenanceSchedule removes the pool-maintenance schedule.
	DeleteMaintenanceSchedule(ctx context.Context) error
}

// anchorWorkflowID returns the workflow ID for a pending record. Derived from
// the record id so duplicate submissions collapse onto one execution.
func anchorWorkflowID(pendingID string) string {
	return "anchor-record-" + pendingID
}
