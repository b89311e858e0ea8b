package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
)

// Client is a production implementation of Scheduler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

var _ Scheduler = (*Client)(nil)

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// StartAnchorWorkflow starts the anchoring workflow for a pending record.
// The workflow ID is derived from the record id, and duplicates are rejected
// while a run is open, so enqueueing is idempotent per record.
func (c *Client) StartAnchorWorkflow(ctx context.Context, pendingID string) (string, error) {
	options := client.StartWorkflowOptions{
		ID:        anchorWorkflowID(pendingID),
		TaskQueue: c.taskQueue,
		// Retries live in the activity policy, not the workflow.
		RetryPolicy: &temporal.RetryPolicy{MaximumAttempts: 1},
	}

	run, err := c.client.ExecuteWorkflow(ctx, options, AnchorRecordWorkflow, AnchorRecordInput{PendingID: pendingID})
	if err != nil {
		return "", fmt.Errorf("failed to start anchor workflow for %s: %w", pendingID, err)
	}

	c.logger.Info("started anchor workflow",
		"pending_id", pendingID,
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)
	return run.GetRunID(), nil
}

// EnsureMaintenanceSchedule creates or updates the pool-maintenance schedule.
func (c *Client) EnsureMaintenanceSchedule(ctx context.Context, interval time.Duration) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, maintenanceScheduleID)
	desc, err := handle.Describe(ctx)

	if err != nil {
		c.logger.Debug("maintenance schedule not found, creating",
			"schedule_id", maintenanceScheduleID,
			"interval", interval,
		)
		return c.createMaintenanceSchedule(ctx, interval)
	}

	c.logger.Debug("maintenance schedule exists, updating interval",
		"schedule_id", maintenanceScheduleID,
		"old_interval", scheduleInterval(desc.Schedule.Spec),
		"new_interval", interval,
	)

	err = handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(input client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			if input.Description.Schedule.Spec == nil {
				input.Description.Schedule.Spec = &client.ScheduleSpec{}
			}
			input.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{
				{Every: interval},
			}
			return &client.ScheduleUpdate{
				Schedule: &input.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		return fmt.Errorf("failed to update schedule %q: %w", maintenanceScheduleID, err)
	}

	c.logger.Info("maintenance schedule updated",
		"schedule_id", maintenanceScheduleID,
		"interval", interval,
	)
	return nil
}

// scheduleInterval returns the first interval of a schedule spec, or zero for
// a schedule that was hand-created with a different spec kind (cron or
// calendar) and carries no intervals at all.
func scheduleInterval(spec *client.ScheduleSpec) time.Duration {
	if spec == nil || len(spec.Intervals) == 0 {
		return 0
	}
	return spec.Intervals[0].Every
}

func (c *Client) createMaintenanceSchedule(ctx context.Context, interval time.Duration) error {
	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: maintenanceScheduleID,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{
				{Every: interval},
			},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        "pool-maintenance-run",
			Workflow:  "PoolMaintenanceWorkflow",
			TaskQueue: c.taskQueue,
		},
		Memo: map[string]interface{}{
			"created_by": "anchor",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create schedule %q: %w", maintenanceScheduleID, err)
	}

	c.logger.Info("maintenance schedule created",
		"schedule_id", maintenanceScheduleID,
		"interval", interval,
	)
	return nil
}

// DeleteMaintenanceSchedule removes the pool-maintenance schedule.
func (c *Client) DeleteMaintenanceSchedule(ctx context.Context) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, maintenanceScheduleID)
	if err := handle.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete schedule %q: %w", maintenanceScheduleID, err)
	}

	c.logger.Info("maintenance schedule deleted", "schedule_id", maintenanceScheduleID)
	return nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
