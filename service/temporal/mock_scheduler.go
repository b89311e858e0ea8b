package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockScheduler is a mock implementation of Scheduler for testing.
type MockScheduler struct {
	mu                  sync.Mutex
	startedWorkflows    map[string]string // map[pendingID]runID
	maintenanceInterval *time.Duration
	startErr            error
	scheduleErr         error
}

var _ Scheduler = (*MockScheduler)(nil)

// NewMockScheduler creates a new MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{
		startedWorkflows: make(map[string]string),
	}
}

// StartAnchorWorkflow records that an anchor workflow was started.
func (m *MockScheduler) StartAnchorWorkflow(ctx context.Context, pendingID string) (string, error) {
	if m.startErr != nil {
		return "", m.startErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	runID := fmt.Sprintf("mock-run-%d", len(m.startedWorkflows)+1)
	m.startedWorkflows[pendingID] = runID
	return runID, nil
}

// EnsureMaintenanceSchedule records the schedule interval.
func (m *MockScheduler) EnsureMaintenanceSchedule(ctx context.Context, interval time.Duration) error {
	if m.scheduleErr != nil {
		return m.scheduleErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.maintenanceInterval = &interval
	return nil
}

// DeleteMaintenanceSchedule clears the recorded schedule.
func (m *MockScheduler) DeleteMaintenanceSchedule(ctx context.Context) error {
	if m.scheduleErr != nil {
		return m.scheduleErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maintenanceInterval == nil {
		return fmt.Errorf("schedule %q not found", maintenanceScheduleID)
	}
	m.maintenanceInterval = nil
	return nil
}

// SetStartError makes StartAnchorWorkflow return an error.
func (m *MockScheduler) SetStartError(err error) {
	m.startErr = err
}

// SetScheduleError makes the schedule methods return an error.
func (m *MockScheduler) SetScheduleError(err error) {
	m.scheduleErr = err
}

// WorkflowStarted reports whether a workflow was started for a record.
func (m *MockScheduler) WorkflowStarted(pendingID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.startedWorkflows[pendingID]
	return ok
}

// WorkflowCount returns the number of started workflows.
func (m *MockScheduler) WorkflowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.startedWorkflows)
}

// MaintenanceInterval returns the recorded schedule interval.
func (m *MockScheduler) MaintenanceInterval() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maintenanceInterval == nil {
		return 0, false
	}
	return *m.maintenanceInterval, true
}

// Reset clears all recorded state and errors.
func (m *MockScheduler) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startedWorkflows = make(map[string]string)
	m.maintenanceInterval = nil
	m.startErr = nil
	m.scheduleErr = nil
}
