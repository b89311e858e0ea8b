package nats

import (
	"context"
	"fmt"
	"sync"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu sync.Mutex

	// PublishedEvents stores all events that were published
	PublishedEvents []*RecordEvent

	// PublishError, if set, will be returned by PublishRecordEvent
	PublishError error

	// Closed indicates whether Close was called
	Closed bool
}

var _ Publisher = (*MockPublisher)(nil)

// NewMockPublisher creates a new mock publisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		PublishedEvents: make([]*RecordEvent, 0),
	}
}

// PublishRecordEvent records the event or returns the configured error.
func (m *MockPublisher) PublishRecordEvent(ctx context.Context, event *RecordEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Closed {
		return fmt.Errorf("publisher is closed")
	}
	if m.PublishError != nil {
		return m.PublishError
	}

	m.PublishedEvents = append(m.PublishedEvents, event)
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// Events returns a copy of the published events.
func (m *MockPublisher) Events() []*RecordEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*RecordEvent, len(m.PublishedEvents))
	copy(out, m.PublishedEvents)
	return out
}

// Reset clears the recorded events.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishedEvents = m.PublishedEvents[:0]
	m.PublishError = nil
	m.Closed = false
}
