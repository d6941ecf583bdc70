package notify

import (
	"context"
	"sync"

	"bluelight/core"
)

// MockChannel is a scriptable channel for tests: queue errors per call,
// record every delivery.
type MockChannel struct {
	ChannelType core.NotificationChannel

	mu     sync.Mutex
	errs   []error
	sends  []MockSend
}

// MockSend records one delivery attempt seen by the mock.
type MockSend struct {
	AlertID   string
	Recipient string
}

// NewMockChannel creates a mock for the given channel type.
func NewMockChannel(channelType core.NotificationChannel) *MockChannel {
	return &MockChannel{ChannelType: channelType}
}

// FailWith queues errors returned by successive Send calls, in order.
// Once the queue is drained, Send succeeds.
func (m *MockChannel) FailWith(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
}

// Type implements Channel.
func (m *MockChannel) Type() core.NotificationChannel { return m.ChannelType }

// Send implements Channel.
func (m *MockChannel) Send(_ context.Context, alert *core.SecurityAlert, recipient string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sends = append(m.sends, MockSend{AlertID: alert.ID, Recipient: recipient})
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return err
	}
	return nil
}

// Sends returns a copy of the recorded deliveries.
func (m *MockChannel) Sends() []MockSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockSend, len(m.sends))
	copy(out, m.sends)
	return out
}
