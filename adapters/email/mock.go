package email

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/artpar/billingd/ports"
)

// Mock stores messages in memory instead of sending them.
type Mock struct {
	mu       sync.Mutex
	messages []ports.Message
	failErr  error
}

// NewMock creates a new mock notifier.
func NewMock() *Mock {
	return &Mock{}
}

// Send records msg.
func (m *Mock) Send(ctx context.Context, msg ports.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return m.failErr
	}
	m.messages = append(m.messages, msg)
	return nil
}

// FailWith makes every send fail with err. A nil err restores delivery.
func (m *Mock) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Messages returns all recorded messages.
func (m *Mock) Messages() []ports.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ports.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// FindByTo returns messages sent to the address.
func (m *Mock) FindByTo(to string) []ports.Message {
	return m.filter(func(msg ports.Message) bool { return msg.To == to })
}

// FindBySubject returns messages whose subject contains s.
func (m *Mock) FindBySubject(s string) []ports.Message {
	return m.filter(func(msg ports.Message) bool { return strings.Contains(msg.Subject, s) })
}

// Count returns the number of recorded messages.
func (m *Mock) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// Clear removes all recorded messages.
func (m *Mock) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}

func (m *Mock) filter(keep func(ports.Message) bool) []ports.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ports.Message
	for _, msg := range m.messages {
		if keep(msg) {
			out = append(out, msg)
		}
	}
	return out
}

// ErrMockFailure is a convenience error for FailWith.
var ErrMockFailure = errors.New("mock email send failure")

// Ensure interface compliance.
var _ ports.Notifier = (*Mock)(nil)
