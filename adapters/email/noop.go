package email

import (
	"context"

	"github.com/artpar/billingd/ports"
)

// Noop discards messages when email is disabled.
type Noop struct{}

// NewNoop creates a new no-op notifier.
func NewNoop() *Noop {
	return &Noop{}
}

// Send does nothing.
func (Noop) Send(ctx context.Context, msg ports.Message) error {
	return nil
}

// Ensure interface compliance.
var _ ports.Notifier = Noop{}
