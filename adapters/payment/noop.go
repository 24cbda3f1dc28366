package payment

import (
	"context"

	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/domain/retry"
	"github.com/artpar/billingd/ports"
)

// NoopCharger is used when no gateway is configured. Every charge fails with
// a configuration error, which does not consume a retry slot.
type NoopCharger struct{}

// NewNoopCharger creates a new no-op charger.
func NewNoopCharger() *NoopCharger {
	return &NoopCharger{}
}

// Name returns the gateway name.
func (NoopCharger) Name() string {
	return "none"
}

// Charge always fails with not_configured.
func (NoopCharger) Charge(ctx context.Context, req ports.ChargeRequest) (ports.ChargeResult, error) {
	return ports.ChargeResult{}, &billing.ChargeError{
		Code:    retry.CodeNotConfigured,
		Message: "payments are not configured",
	}
}

// Ensure interface compliance.
var _ ports.PaymentCharger = NoopCharger{}
