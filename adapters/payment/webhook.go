package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/domain/retry"
	"github.com/artpar/billingd/ports"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// metaInvoiceID and metaAttempt are set on every charge the retry engine makes.
const (
	metaInvoiceID = "invoice_id"
	metaAttempt   = "attempt"
)

// StripeWebhooks verifies and decodes Stripe webhook deliveries.
type StripeWebhooks struct {
	secret    string
	tolerance time.Duration
}

// NewStripeWebhooks creates a parser for the endpoint signing secret.
func NewStripeWebhooks(cfg StripeConfig) *StripeWebhooks {
	return &StripeWebhooks{secret: cfg.WebhookSecret, tolerance: cfg.WebhookTolerance}
}

// ParseEvent checks the Stripe-Signature header and maps payment outcomes
// onto invoices via the invoice_id metadata key.
func (p *StripeWebhooks) ParseEvent(payload []byte, signature string) (ports.PaymentEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.secret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return ports.PaymentEvent{}, fmt.Errorf("%w: %v", ports.ErrInvalidSignature, err)
		}
		return ports.PaymentEvent{}, fmt.Errorf("parse stripe event: %w", err)
	}

	out := ports.PaymentEvent{ID: event.ID, Type: string(event.Type), Gateway: "stripe"}
	if event.Data == nil {
		return out, nil
	}

	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded, stripe.EventTypePaymentIntentPaymentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return out, fmt.Errorf("decode payment intent: %w", err)
		}
		out.InvoiceID = pi.Metadata[metaInvoiceID]
		_, out.Internal = pi.Metadata[metaAttempt]
		out.TransactionID = pi.ID
		if pi.PaymentMethod != nil {
			out.PaymentMethod = pi.PaymentMethod.ID
		}
		if event.Type == stripe.EventTypePaymentIntentSucceeded {
			out.Kind = ports.PaymentEventSucceeded
		} else {
			out.Kind = ports.PaymentEventFailed
			out.Failure = webhookFailure(pi.LastPaymentError, pi.ID)
		}

	case stripe.EventTypeInvoicePaid, stripe.EventTypeInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return out, fmt.Errorf("decode invoice: %w", err)
		}
		out.InvoiceID = inv.Metadata[metaInvoiceID]
		out.TransactionID = inv.ID
		if inv.PaymentIntent != nil && inv.PaymentIntent.ID != "" {
			out.TransactionID = inv.PaymentIntent.ID
		}
		if event.Type == stripe.EventTypeInvoicePaid {
			out.Kind = ports.PaymentEventSucceeded
		} else {
			out.Kind = ports.PaymentEventFailed
			var lastErr *stripe.Error
			if inv.PaymentIntent != nil {
				lastErr = inv.PaymentIntent.LastPaymentError
			}
			out.Failure = webhookFailure(lastErr, out.TransactionID)
		}
	}
	return out, nil
}

// webhookFailure maps a Stripe payment error. reference identifies the
// failed object so redeliveries can be recognised.
func webhookFailure(se *stripe.Error, reference string) billing.ChargeFailure {
	f := billing.ChargeFailure{Code: retry.CodeCardDeclined, GatewayResponse: reference}
	if se == nil {
		f.Message = "payment failed"
		return f
	}
	f.Message = se.Msg
	if se.DeclineCode != "" {
		f.Message = se.Msg + " (" + string(se.DeclineCode) + ")"
	}
	if se.Type != "" && se.Type != stripe.ErrorTypeCard {
		f.Code = retry.CodeInvalidRequest
	}
	return f
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrTooOld)
}

// Ensure interface compliance.
var _ ports.PaymentEventParser = (*StripeWebhooks)(nil)
