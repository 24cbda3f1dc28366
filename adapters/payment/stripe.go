// Package payment provides PaymentCharger adapters.
package payment

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/domain/retry"
	"github.com/artpar/billingd/ports"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// StripeConfig holds Stripe configuration.
type StripeConfig struct {
	SecretKey string `yaml:"secret_key"`
	// BaseURL overrides the API endpoint (stripe-mock, tests).
	BaseURL string `yaml:"base_url"`
	// WebhookSecret is the endpoint signing secret (whsec_...). Empty
	// disables the webhook route.
	WebhookSecret    string        `yaml:"webhook_secret"`
	WebhookTolerance time.Duration `yaml:"webhook_tolerance"`
}

// StripeCharger charges stored payment methods with off-session
// PaymentIntents.
type StripeCharger struct {
	api *client.API
}

// NewStripeCharger creates a Stripe charger.
func NewStripeCharger(cfg StripeConfig) *StripeCharger {
	var backends *stripe.Backends
	if cfg.BaseURL != "" {
		backends = &stripe.Backends{
			API: stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
				URL:               stripe.String(cfg.BaseURL),
				MaxNetworkRetries: stripe.Int64(0),
				LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
			}),
		}
	}
	api := &client.API{}
	api.Init(cfg.SecretKey, backends)
	return &StripeCharger{api: api}
}

// Name returns the gateway name.
func (c *StripeCharger) Name() string {
	return "stripe"
}

// Charge confirms a PaymentIntent against the stored payment method.
// PaymentMethod is either "pm_x" or "cus_x/pm_x".
func (c *StripeCharger) Charge(ctx context.Context, req ports.ChargeRequest) (ports.ChargeResult, error) {
	customerID, methodID := splitPaymentMethod(req.PaymentMethod)
	if methodID == "" {
		return ports.ChargeResult{}, &billing.ChargeError{Code: retry.CodeNoPaymentMethod, Message: "no payment method"}
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(minorUnits(req.Amount, req.Currency)),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod: stripe.String(methodID),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return ports.ChargeResult{}, mapStripeError(ctx, err)
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusProcessing:
		return ports.ChargeResult{TransactionID: pi.ID, Gateway: c.Name(), Response: string(pi.Status)}, nil
	default:
		return ports.ChargeResult{}, &billing.ChargeError{
			Code:            retry.CodeCardDeclined,
			Message:         "payment intent " + string(pi.Status),
			GatewayResponse: pi.ID,
		}
	}
}

// mapStripeError classifies a gateway error into a retry error code.
func mapStripeError(ctx context.Context, err error) *billing.ChargeError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &billing.ChargeError{Code: retry.CodeTimeout, Message: err.Error()}
	}

	var se *stripe.Error
	if !errors.As(err, &se) {
		return &billing.ChargeError{Code: retry.CodeNetworkError, Message: err.Error()}
	}

	ce := &billing.ChargeError{Message: se.Msg, GatewayResponse: se.Error()}
	switch {
	case se.HTTPStatusCode == http.StatusUnauthorized || se.HTTPStatusCode == http.StatusForbidden:
		ce.Code = retry.CodeAuthFailed
	case se.HTTPStatusCode == http.StatusTooManyRequests:
		ce.Code = retry.CodeRateLimited
	case se.Type == stripe.ErrorTypeCard:
		ce.Code = retry.CodeCardDeclined
		if se.DeclineCode != "" {
			ce.Message = se.Msg + " (" + string(se.DeclineCode) + ")"
		}
	case se.Type == stripe.ErrorTypeInvalidRequest:
		ce.Code = retry.CodeInvalidRequest
	default:
		ce.Code = retry.CodeNetworkError
	}
	return ce
}

var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// minorUnits converts an amount to the smallest currency unit.
func minorUnits(amount decimal.Decimal, currency string) int64 {
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return amount.Round(0).IntPart()
	}
	return amount.Shift(2).Round(0).IntPart()
}

func splitPaymentMethod(pm string) (customer, method string) {
	if i := strings.IndexByte(pm, '/'); i >= 0 {
		return pm[:i], pm[i+1:]
	}
	return "", pm
}

// Ensure interface compliance.
var _ ports.PaymentCharger = (*StripeCharger)(nil)
