package payment

import (
	"fmt"

	"github.com/artpar/billingd/ports"
)

// Config selects and configures the gateway.
type Config struct {
	Provider string       `yaml:"provider"`
	Stripe   StripeConfig `yaml:"stripe"`
}

// New creates a charger for the configured provider.
func New(cfg Config) (ports.PaymentCharger, error) {
	switch cfg.Provider {
	case "stripe":
		if cfg.Stripe.SecretKey == "" {
			return nil, fmt.Errorf("stripe secret key is required")
		}
		return NewStripeCharger(cfg.Stripe), nil

	case "dummy", "test":
		return NewDummyCharger(), nil

	case "none", "":
		return NewNoopCharger(), nil

	default:
		return nil, fmt.Errorf("unknown payment provider: %s", cfg.Provider)
	}
}

// NewWebhookParser returns the webhook parser for the configured provider,
// nil when the provider has none or no signing secret is set.
func NewWebhookParser(cfg Config) ports.PaymentEventParser {
	if cfg.Provider == "stripe" && cfg.Stripe.WebhookSecret != "" {
		return NewStripeWebhooks(cfg.Stripe)
	}
	return nil
}
