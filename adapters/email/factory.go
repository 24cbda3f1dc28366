package email

import (
	"fmt"

	"github.com/artpar/billingd/ports"
)

// Config selects and configures the notifier.
type Config struct {
	Provider string     `yaml:"provider"`
	SMTP     SMTPConfig `yaml:"smtp"`
}

// New creates a notifier for the configured provider.
func New(cfg Config) (ports.Notifier, error) {
	switch cfg.Provider {
	case "smtp":
		if cfg.SMTP.Host == "" {
			return nil, fmt.Errorf("SMTP host is required")
		}
		if cfg.SMTP.From == "" {
			return nil, fmt.Errorf("SMTP from address is required")
		}
		return NewSMTPNotifier(cfg.SMTP), nil

	case "mock":
		return NewMock(), nil

	case "none", "":
		return NewNoop(), nil

	default:
		return nil, fmt.Errorf("unknown email provider: %s", cfg.Provider)
	}
}
