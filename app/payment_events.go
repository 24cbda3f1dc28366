package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/ports"
	"github.com/rs/zerolog"
)

// PaymentEventService applies verified gateway notifications to invoices.
type PaymentEventService struct {
	invoices *InvoiceService
	retries  *RetryEngine
	logger   zerolog.Logger
}

// NewPaymentEventService creates the gateway notification handler.
func NewPaymentEventService(invoices *InvoiceService, retries *RetryEngine, logger zerolog.Logger) *PaymentEventService {
	return &PaymentEventService{
		invoices: invoices,
		retries:  retries,
		logger:   logger.With().Str("service", "payment_events").Logger(),
	}
}

// Apply routes a succeeded payment to MarkPaid and a failed one to the
// retry engine. Events for invoices that are already paid are a no-op, so
// redeliveries are safe.
func (s *PaymentEventService) Apply(ctx context.Context, ev ports.PaymentEvent) error {
	log := s.logger.With().
		Str("event_id", ev.ID).
		Str("event_type", ev.Type).
		Str("invoice_id", ev.InvoiceID).
		Logger()

	if ev.Kind == "" || ev.InvoiceID == "" {
		log.Debug().Msg("ignoring payment event")
		return nil
	}
	if ev.Internal && ev.Kind == ports.PaymentEventFailed {
		log.Debug().Msg("failure already recorded by retry engine")
		return nil
	}

	switch ev.Kind {
	case ports.PaymentEventSucceeded:
		_, err := s.invoices.MarkPaid(ctx, ev.InvoiceID, billing.PaymentData{
			Gateway:       ev.Gateway,
			PaymentMethod: ev.PaymentMethod,
			TransactionID: ev.TransactionID,
		})
		if errors.Is(err, billing.ErrInvoiceAlreadyPaid) {
			log.Debug().Msg("invoice already paid")
			return nil
		}
		if err != nil {
			return fmt.Errorf("mark paid: %w", err)
		}
		log.Info().Str("transaction_id", ev.TransactionID).Msg("invoice paid by gateway notification")

	case ports.PaymentEventFailed:
		err := s.retries.HandlePaymentFailure(ctx, ev.InvoiceID, ev.Failure)
		if errors.Is(err, billing.ErrInvoiceAlreadyPaid) {
			log.Debug().Msg("failure reported for paid invoice")
			return nil
		}
		if err != nil {
			return fmt.Errorf("handle payment failure: %w", err)
		}

	default:
		log.Debug().Msg("ignoring payment event")
	}
	return nil
}
