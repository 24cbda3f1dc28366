package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/billingd/adapters/random"
	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/ports"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// invoiceNumberAttempts bounds retries on invoice number collisions.
const invoiceNumberAttempts = 5

// InvoiceOverrides replace computed values of a renewal invoice.
type InvoiceOverrides struct {
	Amount   *decimal.Decimal
	Currency string
	DueDate  *time.Time
	Notes    string
}

// InvoiceService creates invoices and tracks their payment status.
type InvoiceService struct {
	subscriptions ports.SubscriptionStore
	invoices      ports.InvoiceStore
	history       ports.HistoryStore
	users         ports.UserStore
	plans         ports.PlanCatalog
	tax           ports.TaxResolver
	documents     ports.DocumentGenerator
	clock         ports.Clock
	ids           ports.IDGenerator
	random        ports.Random
	events        Publisher
	mailer        *Mailer
	metrics       Metrics
	logger        zerolog.Logger
}

// NewInvoiceService creates a new invoice service.
func NewInvoiceService(d Deps) *InvoiceService {
	return &InvoiceService{
		subscriptions: d.Subscriptions,
		invoices:      d.Invoices,
		history:       d.History,
		users:         d.Users,
		plans:         d.Plans,
		tax:           d.Tax,
		documents:     d.Documents,
		clock:         d.Clock,
		ids:           d.IDs,
		random:        d.Random,
		events:        d.events(),
		mailer:        d.Mailer,
		metrics:       d.metrics(),
		logger:        d.Logger.With().Str("service", "invoices").Logger(),
	}
}

// CreateRenewalInvoice creates the pending invoice for the period ending at
// the subscription's next renewal.
func (s *InvoiceService) CreateRenewalInvoice(ctx context.Context, subID string, overrides InvoiceOverrides) (billing.Invoice, error) {
	sub, err := s.subscriptions.Get(ctx, subID)
	if err != nil {
		return billing.Invoice{}, storeErr(err, billing.ErrSubscriptionNotFound)
	}

	plan, err := getPlan(ctx, s.plans, sub.PlanKey)
	if err != nil {
		return billing.Invoice{}, fmt.Errorf("plan %q: %w", sub.PlanKey, err)
	}

	amount := plan.Price
	if overrides.Amount != nil {
		amount = *overrides.Amount
	}
	currency := lo.CoalesceOrEmpty(overrides.Currency, sub.Currency, plan.Currency)

	rate := decimal.Zero
	if s.tax != nil {
		rate, err = s.tax.Rate(ctx, sub.UserID, currency)
		if err != nil {
			return billing.Invoice{}, fmt.Errorf("resolve tax rate: %w", err)
		}
	}

	now := s.clock.Now()
	for i := 0; i < invoiceNumberAttempts; i++ {
		suffix, err := random.Uint32(s.random)
		if err != nil {
			return billing.Invoice{}, fmt.Errorf("invoice number: %w", err)
		}
		inv := billing.NewInvoice(billing.InvoiceParams{
			ID:           s.ids.New(),
			Number:       billing.FormatInvoiceNumber(now, suffix),
			Subscription: sub,
			Amount:       amount,
			TaxRate:      rate,
			Currency:     currency,
			DueDate:      overrides.DueDate,
			Notes:        overrides.Notes,
			Now:          now,
		})

		err = s.invoices.Create(ctx, inv)
		if errors.Is(err, ports.ErrDuplicate) {
			s.logger.Debug().Str("number", inv.Number).Msg("invoice number collision, retrying")
			continue
		}
		if err != nil {
			return billing.Invoice{}, err
		}

		s.metrics.InvoiceCreated()
		s.events.Publish(ctx, billing.EventInvoiceCreated, billing.InvoiceEvent{Invoice: inv})
		s.logger.Info().
			Str("invoice_id", inv.ID).
			Str("number", inv.Number).
			Str("subscription_id", sub.ID).
			Str("total", inv.TotalAmount.String()).
			Msg("renewal invoice created")
		return inv, nil
	}
	return billing.Invoice{}, fmt.Errorf("no unique invoice number after %d attempts: %w", invoiceNumberAttempts, ports.ErrDuplicate)
}

// MarkPaid settles an invoice and clears the subscription's failure state.
func (s *InvoiceService) MarkPaid(ctx context.Context, invoiceID string, payment billing.PaymentData) (billing.Invoice, error) {
	inv, err := s.Get(ctx, invoiceID)
	if err != nil {
		return billing.Invoice{}, err
	}
	if inv.IsPaid() {
		return inv, billing.ErrInvoiceAlreadyPaid
	}
	if !inv.IsPayable() {
		return inv, billing.ErrInvoiceNotPayable
	}

	now := s.clock.Now()
	paidAt := now
	inv.Status = billing.InvoiceStatusPaid
	inv.PaidAt = &paidAt
	inv.UpdatedAt = now
	inv.ErrorMessage = ""
	inv.Gateway = lo.CoalesceOrEmpty(payment.Gateway, inv.Gateway)
	inv.PaymentMethod = lo.CoalesceOrEmpty(payment.PaymentMethod, inv.PaymentMethod)
	inv.TransactionID = lo.CoalesceOrEmpty(payment.TransactionID, inv.TransactionID)

	if err := s.invoices.Update(ctx, inv, billing.InvoiceStatusPending, billing.InvoiceStatusFailed); err != nil {
		if errors.Is(err, ports.ErrConflict) {
			if current, getErr := s.invoices.Get(ctx, invoiceID); getErr == nil && current.IsPaid() {
				return current, billing.ErrInvoiceAlreadyPaid
			}
		}
		return billing.Invoice{}, storeErr(err, billing.ErrInvoiceNotFound)
	}

	sub, err := s.clearFailureState(ctx, inv.SubscriptionID, now)
	if err != nil {
		// The invoice is settled; the subscription catches up on the next payment or audit.
		s.logger.Error().Err(err).
			Str("invoice_id", inv.ID).
			Str("subscription_id", inv.SubscriptionID).
			Msg("failed to reset subscription after payment")
	}

	collected, _ := inv.TotalAmount.Float64()
	s.metrics.AddCollected(inv.Currency, collected)
	s.events.Publish(ctx, billing.EventInvoicePaid, billing.InvoiceEvent{Invoice: inv, Payment: payment})
	s.mailer.Notify(ctx, inv.UserID, MailInvoicePaid, invoiceMailData(inv, s.planName(ctx, sub.PlanKey)))

	s.logger.Info().
		Str("invoice_id", inv.ID).
		Str("transaction_id", inv.TransactionID).
		Msg("invoice paid")
	return inv, nil
}

func (s *InvoiceService) clearFailureState(ctx context.Context, subID string, now time.Time) (billing.Subscription, error) {
	var before billing.SubscriptionStatus
	sub, err := mutateSubscription(ctx, s.subscriptions, subID, func(sub *billing.Subscription) bool {
		before = sub.Status
		sub.FailedPaymentCount = 0
		sub.DunningLevel = 0
		if sub.Status == billing.SubscriptionStatusSuspended || sub.Status == billing.SubscriptionStatusOverdue {
			sub.Status = billing.SubscriptionStatusActive
		}
		sub.UpdatedAt = now
		return true
	})
	if err != nil {
		return sub, err
	}
	if before != sub.Status {
		entry := billing.HistoryEntry{
			ID:             s.ids.New(),
			SubscriptionID: sub.ID,
			Action:         billing.ActionReactivated,
			Before:         map[string]string{"status": string(before)},
			After:          map[string]string{"status": string(sub.Status)},
			Actor:          "system:payment",
			CreatedAt:      now,
		}
		if err := s.history.Append(ctx, entry); err != nil {
			s.logger.Error().Err(err).Str("subscription_id", sub.ID).Msg("failed to record history")
		}
		s.metrics.Transition(string(billing.ActionReactivated))
	}
	return sub, nil
}

// MarkFailed marks an invoice failed with message.
func (s *InvoiceService) MarkFailed(ctx context.Context, invoiceID, message string) (billing.Invoice, error) {
	inv, err := s.Get(ctx, invoiceID)
	if err != nil {
		return billing.Invoice{}, err
	}
	if inv.IsPaid() {
		return inv, billing.ErrInvoiceAlreadyPaid
	}
	if !inv.IsPayable() {
		return inv, billing.ErrInvoiceNotPayable
	}

	inv.Status = billing.InvoiceStatusFailed
	inv.ErrorMessage = message
	inv.UpdatedAt = s.clock.Now()
	if err := s.invoices.Update(ctx, inv, billing.InvoiceStatusPending, billing.InvoiceStatusFailed); err != nil {
		return billing.Invoice{}, storeErr(err, billing.ErrInvoiceNotFound)
	}

	s.events.Publish(ctx, billing.EventInvoiceFailed, billing.InvoiceEvent{Invoice: inv})
	s.logger.Warn().Str("invoice_id", inv.ID).Str("reason", message).Msg("invoice marked failed")
	return inv, nil
}

// GetOverdue returns unpaid invoices at least minDays past their due date.
func (s *InvoiceService) GetOverdue(ctx context.Context, minDays int) ([]billing.Invoice, error) {
	now := s.clock.Now()
	cutoff := now.AddDate(0, 0, -minDays)
	list, err := s.invoices.List(ctx, ports.InvoiceFilter{
		Statuses:  []billing.InvoiceStatus{billing.InvoiceStatusPending, billing.InvoiceStatusFailed},
		DueBefore: &cutoff,
	})
	if err != nil {
		return nil, err
	}
	return lo.Filter(list, func(inv billing.Invoice, _ int) bool {
		return inv.DueDate.Before(now) && inv.DaysOverdue(now) >= minDays
	}), nil
}

// GetPending returns the subscription's pending invoices by due date.
func (s *InvoiceService) GetPending(ctx context.Context, subID string) ([]billing.Invoice, error) {
	return s.invoices.List(ctx, ports.InvoiceFilter{
		SubscriptionID: subID,
		Statuses:       []billing.InvoiceStatus{billing.InvoiceStatusPending},
	})
}

// Get retrieves an invoice.
func (s *InvoiceService) Get(ctx context.Context, invoiceID string) (billing.Invoice, error) {
	inv, err := s.invoices.Get(ctx, invoiceID)
	if err != nil {
		return billing.Invoice{}, storeErr(err, billing.ErrInvoiceNotFound)
	}
	return inv, nil
}

// Document returns the invoice document path, generating it on first use.
// Generator failures degrade to a placeholder path.
func (s *InvoiceService) Document(ctx context.Context, invoiceID string) (string, error) {
	inv, err := s.Get(ctx, invoiceID)
	if err != nil {
		return "", err
	}
	if inv.PDFPath != "" {
		return inv.PDFPath, nil
	}
	if s.documents == nil {
		return billing.PlaceholderDocumentPath(inv.Number), nil
	}

	user, err := s.users.Get(ctx, inv.UserID)
	if err != nil {
		user = ports.User{ID: inv.UserID}
	}
	path, err := s.documents.Generate(ctx, inv, user)
	if err != nil {
		s.logger.Warn().Err(err).Str("invoice_id", inv.ID).Msg("document generation failed, serving placeholder")
		return billing.PlaceholderDocumentPath(inv.Number), nil
	}

	inv.PDFPath = path
	inv.UpdatedAt = s.clock.Now()
	if err := s.invoices.Update(ctx, inv, inv.Status); err != nil {
		s.logger.Error().Err(err).Str("invoice_id", inv.ID).Msg("failed to store document path")
	}
	return path, nil
}

func (s *InvoiceService) planName(ctx context.Context, key string) string {
	if key == "" {
		return ""
	}
	plan, err := s.plans.Get(ctx, key)
	if err != nil || plan.Name == "" {
		return key
	}
	return plan.Name
}
