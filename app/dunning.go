package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/artpar/billingd/core/events"
	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/domain/dunning"
	"github.com/artpar/billingd/domain/retry"
	"github.com/artpar/billingd/ports"
	"github.com/rs/zerolog"
)

// DunningService sends the failed-payment escalation emails.
type DunningService struct {
	subscriptions ports.SubscriptionStore
	invoices      ports.InvoiceStore
	attempts      ports.AttemptStore
	sent          ports.DunningStore
	users         ports.UserStore
	plans         ports.PlanCatalog
	scheduler     ports.JobScheduler
	clock         ports.Clock
	ids           ports.IDGenerator
	mailer        *Mailer
	metrics       Metrics
	batchSize     int
	logger        zerolog.Logger
}

// NewDunningService creates a new dunning service.
func NewDunningService(d Deps, batchSize int) *DunningService {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &DunningService{
		subscriptions: d.Subscriptions,
		invoices:      d.Invoices,
		attempts:      d.Attempts,
		sent:          d.Dunning,
		users:         d.Users,
		plans:         d.Plans,
		scheduler:     d.Scheduler,
		clock:         d.Clock,
		ids:           d.IDs,
		mailer:        d.Mailer,
		metrics:       d.metrics(),
		batchSize:     batchSize,
		logger:        d.Logger.With().Str("service", "dunning").Logger(),
	}
}

// SendDunningEmail sends level for the invoice once. It returns false when
// the email was already sent or its invoice, subscription or user is gone.
func (s *DunningService) SendDunningEmail(ctx context.Context, invoiceID string, level int) (bool, error) {
	def, ok := dunning.LevelFor(level)
	if !ok {
		return false, fmt.Errorf("unknown dunning level %d", level)
	}

	inv, err := s.invoices.Get(ctx, invoiceID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			s.logger.Warn().Str("invoice_id", invoiceID).Int("level", level).Msg("dunning skipped, invoice not found")
			return false, nil
		}
		return false, err
	}
	if inv.IsPaid() {
		s.logger.Debug().Str("invoice_id", invoiceID).Int("level", level).Msg("dunning skipped, invoice paid")
		return false, nil
	}
	sub, err := s.subscriptions.Get(ctx, inv.SubscriptionID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			s.logger.Warn().Str("invoice_id", invoiceID).Msg("dunning skipped, subscription not found")
			return false, nil
		}
		return false, err
	}
	if _, err := s.users.Get(ctx, inv.UserID); err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			s.logger.Warn().Str("invoice_id", invoiceID).Str("user_id", inv.UserID).Msg("dunning skipped, user not found")
			return false, nil
		}
		return false, err
	}

	now := s.clock.Now()
	record := dunning.Email{
		ID:             s.ids.New(),
		SubscriptionID: sub.ID,
		InvoiceID:      inv.ID,
		UserID:         inv.UserID,
		Level:          level,
		SentAt:         now,
	}
	if err := s.sent.Record(ctx, record); err != nil {
		if errors.Is(err, ports.ErrDuplicate) {
			s.logger.Debug().Str("invoice_id", invoiceID).Int("level", level).Msg("dunning already sent")
			return false, nil
		}
		return false, fmt.Errorf("record dunning email: %w", err)
	}

	if _, err := mutateSubscription(ctx, s.subscriptions, sub.ID, func(sub *billing.Subscription) bool {
		if level <= sub.DunningLevel {
			return false
		}
		sub.DunningLevel = level
		sub.UpdatedAt = now
		return true
	}); err != nil {
		if delErr := s.sent.Delete(ctx, record.ID); delErr != nil {
			s.logger.Error().Err(delErr).Str("invoice_id", invoiceID).Msg("failed to release dunning record")
		}
		return false, fmt.Errorf("raise dunning level: %w", err)
	}

	s.mailer.Notify(ctx, inv.UserID, DunningKind(level), invoiceMailData(inv, s.planName(ctx, sub.PlanKey)))
	s.metrics.DunningSent(strconv.Itoa(level))
	s.logger.Info().
		Str("invoice_id", inv.ID).
		Str("subscription_id", sub.ID).
		Int("level", level).
		Str("tone", def.Tone).
		Msg("dunning email sent")
	return true, nil
}

// ScheduleDunningEmails queues the level that follows retry number n,
// anchored to the invoice's first failure.
func (s *DunningService) ScheduleDunningEmails(ctx context.Context, invoiceID string, n int) error {
	level := dunning.LevelForRetry(n)
	if level == 0 {
		return nil
	}
	def, _ := dunning.LevelFor(level)

	attempts, err := s.attempts.ListByInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	first, ok := retry.FirstFailureAt(attempts)
	if !ok {
		first = s.clock.Now()
	}
	at := first.Add(def.Offset)

	if err := s.scheduler.ScheduleAt(ctx, at, dunningKey(invoiceID, level), ports.Job{
		Kind: JobDunningSend,
		Payload: map[string]string{
			payloadInvoiceID: invoiceID,
			payloadLevel:     strconv.Itoa(level),
		},
	}); err != nil {
		return fmt.Errorf("queue dunning level %d: %w", level, err)
	}
	s.logger.Debug().Str("invoice_id", invoiceID).Int("level", level).Time("at", at).Msg("dunning email scheduled")
	return nil
}

// CancelDunningSequence removes the invoice's queued dunning triggers and
// resets the subscription's dunning level.
func (s *DunningService) CancelDunningSequence(ctx context.Context, invoiceID string) error {
	if err := s.cancelTriggers(ctx, invoiceID); err != nil {
		return err
	}

	inv, err := s.invoices.Get(ctx, invoiceID)
	if err != nil {
		return storeErr(err, billing.ErrInvoiceNotFound)
	}
	_, err = mutateSubscription(ctx, s.subscriptions, inv.SubscriptionID, func(sub *billing.Subscription) bool {
		if sub.DunningLevel == 0 {
			return false
		}
		sub.DunningLevel = 0
		sub.UpdatedAt = s.clock.Now()
		return true
	})
	if err != nil {
		return fmt.Errorf("reset dunning level: %w", err)
	}
	s.logger.Info().Str("invoice_id", invoiceID).Msg("dunning sequence cancelled")
	return nil
}

func (s *DunningService) cancelTriggers(ctx context.Context, invoiceID string) error {
	var errs []error
	for level := 1; level <= dunning.MaxLevel; level++ {
		if err := s.scheduler.Cancel(ctx, dunningKey(invoiceID, level)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ProcessDunningQueue sends the level each failing subscription should have
// reached by now. It catches up on missed triggers.
func (s *DunningService) ProcessDunningQueue(ctx context.Context, limit int) (BatchResult, error) {
	result := BatchResult{Job: "check_dunning"}
	if limit <= 0 {
		limit = s.batchSize
	}

	maxLevel := dunning.MaxLevel
	subs, err := s.subscriptions.List(ctx, ports.SubscriptionFilter{
		Statuses:          []billing.SubscriptionStatus{billing.SubscriptionStatusActive},
		MinFailedPayments: 1,
		MaxDunningLevel:   &maxLevel,
		Limit:             limit,
	})
	if err != nil {
		return result, fmt.Errorf("list failing subscriptions: %w", err)
	}

	now := s.clock.Now()
	for _, sub := range subs {
		result.Processed++
		if sub.LastPaymentAttemptAt == nil {
			result.Skipped++
			continue
		}
		pending, err := s.invoices.List(ctx, ports.InvoiceFilter{
			SubscriptionID: sub.ID,
			Statuses:       []billing.InvoiceStatus{billing.InvoiceStatusPending},
			Limit:          1,
		})
		if err != nil {
			result.fail(sub.ID, err)
			continue
		}
		if len(pending) == 0 {
			result.Skipped++
			continue
		}

		next := dunning.NextLevel(sub.DunningLevel, billing.WholeDaysBetween(*sub.LastPaymentAttemptAt, now))
		if next == 0 {
			result.Skipped++
			continue
		}
		sent, err := s.SendDunningEmail(ctx, pending[0].ID, next)
		switch {
		case err != nil:
			result.fail(sub.ID, err)
		case sent:
			result.Succeeded++
		default:
			result.Skipped++
		}
	}
	return result, nil
}

// Subscribe wires the service to the payment and invoice events.
func (s *DunningService) Subscribe(bus *events.Bus) {
	bus.Subscribe(billing.EventPaymentFailed, func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(billing.PaymentFailedEvent)
		if !ok || !p.FirstFailure {
			return nil
		}
		_, err := s.SendDunningEmail(ctx, p.InvoiceID, 1)
		return err
	})
	bus.Subscribe(billing.EventPaymentRetryScheduled, func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(billing.RetryScheduledEvent)
		if !ok {
			return nil
		}
		return s.ScheduleDunningEmails(ctx, p.InvoiceID, p.AttemptNumber)
	})
	bus.Subscribe(billing.EventPaymentFinalFailure, func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(billing.FinalFailureEvent)
		if !ok {
			return nil
		}
		if err := s.cancelTriggers(ctx, p.InvoiceID); err != nil {
			s.logger.Error().Err(err).Str("invoice_id", p.InvoiceID).Msg("failed to cancel dunning triggers")
		}
		_, err := s.SendDunningEmail(ctx, p.InvoiceID, dunning.MaxLevel)
		return err
	})
	bus.Subscribe(billing.EventPaymentRetrySuccess, func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(billing.RetrySuccessEvent)
		if !ok {
			return nil
		}
		return s.CancelDunningSequence(ctx, p.InvoiceID)
	})
	bus.Subscribe(billing.EventInvoicePaid, func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(billing.InvoiceEvent)
		if !ok {
			return nil
		}
		return s.CancelDunningSequence(ctx, p.Invoice.ID)
	})
	bus.Subscribe(billing.EventSubscriptionCancelled, func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(billing.SubscriptionEvent)
		if !ok {
			return nil
		}
		unpaid, err := s.invoices.List(ctx, ports.InvoiceFilter{
			SubscriptionID: p.Subscription.ID,
			Statuses:       []billing.InvoiceStatus{billing.InvoiceStatusPending, billing.InvoiceStatusFailed},
		})
		if err != nil {
			return err
		}
		var errs []error
		for _, inv := range unpaid {
			errs = append(errs, s.cancelTriggers(ctx, inv.ID))
		}
		return errors.Join(errs...)
	})
}

func (s *DunningService) planName(ctx context.Context, key string) string {
	plan, err := s.plans.Get(ctx, key)
	if err != nil || plan.Name == "" {
		return key
	}
	return plan.Name
}

// dunningJobLevel parses the level of a dunning.send job.
func dunningJobLevel(job ports.Job) (int, error) {
	level, err := strconv.Atoi(job.Payload[payloadLevel])
	if err != nil {
		return 0, fmt.Errorf("dunning job level: %w", err)
	}
	return level, nil
}
