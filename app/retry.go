package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/billingd/core/events"
	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/domain/retry"
	"github.com/artpar/billingd/ports"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/time/rate"
)

// errAlreadyReported marks a configuration failure recorded by an earlier run.
var errAlreadyReported = errors.New("already reported")

// RetryConfig tunes the retry engine.
type RetryConfig struct {
	// ChargeTimeout bounds each gateway call.
	ChargeTimeout time.Duration
	// ChargeInterval is the minimum delay between charges in a batch.
	ChargeInterval time.Duration
	// BatchSize is the default number of due retries processed per run.
	BatchSize int
}

// DefaultRetryConfig returns the production defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		ChargeTimeout:  30 * time.Second,
		ChargeInterval: 500 * time.Millisecond,
		BatchSize:      50,
	}
}

// RetryEngine schedules and executes the bounded payment retries of an invoice.
type RetryEngine struct {
	subscriptions ports.SubscriptionStore
	invoices      ports.InvoiceStore
	retries       ports.RetryStore
	attempts      ports.AttemptStore
	history       ports.HistoryStore
	charger       ports.PaymentCharger
	scheduler     ports.JobScheduler
	invoiceSvc    *InvoiceService
	clock         ports.Clock
	ids           ports.IDGenerator
	events        Publisher
	mailer        *Mailer
	metrics       Metrics
	config        RetryConfig
	logger        zerolog.Logger
}

// NewRetryEngine creates a new retry engine.
func NewRetryEngine(d Deps, invoices *InvoiceService, config RetryConfig) *RetryEngine {
	def := DefaultRetryConfig()
	if config.ChargeTimeout <= 0 {
		config.ChargeTimeout = def.ChargeTimeout
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	return &RetryEngine{
		subscriptions: d.Subscriptions,
		invoices:      d.Invoices,
		retries:       d.Retries,
		attempts:      d.Attempts,
		history:       d.History,
		charger:       d.Charger,
		scheduler:     d.Scheduler,
		invoiceSvc:    invoices,
		clock:         d.Clock,
		ids:           d.IDs,
		events:        d.events(),
		mailer:        d.Mailer,
		metrics:       d.metrics(),
		config:        config,
		logger:        d.Logger.With().Str("service", "retries").Logger(),
	}
}

// HandlePaymentFailure records a failed renewal charge reported by the
// gateway (attempt 0) and schedules the next retry or final failure. A
// failure whose GatewayResponse matches a recorded attempt is ignored.
func (e *RetryEngine) HandlePaymentFailure(ctx context.Context, invoiceID string, failure billing.ChargeFailure) error {
	inv, err := e.invoiceSvc.Get(ctx, invoiceID)
	if err != nil {
		return err
	}
	if inv.IsPaid() {
		return billing.ErrInvoiceAlreadyPaid
	}
	sub, err := e.subscriptions.Get(ctx, inv.SubscriptionID)
	if err != nil {
		return storeErr(err, billing.ErrSubscriptionNotFound)
	}

	prior, err := e.attempts.ListByInvoice(ctx, inv.ID)
	if err != nil {
		return err
	}
	if failure.GatewayResponse != "" {
		for _, a := range prior {
			if a.GatewayResponse == failure.GatewayResponse {
				e.logger.Debug().
					Str("invoice_id", inv.ID).
					Str("gateway_response", failure.GatewayResponse).
					Msg("payment failure already recorded")
				return nil
			}
		}
	}
	_, hadFailure := retry.FirstFailureAt(prior)

	now := e.clock.Now()
	attempt := e.newAttempt(inv, 0, now)
	attempt.Status = retry.AttemptFailed
	attempt.ErrorCode = failure.Code
	attempt.ErrorMessage = failure.Message
	attempt.GatewayResponse = failure.GatewayResponse
	if err := e.attempts.Record(ctx, attempt); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}

	e.logger.Warn().
		Str("invoice_id", inv.ID).
		Str("code", failure.Code).
		Msg("renewal charge failed")

	if !retry.IsConfigurationError(failure.Code) {
		e.events.Publish(ctx, billing.EventPaymentFailed, billing.PaymentFailedEvent{
			InvoiceID:      inv.ID,
			SubscriptionID: sub.ID,
			AttemptNumber:  0,
			Failure:        failure,
			FirstFailure:   !hadFailure,
		})
	}

	_, _, err = e.escalate(ctx, inv, sub.ID, now)
	return err
}

// AttemptPayment charges the invoice's next scheduled retry.
func (e *RetryEngine) AttemptPayment(ctx context.Context, invoiceID string) (retry.Outcome, error) {
	out := retry.Outcome{InvoiceID: invoiceID}

	inv, err := e.invoiceSvc.Get(ctx, invoiceID)
	if err != nil {
		return out, err
	}
	if inv.IsPaid() {
		if err := e.CancelPendingRetries(ctx, inv.ID); err != nil {
			e.logger.Error().Err(err).Str("invoice_id", inv.ID).Msg("failed to cancel retries of paid invoice")
		}
		return out, billing.ErrInvoiceAlreadyPaid
	}

	sub, err := e.subscriptions.Get(ctx, inv.SubscriptionID)
	if err != nil {
		return out, storeErr(err, billing.ErrSubscriptionNotFound)
	}
	if sub.Status == billing.SubscriptionStatusCancelled || sub.Status == billing.SubscriptionStatusExpired {
		if err := e.CancelPendingRetries(ctx, inv.ID); err != nil {
			e.logger.Error().Err(err).Str("invoice_id", inv.ID).Msg("failed to cancel retries of cancelled subscription")
		}
		return out, &billing.StateError{Op: "charge", Status: sub.Status}
	}

	slot, err := e.nextScheduled(ctx, inv.ID)
	if err != nil {
		return out, err
	}
	out.AttemptNumber = slot.AttemptNumber

	now := e.clock.Now()
	if !sub.HasPaymentMethod() {
		out.ErrorCode = retry.CodeNoPaymentMethod
		if e.configFailureRecorded(ctx, inv.ID, slot.AttemptNumber, retry.CodeNoPaymentMethod) {
			return out, fmt.Errorf("%w: %w", billing.ErrNoPaymentMethod, errAlreadyReported)
		}
		e.recordConfigFailure(ctx, inv, slot.AttemptNumber, now, retry.CodeNoPaymentMethod, billing.ErrNoPaymentMethod.Error())
		return out, billing.ErrNoPaymentMethod
	}

	claimed, err := e.retries.Transition(ctx, slot.ID, retry.StatusScheduled, retry.StatusInProgress, now)
	if err != nil {
		return out, fmt.Errorf("claim retry: %w", err)
	}
	if !claimed {
		return out, billing.ErrRetryClaimed
	}

	result, chargeErr := e.charge(ctx, inv, sub, slot.AttemptNumber)
	now = e.clock.Now()

	if chargeErr != nil {
		failure := e.classify(chargeErr)
		out.ErrorCode = failure.Code

		if retry.IsConfigurationError(failure.Code) {
			// Waiting will not fix it: release the slot for a later run.
			e.recordConfigFailure(ctx, inv, slot.AttemptNumber, now, failure.Code, failure.Message)
			if _, err := e.retries.Transition(ctx, slot.ID, retry.StatusInProgress, retry.StatusScheduled, now); err != nil {
				e.logger.Error().Err(err).Str("retry_id", slot.ID).Msg("failed to release retry")
			}
			return out, &billing.ChargeError{Code: failure.Code, Message: failure.Message}
		}

		return e.recordDecline(ctx, inv, sub, slot, failure, now, out)
	}

	attempt := e.newAttempt(inv, slot.AttemptNumber, now)
	attempt.Status = retry.AttemptSuccess
	attempt.TransactionID = result.TransactionID
	attempt.Gateway = result.Gateway
	attempt.GatewayResponse = result.Response
	if err := e.attempts.Record(ctx, attempt); err != nil {
		e.logger.Error().Err(err).Str("invoice_id", inv.ID).Msg("failed to record successful attempt")
	}
	if _, err := e.retries.Transition(ctx, slot.ID, retry.StatusInProgress, retry.StatusSuccess, now); err != nil {
		e.logger.Error().Err(err).Str("retry_id", slot.ID).Msg("failed to mark retry successful")
	}
	e.dropTrigger(ctx, inv.ID, slot.AttemptNumber)

	if _, err := e.invoiceSvc.MarkPaid(ctx, inv.ID, billing.PaymentData{
		Gateway:       result.Gateway,
		PaymentMethod: sub.PaymentMethod,
		TransactionID: result.TransactionID,
	}); err != nil && !errors.Is(err, billing.ErrInvoiceAlreadyPaid) {
		return out, fmt.Errorf("mark invoice paid: %w", err)
	}
	if err := e.CancelPendingRetries(ctx, inv.ID); err != nil {
		e.logger.Error().Err(err).Str("invoice_id", inv.ID).Msg("failed to cancel remaining retries")
	}

	e.events.Publish(ctx, billing.EventPaymentRetrySuccess, billing.RetrySuccessEvent{
		InvoiceID:      inv.ID,
		SubscriptionID: sub.ID,
		AttemptNumber:  slot.AttemptNumber,
	})
	e.logger.Info().
		Str("invoice_id", inv.ID).
		Int("attempt", slot.AttemptNumber).
		Str("transaction_id", result.TransactionID).
		Msg("retry succeeded")

	out.Success = true
	out.TransactionID = result.TransactionID
	return out, nil
}

func (e *RetryEngine) recordDecline(ctx context.Context, inv billing.Invoice, sub billing.Subscription, slot retry.Retry, failure billing.ChargeFailure, now time.Time, out retry.Outcome) (retry.Outcome, error) {
	prior, err := e.attempts.ListByInvoice(ctx, inv.ID)
	if err != nil {
		return out, err
	}
	_, hadFailure := retry.FirstFailureAt(prior)

	attempt := e.newAttempt(inv, slot.AttemptNumber, now)
	attempt.Status = retry.AttemptFailed
	attempt.ErrorCode = failure.Code
	attempt.ErrorMessage = failure.Message
	attempt.GatewayResponse = failure.GatewayResponse
	if err := e.attempts.Record(ctx, attempt); err != nil {
		return out, fmt.Errorf("record attempt: %w", err)
	}
	if _, err := e.retries.Transition(ctx, slot.ID, retry.StatusInProgress, retry.StatusFailed, now); err != nil {
		e.logger.Error().Err(err).Str("retry_id", slot.ID).Msg("failed to mark retry failed")
	}
	e.dropTrigger(ctx, inv.ID, slot.AttemptNumber)

	e.logger.Warn().
		Str("invoice_id", inv.ID).
		Int("attempt", slot.AttemptNumber).
		Str("code", failure.Code).
		Msg("retry declined")

	e.events.Publish(ctx, billing.EventPaymentFailed, billing.PaymentFailedEvent{
		InvoiceID:      inv.ID,
		SubscriptionID: sub.ID,
		AttemptNumber:  slot.AttemptNumber,
		Failure:        failure,
		FirstFailure:   !hadFailure,
	})

	next, exhausted, err := e.escalate(ctx, inv, sub.ID, now)
	out.NextRetryAt = next
	out.Exhausted = exhausted
	return out, err
}

// escalate schedules the next retry slot, or runs final failure when every
// slot has been used.
func (e *RetryEngine) escalate(ctx context.Context, inv billing.Invoice, subID string, now time.Time) (*time.Time, bool, error) {
	attempts, err := e.attempts.ListByInvoice(ctx, inv.ID)
	if err != nil {
		return nil, false, err
	}
	failed := retry.FailedEngineAttempts(attempts)
	if retry.Exhausted(failed) {
		return nil, true, e.finalFailure(ctx, inv, subID, now)
	}

	n := failed + 1
	at := retry.ScheduleFor(n, now)
	slot := retry.Retry{
		ID:             e.ids.New(),
		InvoiceID:      inv.ID,
		SubscriptionID: inv.SubscriptionID,
		UserID:         inv.UserID,
		AttemptNumber:  n,
		ScheduledAt:    at,
		Status:         retry.StatusScheduled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.retries.Create(ctx, slot); err != nil {
		if errors.Is(err, ports.ErrDuplicate) {
			e.logger.Debug().Str("invoice_id", inv.ID).Int("attempt", n).Msg("retry already scheduled")
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("schedule retry: %w", err)
	}
	if err := e.scheduler.ScheduleAt(ctx, at, retryKey(inv.ID, n), ports.Job{
		Kind:    JobRetryAttempt,
		Payload: map[string]string{payloadInvoiceID: inv.ID},
	}); err != nil {
		// The store row still drives ProcessRetryQueue.
		e.logger.Error().Err(err).Str("invoice_id", inv.ID).Msg("failed to queue retry trigger")
	}

	failures := lo.CountBy(attempts, func(a retry.Attempt) bool {
		return a.Status == retry.AttemptFailed && !retry.IsConfigurationError(a.ErrorCode)
	})
	if _, err := mutateSubscription(ctx, e.subscriptions, subID, func(sub *billing.Subscription) bool {
		sub.FailedPaymentCount = min(failures, retry.MaxAttempts)
		last := now
		sub.LastPaymentAttemptAt = &last
		sub.UpdatedAt = now
		return true
	}); err != nil {
		e.logger.Error().Err(err).Str("subscription_id", subID).Msg("failed to update failure count")
	}

	e.events.Publish(ctx, billing.EventPaymentRetryScheduled, billing.RetryScheduledEvent{
		InvoiceID:      inv.ID,
		SubscriptionID: subID,
		AttemptNumber:  n,
	})
	e.logger.Info().
		Str("invoice_id", inv.ID).
		Int("attempt", n).
		Time("scheduled_at", at).
		Msg("retry scheduled")
	return &at, false, nil
}

func (e *RetryEngine) finalFailure(ctx context.Context, inv billing.Invoice, subID string, now time.Time) error {
	if _, err := e.invoiceSvc.MarkFailed(ctx, inv.ID, "payment retries exhausted"); err != nil && !errors.Is(err, billing.ErrInvoiceAlreadyPaid) {
		return fmt.Errorf("mark invoice failed: %w", err)
	}

	var before billing.SubscriptionStatus
	sub, err := mutateSubscription(ctx, e.subscriptions, subID, func(sub *billing.Subscription) bool {
		before = sub.Status
		sub.Status = billing.SubscriptionStatusSuspended
		sub.FailedPaymentCount = retry.MaxAttempts
		last := now
		sub.LastPaymentAttemptAt = &last
		sub.UpdatedAt = now
		return true
	})
	if err != nil {
		return fmt.Errorf("suspend subscription: %w", err)
	}

	if err := e.CancelPendingRetries(ctx, inv.ID); err != nil {
		e.logger.Error().Err(err).Str("invoice_id", inv.ID).Msg("failed to cancel retries after final failure")
	}

	if err := e.history.Append(ctx, billing.HistoryEntry{
		ID:             e.ids.New(),
		SubscriptionID: sub.ID,
		Action:         billing.ActionSuspended,
		Before:         map[string]string{"status": string(before)},
		After:          map[string]string{"status": string(sub.Status), "invoice_id": inv.ID},
		Actor:          "system:retry",
		CreatedAt:      now,
	}); err != nil {
		e.logger.Error().Err(err).Str("subscription_id", sub.ID).Msg("failed to record history")
	}
	e.metrics.Transition(string(billing.ActionSuspended))

	e.events.Publish(ctx, billing.EventPaymentFinalFailure, billing.FinalFailureEvent{InvoiceID: inv.ID, Subscription: sub})
	e.events.Publish(ctx, billing.EventSubscriptionSuspended, billing.SubscriptionEvent{
		Subscription: sub,
		Action:       billing.ActionSuspended,
		Reason:       "payment retries exhausted",
	})
	e.logger.Warn().
		Str("invoice_id", inv.ID).
		Str("subscription_id", sub.ID).
		Msg("payment retries exhausted, subscription suspended")
	return nil
}

// ProcessRetryQueue attempts every due retry, one at a time.
func (e *RetryEngine) ProcessRetryQueue(ctx context.Context, limit int) (BatchResult, error) {
	result := BatchResult{Job: "process_retries"}
	if limit <= 0 {
		limit = e.config.BatchSize
	}

	due, err := e.retries.ListDue(ctx, e.clock.Now(), limit)
	if err != nil {
		return result, fmt.Errorf("list due retries: %w", err)
	}

	var limiter *rate.Limiter
	if e.config.ChargeInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(e.config.ChargeInterval), 1)
	}

	for _, r := range due {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return result, err
			}
		}
		result.Processed++

		out, err := e.AttemptPayment(ctx, r.InvoiceID)
		switch {
		case errors.Is(err, billing.ErrRetryClaimed), errors.Is(err, billing.ErrInvoiceAlreadyPaid),
			errors.Is(err, billing.ErrInvalidState), errors.Is(err, errAlreadyReported):
			result.Skipped++
		case err != nil:
			result.fail(r.InvoiceID, err)
		case out.Success:
			result.Succeeded++
		default:
			result.fail(r.InvoiceID, fmt.Errorf("attempt %d declined: %s", out.AttemptNumber, out.ErrorCode))
		}
	}

	if result.Failed > 0 {
		e.mailer.Alert(ctx, fmt.Sprintf("%d payment retries failed", result.Failed), result.Errors)
	}
	return result, nil
}

// CancelPendingRetries cancels the invoice's scheduled retries in the store
// and removes their scheduler triggers.
func (e *RetryEngine) CancelPendingRetries(ctx context.Context, invoiceID string) error {
	cancelled, err := e.retries.CancelScheduled(ctx, invoiceID, e.clock.Now())
	if err != nil {
		return fmt.Errorf("cancel retries: %w", err)
	}
	var errs []error
	for _, r := range cancelled {
		if err := e.scheduler.Cancel(ctx, retryKey(invoiceID, r.AttemptNumber)); err != nil {
			errs = append(errs, err)
		}
	}
	if len(cancelled) > 0 {
		e.logger.Info().Str("invoice_id", invoiceID).Int("count", len(cancelled)).Msg("pending retries cancelled")
	}
	return errors.Join(errs...)
}

// Subscribe cancels the retries of invoices settled outside the engine.
func (e *RetryEngine) Subscribe(bus *events.Bus) {
	bus.Subscribe(billing.EventInvoicePaid, func(ctx context.Context, ev events.Event) error {
		p, ok := ev.Payload.(billing.InvoiceEvent)
		if !ok {
			return nil
		}
		return e.CancelPendingRetries(ctx, p.Invoice.ID)
	})
}

// CancelSubscriptionRetries cancels pending retries for every invoice of the
// subscription and returns the affected invoice IDs.
func (e *RetryEngine) CancelSubscriptionRetries(ctx context.Context, subID string) ([]string, error) {
	scheduled, err := e.retries.ListScheduledBySubscription(ctx, subID)
	if err != nil {
		return nil, err
	}
	invoiceIDs := lo.Uniq(lo.Map(scheduled, func(r retry.Retry, _ int) string { return r.InvoiceID }))

	var errs []error
	for _, id := range invoiceIDs {
		if err := e.CancelPendingRetries(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return invoiceIDs, errors.Join(errs...)
}

// dropTrigger removes the trigger of a settled slot when the slot was run
// outside the scheduler.
func (e *RetryEngine) dropTrigger(ctx context.Context, invoiceID string, n int) {
	if err := e.scheduler.Cancel(ctx, retryKey(invoiceID, n)); err != nil {
		e.logger.Error().Err(err).Str("invoice_id", invoiceID).Int("attempt", n).Msg("failed to drop retry trigger")
	}
}

func (e *RetryEngine) nextScheduled(ctx context.Context, invoiceID string) (retry.Retry, error) {
	all, err := e.retries.ListByInvoice(ctx, invoiceID)
	if err != nil {
		return retry.Retry{}, err
	}
	slot, ok := lo.Find(all, func(r retry.Retry) bool { return r.Status == retry.StatusScheduled })
	if !ok {
		if lo.ContainsBy(all, func(r retry.Retry) bool { return r.Status == retry.StatusInProgress }) {
			return retry.Retry{}, billing.ErrRetryClaimed
		}
		return retry.Retry{}, billing.ErrNoScheduledRetry
	}
	return slot, nil
}

func (e *RetryEngine) charge(ctx context.Context, inv billing.Invoice, sub billing.Subscription, n int) (ports.ChargeResult, error) {
	chargeCtx, cancel := context.WithTimeout(ctx, e.config.ChargeTimeout)
	defer cancel()

	started := time.Now()
	result, err := e.charger.Charge(chargeCtx, ports.ChargeRequest{
		PaymentMethod:  sub.PaymentMethod,
		Amount:         inv.TotalAmount,
		Currency:       inv.Currency,
		IdempotencyKey: retryKey(inv.ID, n),
		Metadata: map[string]string{
			"invoice_id":      inv.ID,
			"invoice_number":  inv.Number,
			"subscription_id": sub.ID,
			"attempt":         fmt.Sprint(n),
		},
	})
	if err != nil && errors.Is(chargeCtx.Err(), context.DeadlineExceeded) {
		err = &billing.ChargeError{Code: retry.CodeTimeout, Message: "gateway did not answer in time"}
	}

	code := "ok"
	if err != nil {
		code = e.classify(err).Code
	}
	e.metrics.ObserveCharge(e.charger.Name(), code, time.Since(started))
	return result, err
}

func (e *RetryEngine) classify(err error) billing.ChargeFailure {
	if errors.Is(err, context.DeadlineExceeded) {
		return billing.ChargeFailure{Code: retry.CodeTimeout, Message: err.Error()}
	}
	return billing.AsChargeFailure(err, retry.CodeNetworkError)
}

// configFailureRecorded reports whether slot n already failed with code.
// A store error counts as not recorded.
func (e *RetryEngine) configFailureRecorded(ctx context.Context, invoiceID string, n int, code string) bool {
	prior, err := e.attempts.ListByInvoice(ctx, invoiceID)
	if err != nil {
		e.logger.Error().Err(err).Str("invoice_id", invoiceID).Msg("failed to list attempts")
		return false
	}
	return lo.ContainsBy(prior, func(a retry.Attempt) bool {
		return a.AttemptNumber == n && a.ErrorCode == code
	})
}

func (e *RetryEngine) recordConfigFailure(ctx context.Context, inv billing.Invoice, n int, now time.Time, code, message string) {
	attempt := e.newAttempt(inv, n, now)
	attempt.Status = retry.AttemptFailed
	attempt.ErrorCode = code
	attempt.ErrorMessage = message
	if err := e.attempts.Record(ctx, attempt); err != nil {
		e.logger.Error().Err(err).Str("invoice_id", inv.ID).Msg("failed to record attempt")
	}
	e.logger.Warn().
		Str("invoice_id", inv.ID).
		Int("attempt", n).
		Str("code", code).
		Msg("charge not attempted, configuration error")
}

func (e *RetryEngine) newAttempt(inv billing.Invoice, n int, now time.Time) retry.Attempt {
	return retry.Attempt{
		ID:             e.ids.New(),
		InvoiceID:      inv.ID,
		SubscriptionID: inv.SubscriptionID,
		UserID:         inv.UserID,
		AttemptNumber:  n,
		Amount:         inv.TotalAmount,
		Currency:       inv.Currency,
		Gateway:        e.charger.Name(),
		CreatedAt:      now,
	}
}
