package app_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/artpar/billingd/app"
	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/domain/retry"
	"github.com/artpar/billingd/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scheduledAt(t *testing.T, h *harness, invoiceID string) map[int]time.Time {
	t.Helper()
	slots, err := h.retries.ListByInvoice(h.ctx, invoiceID)
	require.NoError(t, err)
	out := make(map[int]time.Time, len(slots))
	for _, s := range slots {
		out[s.AttemptNumber] = s.ScheduledAt
	}
	return out
}

func TestRetrySchedule_OneFourSevenDays(t *testing.T) {
	h := newHarness(t)
	h.subscription("sub-1", "user-1")
	inv := h.invoice("sub-1")

	h.failRenewal(inv.ID)
	assert.Equal(t, map[int]time.Time{1: day(1)}, scheduledAt(t, h, inv.ID))
	assert.Equal(t, 1, h.getSub("sub-1").FailedPaymentCount)

	h.charger.FailNext(2, retry.CodeCardDeclined)

	h.clock.Set(day(1))
	out, err := h.retrySvc.AttemptPayment(h.ctx, inv.ID)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, 1, out.AttemptNumber)
	require.NotNil(t, out.NextRetryAt)
	assert.Equal(t, day(4), *out.NextRetryAt)

	h.clock.Set(day(4))
	out, err = h.retrySvc.AttemptPayment(h.ctx, inv.ID)
	require.NoError(t, err)
	require.NotNil(t, out.NextRetryAt)
	assert.Equal(t, day(7), *out.NextRetryAt)

	assert.Equal(t, map[int]time.Time{1: day(1), 2: day(4), 3: day(7)}, scheduledAt(t, h, inv.ID))
	assert.Equal(t, 3, h.getSub("sub-1").FailedPaymentCount)

	// Dunning levels 2 and 3 are anchored to the first failure.
	l2, ok := h.sched.Pending("dunning:" + inv.ID + ":2")
	require.True(t, ok)
	assert.Equal(t, day(3), l2.RunAt)
	l3, ok := h.sched.Pending("dunning:" + inv.ID + ":3")
	require.True(t, ok)
	assert.Equal(t, day(7), l3.RunAt)
}

func TestRetry_ExhaustionSuspends(t *testing.T) {
	h := newHarness(t)
	h.subscription("sub-1", "user-1")
	inv := h.invoice("sub-1")

	h.failRenewal(inv.ID)
	h.charger.FailNext(3, retry.CodeCardDeclined)
	for _, d := range []int{1, 4, 7} {
		h.clock.Set(day(d))
		_, err := h.retrySvc.AttemptPayment(h.ctx, inv.ID)
		require.NoError(t, err)
	}

	sub := h.getSub("sub-1")
	assert.Equal(t, billing.SubscriptionStatusSuspended, sub.Status)
	assert.Equal(t, 3, sub.FailedPaymentCount)
	assert.Equal(t, 4, sub.DunningLevel)

	got := h.getInvoice(inv.ID)
	assert.Equal(t, billing.InvoiceStatusFailed, got.Status)
	assert.Equal(t, "payment retries exhausted", got.ErrorMessage)

	attempts, err := h.attempts.ListByInvoice(h.ctx, inv.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 4)
	assert.Equal(t, 3, retry.FailedEngineAttempts(attempts))

	sent, err := h.dunning.ListByInvoice(h.ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, sent, 2)
	assert.Equal(t, 1, sent[0].Level)
	assert.Equal(t, 4, sent[1].Level)

	due, err := h.retries.ListDue(h.ctx, day(30), 0)
	require.NoError(t, err)
	assert.Empty(t, due)
	assert.Zero(t, h.sched.Len())

	assert.Len(t, h.mail.FindBySubject("Payment failed for invoice "+inv.Number), 1)
	suspended := h.mail.FindBySubject("Your subscription has been suspended")
	require.Len(t, suspended, 1)
	assert.Equal(t, "alice@example.com", suspended[0].To)

	assert.Equal(t, []billing.HistoryAction{billing.ActionSuspended}, h.actions("sub-1"))

	_, err = h.retrySvc.AttemptPayment(h.ctx, inv.ID)
	assert.ErrorIs(t, err, billing.ErrNoScheduledRetry)
}

func TestRetry_SuccessOnSecondAttempt(t *testing.T) {
	h := newHarness(t)
	h.subscription("sub-1", "user-1")
	inv := h.invoice("sub-1")

	h.failRenewal(inv.ID)
	h.charger.FailNext(1, retry.CodeCardDeclined)

	h.clock.Set(day(1))
	_, err := h.retrySvc.AttemptPayment(h.ctx, inv.ID)
	require.NoError(t, err)
	_, ok := h.sched.Pending("dunning:" + inv.ID + ":2")
	require.True(t, ok)

	h.clock.Set(day(4))
	out, err := h.retrySvc.AttemptPayment(h.ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, 2, out.AttemptNumber)
	assert.Equal(t, "dummy_txn_2", out.TransactionID)

	got := h.getInvoice(inv.ID)
	assert.Equal(t, billing.InvoiceStatusPaid, got.Status)
	assert.Equal(t, "dummy_txn_2", got.TransactionID)
	require.NotNil(t, got.PaidAt)
	assert.Equal(t, day(4), *got.PaidAt)

	sub := h.getSub("sub-1")
	assert.Equal(t, billing.SubscriptionStatusActive, sub.Status)
	assert.Zero(t, sub.FailedPaymentCount)
	assert.Zero(t, sub.DunningLevel)

	slots, err := h.retries.ListByInvoice(h.ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, retry.StatusFailed, slots[0].Status)
	assert.Equal(t, retry.StatusSuccess, slots[1].Status)
	assert.Zero(t, h.sched.Len())

	_, err = h.retrySvc.AttemptPayment(h.ctx, inv.ID)
	assert.ErrorIs(t, err, billing.ErrInvoiceAlreadyPaid)
}

func TestRetry_MissingPaymentMethodKeepsSlot(t *testing.T) {
	h := newHarness(t)
	h.subscription("sub-1", "user-1", func(s *billing.Subscription) { s.PaymentMethod = "" })
	inv := h.invoice("sub-1")
	h.failRenewal(inv.ID)

	h.clock.Set(day(1))
	out, err := h.retrySvc.AttemptPayment(h.ctx, inv.ID)
	assert.ErrorIs(t, err, billing.ErrNoPaymentMethod)
	assert.Equal(t, retry.CodeNoPaymentMethod, out.ErrorCode)
	assert.Empty(t, h.charger.Calls())

	slots, err := h.retries.ListByInvoice(h.ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, retry.StatusScheduled, slots[0].Status)

	attempts, err := h.attempts.ListByInvoice(h.ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, retry.CodeNoPaymentMethod, attempts[1].ErrorCode)
	assert.Zero(t, retry.FailedEngineAttempts(attempts))
}

func TestProcessRetryQueue_MissingPaymentMethodAlertsOnce(t *testing.T) {
	h := newHarness(t, withOperator("ops@example.com"))
	h.subscription("sub-1", "user-1", func(s *billing.Subscription) { s.PaymentMethod = "" })
	inv := h.invoice("sub-1")
	h.failRenewal(inv.ID)

	h.clock.Set(day(1))
	result, err := h.retrySvc.ProcessRetryQueue(h.ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Len(t, h.mail.FindByTo("ops@example.com"), 1)

	for hour := 1; hour <= 3; hour++ {
		h.clock.Set(day(1).Add(time.Duration(hour) * time.Hour))
		result, err = h.retrySvc.ProcessRetryQueue(h.ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Processed)
		assert.Equal(t, 1, result.Skipped)
		assert.Zero(t, result.Failed)
	}
	assert.Len(t, h.mail.FindByTo("ops@example.com"), 1)

	attempts, err := h.attempts.ListByInvoice(h.ctx, inv.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 2)

	// A manual attempt still reports the missing method.
	_, err = h.retrySvc.AttemptPayment(h.ctx, inv.ID)
	assert.ErrorIs(t, err, billing.ErrNoPaymentMethod)
}

func TestRetry_ConfigurationErrorReleasesSlot(t *testing.T) {
	h := newHarness(t)
	h.subscription("sub-1", "user-1")
	inv := h.invoice("sub-1")
	h.failRenewal(inv.ID)
	h.charger.FailNext(1, retry.CodeAuthFailed)

	h.clock.Set(day(1))
	_, err := h.retrySvc.AttemptPayment(h.ctx, inv.ID)
	var ce *billing.ChargeError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, retry.CodeAuthFailed, ce.Code)

	slots, err := h.retries.ListByInvoice(h.ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, retry.StatusScheduled, slots[0].Status)
	assert.Equal(t, 1, h.getSub("sub-1").FailedPaymentCount)

	// The gateway is fixed; the same slot succeeds.
	out, err := h.retrySvc.AttemptPayment(h.ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, 1, out.AttemptNumber)
}

func TestRetry_GatewayTimeoutConsumesSlot(t *testing.T) {
	h := newHarness(t, withRetryConfig(app.RetryConfig{ChargeTimeout: 20 * time.Millisecond}))
	h.subscription("sub-1", "user-1")
	inv := h.invoice("sub-1")
	h.failRenewal(inv.ID)
	h.charger.WithDelay(time.Second)

	h.clock.Set(day(1))
	out, err := h.retrySvc.AttemptPayment(h.ctx, inv.ID)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, retry.CodeTimeout, out.ErrorCode)
	require.NotNil(t, out.NextRetryAt)
	assert.Equal(t, day(4), *out.NextRetryAt)
}

func TestRetry_CancelledSubscriptionStopsRetries(t *testing.T) {
	h := newHarness(t)
	h.subscription("sub-1", "user-1")
	inv := h.invoice("sub-1")
	h.failRenewal(inv.ID)

	sub := h.getSub("sub-1")
	sub.Status = billing.SubscriptionStatusCancelled
	require.NoError(t, h.subs.Update(h.ctx, sub, billing.SubscriptionStatusActive))

	h.clock.Set(day(1))
	_, err := h.retrySvc.AttemptPayment(h.ctx, inv.ID)
	assert.ErrorIs(t, err, billing.ErrInvalidState)
	assert.Empty(t, h.charger.Calls())

	slots, err := h.retries.ListByInvoice(h.ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, retry.StatusCancelled, slots[0].Status)
	_, ok := h.sched.Pending("retry:" + inv.ID + ":1")
	assert.False(t, ok)
}

func TestRetry_ConcurrentAttemptsChargeOnce(t *testing.T) {
	h := newHarness(t)
	h.subscription("sub-1", "user-1")
	inv := h.invoice("sub-1")
	h.failRenewal(inv.ID)
	h.charger.WithDelay(50 * time.Millisecond)
	h.clock.Set(day(1))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.retrySvc.AttemptPayment(h.ctx, inv.ID)
		}(i)
	}
	wg.Wait()

	assert.Len(t, h.charger.Calls(), 1)
	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, billing.ErrRetryClaimed), errors.Is(err, billing.ErrInvoiceAlreadyPaid),
			errors.Is(err, billing.ErrNoScheduledRetry):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, billing.InvoiceStatusPaid, h.getInvoice(inv.ID).Status)
}

func TestProcessRetryQueue_ReportsAndAlerts(t *testing.T) {
	h := newHarness(t, withOperator("ops@example.com"))
	h.subscription("sub-1", "user-1")
	h.subscription("sub-2", "user-2", func(s *billing.Subscription) { s.NextRenewalAt = day(11) })
	first := h.invoice("sub-1")
	second := h.invoice("sub-2")
	h.failRenewal(first.ID)
	h.failRenewal(second.ID)

	h.clock.Set(day(1))
	result, err := h.cron.ProcessRetries(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, app.CronProcessRetries, result.Job)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 2, result.Succeeded)
	assert.Empty(t, h.mail.FindByTo("ops@example.com"))

	third := h.invoice("sub-1")
	h.failRenewal(third.ID)
	h.charger.FailNext(1, retry.CodeCardDeclined)
	h.clock.Set(day(2))
	result, err = h.retrySvc.ProcessRetryQueue(h.ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], third.ID)

	alerts := h.mail.FindByTo("ops@example.com")
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].Subject, "1 payment retries failed")
}

func TestRetry_NotYetDueIsNotProcessed(t *testing.T) {
	h := newHarness(t)
	h.subscription("sub-1", "user-1")
	inv := h.invoice("sub-1")
	h.failRenewal(inv.ID)

	h.clock.Set(day(1).Add(-time.Minute))
	result, err := h.retrySvc.ProcessRetryQueue(h.ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, result.Processed)
	assert.Empty(t, h.charger.Calls())
}

func TestHandlePaymentFailure_PaidInvoice(t *testing.T) {
	h := newHarness(t)
	h.subscription("sub-1", "user-1")
	inv := h.invoice("sub-1")
	_, err := h.invoiceSvc.MarkPaid(h.ctx, inv.ID, billing.PaymentData{TransactionID: "txn_1"})
	require.NoError(t, err)

	err = h.retrySvc.HandlePaymentFailure(h.ctx, inv.ID, billing.ChargeFailure{Code: retry.CodeCardDeclined})
	assert.ErrorIs(t, err, billing.ErrInvoiceAlreadyPaid)
	assert.Empty(t, scheduledAt(t, h, inv.ID))
}

// interleavedStore runs write once, right before the next armed Update.
type interleavedStore struct {
	ports.SubscriptionStore
	armed atomic.Bool
	write func()
}

func (s *interleavedStore) Update(ctx context.Context, sub billing.Subscription, expected billing.SubscriptionStatus) error {
	if s.armed.CompareAndSwap(true, false) {
		s.write()
	}
	return s.SubscriptionStore.Update(ctx, sub, expected)
}

func TestRetry_ConcurrentDunningRaiseIsKept(t *testing.T) {
	var store *interleavedStore
	h := newHarness(t, withSubscriptionStore(func(inner ports.SubscriptionStore) ports.SubscriptionStore {
		store = &interleavedStore{SubscriptionStore: inner}
		store.write = func() {
			sub, err := inner.Get(context.Background(), "sub-1")
			require.NoError(t, err)
			sub.DunningLevel = 3
			require.NoError(t, inner.Update(context.Background(), sub, sub.Status))
		}
		return store
	}))
	h.subscription("sub-1", "user-1")
	inv := h.invoice("sub-1")

	store.armed.Store(true)
	h.failRenewal(inv.ID)

	sub := h.getSub("sub-1")
	assert.Equal(t, 3, sub.DunningLevel, "concurrent dunning raise was overwritten")
	assert.Equal(t, 1, sub.FailedPaymentCount)
	assert.False(t, store.armed.Load())
}
