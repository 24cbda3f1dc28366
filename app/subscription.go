package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/domain/retry"
	"github.com/artpar/billingd/ports"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ChangePlanOptions control a plan change.
type ChangePlanOptions struct {
	ApplyImmediately bool
	Prorate          bool
	SendEmail        bool
	Actor            string `validate:"max=128"`
}

// PlanChangeResult describes an applied or scheduled plan change.
type PlanChangeResult struct {
	Subscription  billing.Subscription
	OldPlan       *billing.Plan
	NewPlan       billing.Plan
	ChangeType    billing.ChangeType
	Proration     *billing.Proration
	Scheduled     bool
	EffectiveAt   time.Time
	TransactionID string
}

// PauseOptions control a pause. A zero DurationDays pauses indefinitely.
type PauseOptions struct {
	DurationDays int    `validate:"omitempty,min=1,max=365"`
	Reason       string `validate:"max=500"`
	SendEmail    bool
	Actor        string `validate:"max=128"`
}

// ResumeOptions control a resume.
type ResumeOptions struct {
	SendEmail bool
	Actor     string `validate:"max=128"`
}

// CancelOptions control a cancellation.
type CancelOptions struct {
	Immediately bool
	Reason      string `validate:"max=500"`
	SendEmail   bool
	Actor       string `validate:"max=128"`
}

// ReactivateOptions control a reactivation.
type ReactivateOptions struct {
	SendEmail bool
	Actor     string `validate:"max=128"`
}

// RetryCanceller cancels the pending payment retries of a subscription.
type RetryCanceller interface {
	CancelSubscriptionRetries(ctx context.Context, subID string) ([]string, error)
}

// SubscriptionService owns the subscription state machine.
type SubscriptionService struct {
	subscriptions ports.SubscriptionStore
	history       ports.HistoryStore
	plans         ports.PlanCatalog
	ledger        ports.Ledger
	charger       ports.PaymentCharger
	scheduler     ports.JobScheduler
	retries       RetryCanceller
	clock         ports.Clock
	ids           ports.IDGenerator
	events        Publisher
	mailer        *Mailer
	metrics       Metrics
	validate      *validator.Validate
	chargeTimeout time.Duration
	logger        zerolog.Logger
}

// NewSubscriptionService creates a new subscription service.
func NewSubscriptionService(d Deps, retries RetryCanceller) *SubscriptionService {
	return &SubscriptionService{
		subscriptions: d.Subscriptions,
		history:       d.History,
		plans:         d.Plans,
		ledger:        d.Ledger,
		charger:       d.Charger,
		scheduler:     d.Scheduler,
		retries:       retries,
		clock:         d.Clock,
		ids:           d.IDs,
		events:        d.events(),
		mailer:        d.Mailer,
		metrics:       d.metrics(),
		validate:      validator.New(),
		chargeTimeout: d.chargeTimeout(),
		logger:        d.Logger.With().Str("service", "subscriptions").Logger(),
	}
}

// ChangePlan moves the subscription to planKey now or at the next renewal.
func (s *SubscriptionService) ChangePlan(ctx context.Context, subID, planKey string, opts ChangePlanOptions) (PlanChangeResult, error) {
	if err := s.validate.Struct(opts); err != nil {
		return PlanChangeResult{}, err
	}
	sub, err := s.get(ctx, subID)
	if err != nil {
		return PlanChangeResult{}, err
	}
	if err := billing.CanChangePlan(sub); err != nil {
		return PlanChangeResult{}, err
	}
	if sub.PlanKey == planKey {
		return PlanChangeResult{}, billing.ErrSamePlan
	}

	next, err := getPlan(ctx, s.plans, planKey)
	if err != nil {
		return PlanChangeResult{}, err
	}
	var old *billing.Plan
	if sub.PlanKey != "" {
		p, err := getPlan(ctx, s.plans, sub.PlanKey)
		switch {
		case err == nil:
			old = &p
		case !errors.Is(err, billing.ErrPlanNotFound):
			return PlanChangeResult{}, err
		}
	}

	now := s.clock.Now()
	result := PlanChangeResult{
		OldPlan:    old,
		NewPlan:    next,
		ChangeType: billing.ClassifyChange(old, next),
	}
	if opts.Prorate && old != nil {
		p := billing.CalculateProration(old.Price, next.Price, sub.Interval, now, sub.NextRenewalAt)
		result.Proration = &p
	}

	if !opts.ApplyImmediately {
		return s.schedulePlanChange(ctx, sub, result, opts, now)
	}

	updated, txn, err := s.applyPlanChange(ctx, sub, next, result.Proration, actorOr(opts.Actor, "user"), now)
	if err != nil {
		return PlanChangeResult{}, err
	}
	result.Subscription = updated
	result.EffectiveAt = now
	result.TransactionID = txn

	if opts.SendEmail {
		data := MailData{PlanName: next.Name, Currency: next.Currency}
		if result.Proration != nil && !result.Proration.Amount.IsZero() {
			data.Proration = result.Proration.Amount.StringFixed(2)
		}
		s.mailer.Notify(ctx, sub.UserID, MailPlanChanged, data)
	}
	return result, nil
}

func (s *SubscriptionService) schedulePlanChange(ctx context.Context, sub billing.Subscription, result PlanChangeResult, opts ChangePlanOptions, now time.Time) (PlanChangeResult, error) {
	change := billing.ScheduledPlanChange{
		PlanKey:     result.NewPlan.Key,
		ChangeType:  result.ChangeType,
		EffectiveAt: sub.NextRenewalAt,
		Prorate:     opts.Prorate,
		SendEmail:   opts.SendEmail,
	}
	updated := sub.WithPendingPlanChange(change)
	updated.UpdatedAt = now
	if err := s.write(ctx, &updated, sub.Status); err != nil {
		return PlanChangeResult{}, storeErr(err, billing.ErrSubscriptionNotFound)
	}

	if err := s.scheduler.ScheduleAt(ctx, change.EffectiveAt, planChangeKey(sub.ID), ports.Job{
		Kind:    JobApplyPlanChange,
		Payload: map[string]string{payloadSubscription: sub.ID},
	}); err != nil {
		s.logger.Error().Err(err).Str("subscription_id", sub.ID).Msg("failed to queue plan change")
	}

	s.record(ctx, sub, updated, billing.ActionPlanChangeScheduled, result.Proration, actorOr(opts.Actor, "user"), now,
		map[string]string{"plan_key": sub.PlanKey},
		map[string]string{"plan_key": change.PlanKey, "effective_at": change.EffectiveAt.Format(time.RFC3339)})

	if opts.SendEmail {
		s.mailer.Notify(ctx, sub.UserID, MailPlanChangeScheduled, MailData{
			PlanName: result.NewPlan.Name,
			Date:     formatDate(change.EffectiveAt),
		})
	}

	result.Subscription = updated
	result.Scheduled = true
	result.EffectiveAt = change.EffectiveAt
	return result, nil
}

// applyPlanChange writes the new plan together with its proration. A charge
// happens before the write and is compensated by a ledger credit if the
// write fails. A credit happens after the write and a failed credit restores
// the previous plan.
func (s *SubscriptionService) applyPlanChange(ctx context.Context, sub billing.Subscription, next billing.Plan, proration *billing.Proration, actor string, now time.Time) (billing.Subscription, string, error) {
	var charged ports.ChargeResult
	if proration != nil && proration.IsCharge() {
		amount := proration.Amount.StringFixed(2)
		if !sub.HasPaymentMethod() {
			return billing.Subscription{}, "", &billing.ProrationChargeError{Amount: amount, Err: billing.ErrNoPaymentMethod}
		}
		chargeCtx, cancel := context.WithTimeout(ctx, s.chargeTimeout)
		defer cancel()
		var err error
		charged, err = s.charger.Charge(chargeCtx, ports.ChargeRequest{
			PaymentMethod:  sub.PaymentMethod,
			Amount:         proration.Amount,
			Currency:       sub.Currency,
			IdempotencyKey: fmt.Sprintf("proration:%s:%s:%d", sub.ID, next.Key, now.Unix()),
			Metadata: map[string]string{
				"subscription_id": sub.ID,
				"plan_key":        next.Key,
				"reason":          "proration",
			},
		})
		if err != nil && errors.Is(chargeCtx.Err(), context.DeadlineExceeded) {
			err = &billing.ChargeError{Code: retry.CodeTimeout, Message: "gateway did not answer in time"}
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("subscription_id", sub.ID).Str("amount", amount).Msg("proration charge failed")
			return billing.Subscription{}, "", &billing.ProrationChargeError{Amount: amount, Err: err}
		}
	}

	updated := sub.WithMeta(billing.MetaScheduledPlanChange, "")
	updated.PlanKey = next.Key
	updated.PointsPerInterval = next.PointsPerInterval
	updated.UpdatedAt = now

	if err := s.write(ctx, &updated, billing.SubscriptionStatusActive); err != nil {
		err = storeErr(err, billing.ErrSubscriptionNotFound)
		if proration != nil && proration.IsCharge() {
			s.compensate(ctx, sub, proration.Amount, "proration_compensation", charged.TransactionID, now)
		}
		return billing.Subscription{}, "", err
	}

	if proration != nil && proration.IsCredit() {
		err := s.ledger.Credit(ctx, ports.LedgerEntry{
			ID:        s.ids.New(),
			UserID:    sub.UserID,
			Amount:    proration.Amount.Neg(),
			Currency:  sub.Currency,
			Reason:    "proration_credit",
			Reference: sub.ID,
			CreatedAt: now,
		})
		if err != nil {
			restore := sub
			restore.Version = updated.Version
			restore.UpdatedAt = now
			if rbErr := s.write(ctx, &restore, billing.SubscriptionStatusActive); rbErr != nil {
				s.logger.Error().Err(rbErr).Str("subscription_id", sub.ID).Msg("failed to restore plan after ledger failure")
			}
			return billing.Subscription{}, "", fmt.Errorf("credit proration: %w", err)
		}
	}

	s.record(ctx, sub, updated, billing.ActionPlanChanged, proration, actor, now,
		map[string]string{"plan_key": sub.PlanKey, "points_per_interval": strconv.FormatInt(sub.PointsPerInterval, 10)},
		map[string]string{"plan_key": updated.PlanKey, "points_per_interval": strconv.FormatInt(updated.PointsPerInterval, 10)})
	s.events.Publish(ctx, billing.EventSubscriptionPlanChange, billing.SubscriptionEvent{
		Subscription: updated,
		Action:       billing.ActionPlanChanged,
		Proration:    proration,
	})
	s.logger.Info().
		Str("subscription_id", sub.ID).
		Str("from", sub.PlanKey).
		Str("to", updated.PlanKey).
		Msg("plan changed")
	return updated, charged.TransactionID, nil
}

// compensate credits back a charge whose plan write failed.
func (s *SubscriptionService) compensate(ctx context.Context, sub billing.Subscription, amount decimal.Decimal, reason, reference string, now time.Time) {
	err := s.ledger.Credit(ctx, ports.LedgerEntry{
		ID:        s.ids.New(),
		UserID:    sub.UserID,
		Amount:    amount,
		Currency:  sub.Currency,
		Reason:    reason,
		Reference: reference,
		CreatedAt: now,
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("subscription_id", sub.ID).
			Str("transaction_id", reference).
			Str("amount", amount.StringFixed(2)).
			Msg("failed to compensate proration charge, manual refund required")
		return
	}
	s.logger.Warn().
		Str("subscription_id", sub.ID).
		Str("transaction_id", reference).
		Str("amount", amount.StringFixed(2)).
		Msg("plan write failed after proration charge, amount credited")
}

// ApplyScheduledPlanChange applies the plan change stored on the subscription.
func (s *SubscriptionService) ApplyScheduledPlanChange(ctx context.Context, subID string) error {
	sub, err := s.get(ctx, subID)
	if err != nil {
		return err
	}
	change, ok := sub.PendingPlanChange()
	if !ok {
		return nil
	}
	if err := billing.CanChangePlan(sub); err != nil {
		return err
	}
	now := s.clock.Now()
	if change.EffectiveAt.After(now) {
		return billing.ErrNotDue
	}
	next, err := getPlan(ctx, s.plans, change.PlanKey)
	if err != nil {
		return err
	}

	// The period is over; nothing is left to prorate.
	if _, _, err := s.applyPlanChange(ctx, sub, next, nil, "system:scheduler", now); err != nil {
		return err
	}
	if change.SendEmail {
		s.mailer.Notify(ctx, sub.UserID, MailPlanChanged, MailData{PlanName: next.Name})
	}
	return nil
}

// Pause pauses an active subscription, optionally for a fixed number of days.
func (s *SubscriptionService) Pause(ctx context.Context, subID string, opts PauseOptions) (billing.Subscription, error) {
	if err := s.validate.Struct(opts); err != nil {
		return billing.Subscription{}, err
	}
	sub, err := s.get(ctx, subID)
	if err != nil {
		return billing.Subscription{}, err
	}
	if err := billing.CanPause(sub); err != nil {
		return billing.Subscription{}, err
	}

	now := s.clock.Now()
	pausedAt := now
	updated := sub
	updated.Status = billing.SubscriptionStatusPaused
	updated.PausedAt = &pausedAt
	updated.UpdatedAt = now

	var resumeAt time.Time
	if opts.DurationDays > 0 {
		resumeAt = now.AddDate(0, 0, opts.DurationDays)
		updated = updated.
			WithMeta(billing.MetaResumeAt, resumeAt.Format(time.RFC3339)).
			WithMeta(billing.MetaPauseDurationDays, strconv.Itoa(opts.DurationDays))
	}

	if err := s.write(ctx, &updated, billing.SubscriptionStatusActive); err != nil {
		return billing.Subscription{}, storeErr(err, billing.ErrSubscriptionNotFound)
	}
	if !resumeAt.IsZero() {
		if err := s.scheduler.ScheduleAt(ctx, resumeAt, resumeKey(sub.ID), ports.Job{
			Kind:    JobResume,
			Payload: map[string]string{payloadSubscription: sub.ID},
		}); err != nil {
			s.logger.Error().Err(err).Str("subscription_id", sub.ID).Msg("failed to queue automatic resume")
		}
	}

	after := map[string]string{"status": string(updated.Status)}
	if opts.Reason != "" {
		after["reason"] = opts.Reason
	}
	if !resumeAt.IsZero() {
		after[billing.MetaResumeAt] = resumeAt.Format(time.RFC3339)
	}
	s.record(ctx, sub, updated, billing.ActionPaused, nil, actorOr(opts.Actor, "user"), now,
		map[string]string{"status": string(sub.Status)}, after)
	s.events.Publish(ctx, billing.EventSubscriptionPaused, billing.SubscriptionEvent{
		Subscription: updated,
		Action:       billing.ActionPaused,
		Reason:       opts.Reason,
	})
	if opts.SendEmail {
		data := MailData{}
		if !resumeAt.IsZero() {
			data.Date = formatDate(resumeAt)
		}
		s.mailer.Notify(ctx, sub.UserID, MailPaused, data)
	}
	return updated, nil
}

// Resume reactivates a paused subscription and pushes its renewal back by
// the whole days spent paused.
func (s *SubscriptionService) Resume(ctx context.Context, subID string, opts ResumeOptions) (billing.Subscription, error) {
	if err := s.validate.Struct(opts); err != nil {
		return billing.Subscription{}, err
	}
	sub, err := s.get(ctx, subID)
	if err != nil {
		return billing.Subscription{}, err
	}
	if err := billing.CanResume(sub); err != nil {
		return billing.Subscription{}, err
	}

	now := s.clock.Now()
	days := 0
	if sub.PausedAt != nil {
		days = billing.WholeDaysBetween(*sub.PausedAt, now)
	}

	updated := sub.WithMeta(billing.MetaResumeAt, "").WithMeta(billing.MetaPauseDurationDays, "")
	updated.Status = billing.SubscriptionStatusActive
	updated.PausedAt = nil
	updated.NextRenewalAt = sub.NextRenewalAt.AddDate(0, 0, days)
	updated.UpdatedAt = now

	if err := s.write(ctx, &updated, billing.SubscriptionStatusPaused); err != nil {
		return billing.Subscription{}, storeErr(err, billing.ErrSubscriptionNotFound)
	}
	if err := s.scheduler.Cancel(ctx, resumeKey(sub.ID)); err != nil {
		s.logger.Error().Err(err).Str("subscription_id", sub.ID).Msg("failed to cancel automatic resume")
	}

	s.record(ctx, sub, updated, billing.ActionResumed, nil, actorOr(opts.Actor, "user"), now,
		map[string]string{"status": string(sub.Status), "next_renewal_at": sub.NextRenewalAt.Format(time.RFC3339)},
		map[string]string{"status": string(updated.Status), "next_renewal_at": updated.NextRenewalAt.Format(time.RFC3339), "paused_days": strconv.Itoa(days)})
	s.events.Publish(ctx, billing.EventSubscriptionResumed, billing.SubscriptionEvent{
		Subscription: updated,
		Action:       billing.ActionResumed,
	})
	if opts.SendEmail {
		s.mailer.Notify(ctx, sub.UserID, MailResumed, MailData{Date: formatDate(updated.NextRenewalAt)})
	}
	return updated, nil
}

// Cancel cancels a subscription now or at the end of the paid period.
// Pending payment retries are always cancelled.
func (s *SubscriptionService) Cancel(ctx context.Context, subID string, opts CancelOptions) (billing.Subscription, error) {
	if err := s.validate.Struct(opts); err != nil {
		return billing.Subscription{}, err
	}
	sub, err := s.get(ctx, subID)
	if err != nil {
		return billing.Subscription{}, err
	}
	if err := billing.CanCancel(sub); err != nil {
		return billing.Subscription{}, err
	}

	now := s.clock.Now()
	cancelledAt := now
	updated := sub.WithMeta(billing.MetaCancellationReason, opts.Reason)
	updated.CancelledAt = &cancelledAt
	updated.UpdatedAt = now
	var expires time.Time
	if opts.Immediately {
		updated.Status = billing.SubscriptionStatusCancelled
		expires = now
	} else {
		updated.Status = billing.SubscriptionStatusCancelling
		expires = sub.NextRenewalAt
	}
	updated.ExpiresAt = &expires

	if err := s.write(ctx, &updated, sub.Status); err != nil {
		return billing.Subscription{}, storeErr(err, billing.ErrSubscriptionNotFound)
	}

	if !opts.Immediately {
		if err := s.scheduler.ScheduleAt(ctx, expires, finalizeCancelKey(sub.ID), ports.Job{
			Kind:    JobFinalizeCancel,
			Payload: map[string]string{payloadSubscription: sub.ID},
		}); err != nil {
			s.logger.Error().Err(err).Str("subscription_id", sub.ID).Msg("failed to queue cancellation finalizer")
		}
	} else if err := s.scheduler.Cancel(ctx, finalizeCancelKey(sub.ID)); err != nil {
		s.logger.Error().Err(err).Str("subscription_id", sub.ID).Msg("failed to drop cancellation finalizer")
	}
	for _, key := range []string{resumeKey(sub.ID), planChangeKey(sub.ID)} {
		if err := s.scheduler.Cancel(ctx, key); err != nil {
			s.logger.Error().Err(err).Str("key", key).Msg("failed to cancel scheduled job")
		}
	}
	if s.retries != nil {
		if invoices, err := s.retries.CancelSubscriptionRetries(ctx, sub.ID); err != nil {
			s.logger.Error().Err(err).Str("subscription_id", sub.ID).Msg("failed to cancel pending retries")
		} else if len(invoices) > 0 {
			s.logger.Info().Str("subscription_id", sub.ID).Strs("invoices", invoices).Msg("pending retries cancelled")
		}
	}

	s.record(ctx, sub, updated, billing.ActionCancelled, nil, actorOr(opts.Actor, "user"), now,
		map[string]string{"status": string(sub.Status)},
		map[string]string{"status": string(updated.Status), "expires_at": expires.Format(time.RFC3339), "reason": opts.Reason})
	s.events.Publish(ctx, billing.EventSubscriptionCancelled, billing.SubscriptionEvent{
		Subscription: updated,
		Action:       billing.ActionCancelled,
		Reason:       opts.Reason,
	})
	if opts.SendEmail {
		s.mailer.Notify(ctx, sub.UserID, MailCancelled, MailData{Date: formatDate(expires), Reason: opts.Reason})
	}
	return updated, nil
}

// FinalizeCancellation ends the grace period of a cancelling subscription.
func (s *SubscriptionService) FinalizeCancellation(ctx context.Context, subID string) error {
	sub, err := s.get(ctx, subID)
	if err != nil {
		return err
	}
	if sub.Status != billing.SubscriptionStatusCancelling {
		return &billing.StateError{Op: "finalize cancellation of", Status: sub.Status}
	}
	now := s.clock.Now()
	if sub.ExpiresAt != nil && sub.ExpiresAt.After(now) {
		return billing.ErrNotDue
	}

	updated := sub
	updated.Status = billing.SubscriptionStatusCancelled
	updated.UpdatedAt = now
	if err := s.write(ctx, &updated, billing.SubscriptionStatusCancelling); err != nil {
		return storeErr(err, billing.ErrSubscriptionNotFound)
	}

	s.record(ctx, sub, updated, billing.ActionCancellationFinalized, nil, "system:scheduler", now,
		map[string]string{"status": string(sub.Status)},
		map[string]string{"status": string(updated.Status)})
	return nil
}

// Reactivate returns a cancelled, cancelling or suspended subscription to
// active with a fresh billing period.
func (s *SubscriptionService) Reactivate(ctx context.Context, subID string, opts ReactivateOptions) (billing.Subscription, error) {
	if err := s.validate.Struct(opts); err != nil {
		return billing.Subscription{}, err
	}
	sub, err := s.get(ctx, subID)
	if err != nil {
		return billing.Subscription{}, err
	}
	if err := billing.CanReactivate(sub); err != nil {
		return billing.Subscription{}, err
	}

	now := s.clock.Now()
	updated := sub.WithMeta(billing.MetaCancellationReason, "")
	updated.Status = billing.SubscriptionStatusActive
	updated.NextRenewalAt = sub.Interval.AddTo(now)
	updated.CancelledAt = nil
	updated.ExpiresAt = nil
	updated.FailedPaymentCount = 0
	updated.DunningLevel = 0
	updated.UpdatedAt = now

	if err := s.write(ctx, &updated, sub.Status); err != nil {
		return billing.Subscription{}, storeErr(err, billing.ErrSubscriptionNotFound)
	}
	if err := s.scheduler.Cancel(ctx, finalizeCancelKey(sub.ID)); err != nil {
		s.logger.Error().Err(err).Str("subscription_id", sub.ID).Msg("failed to cancel cancellation finalizer")
	}

	s.record(ctx, sub, updated, billing.ActionReactivated, nil, actorOr(opts.Actor, "user"), now,
		map[string]string{"status": string(sub.Status), "dunning_level": strconv.Itoa(sub.DunningLevel)},
		map[string]string{"status": string(updated.Status), "next_renewal_at": updated.NextRenewalAt.Format(time.RFC3339)})
	s.events.Publish(ctx, billing.EventSubscriptionReactivate, billing.SubscriptionEvent{
		Subscription: updated,
		Action:       billing.ActionReactivated,
	})
	if opts.SendEmail {
		s.mailer.Notify(ctx, sub.UserID, MailReactivated, MailData{Date: formatDate(updated.NextRenewalAt)})
	}
	return updated, nil
}

// write stores sub conditionally on expected and advances sub.Version to
// the stored version.
func (s *SubscriptionService) write(ctx context.Context, sub *billing.Subscription, expected billing.SubscriptionStatus) error {
	if err := s.subscriptions.Update(ctx, *sub, expected); err != nil {
		return err
	}
	sub.Version++
	return nil
}

// History returns the subscription's transitions, oldest first.
func (s *SubscriptionService) History(ctx context.Context, subID string) ([]billing.HistoryEntry, error) {
	return s.history.ListBySubscription(ctx, subID)
}

// Get retrieves a subscription.
func (s *SubscriptionService) Get(ctx context.Context, subID string) (billing.Subscription, error) {
	return s.get(ctx, subID)
}

func (s *SubscriptionService) get(ctx context.Context, subID string) (billing.Subscription, error) {
	sub, err := s.subscriptions.Get(ctx, subID)
	if err != nil {
		return billing.Subscription{}, storeErr(err, billing.ErrSubscriptionNotFound)
	}
	return sub, nil
}

// record appends a history entry. A history failure does not undo the transition.
func (s *SubscriptionService) record(ctx context.Context, before, after billing.Subscription, action billing.HistoryAction, proration *billing.Proration, actor string, now time.Time, beforeFields, afterFields map[string]string) {
	entry := billing.HistoryEntry{
		ID:             s.ids.New(),
		SubscriptionID: before.ID,
		Action:         action,
		Before:         beforeFields,
		After:          afterFields,
		Proration:      proration,
		Actor:          actor,
		CreatedAt:      now,
	}
	if err := s.history.Append(ctx, entry); err != nil {
		s.logger.Error().Err(err).
			Str("subscription_id", before.ID).
			Str("action", string(action)).
			Msg("failed to record history")
	}
	s.metrics.Transition(string(action))
	s.logger.Info().
		Str("subscription_id", after.ID).
		Str("action", string(action)).
		Str("status", string(after.Status)).
		Str("actor", actor).
		Msg("subscription transition")
}

func actorOr(actor, fallback string) string {
	if actor == "" {
		return fallback
	}
	return actor
}
