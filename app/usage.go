package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/domain/usage"
	"github.com/artpar/billingd/ports"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// TrackUsageInput is one metered usage event.
type TrackUsageInput struct {
	UserID   string `validate:"required"`
	Type     string `validate:"required,max=64"`
	Amount   decimal.Decimal
	Unit     string `validate:"max=32"`
	Metadata map[string]string
}

// UsageService meters usage within the current billing period.
type UsageService struct {
	subscriptions ports.SubscriptionStore
	records       ports.UsageStore
	plans         ports.PlanCatalog
	clock         ports.Clock
	ids           ports.IDGenerator
	validate      *validator.Validate
	logger        zerolog.Logger
}

// NewUsageService creates a new usage service.
func NewUsageService(d Deps) *UsageService {
	return &UsageService{
		subscriptions: d.Subscriptions,
		records:       d.Usage,
		plans:         d.Plans,
		clock:         d.Clock,
		ids:           d.IDs,
		validate:      validator.New(),
		logger:        d.Logger.With().Str("service", "usage").Logger(),
	}
}

// TrackUsage appends a usage record to the user's active subscription.
func (s *UsageService) TrackUsage(ctx context.Context, in TrackUsageInput) (usage.Record, error) {
	if err := s.validate.Struct(in); err != nil {
		return usage.Record{}, err
	}
	if in.Amount.IsNegative() {
		return usage.Record{}, fmt.Errorf("usage amount must not be negative: %s", in.Amount)
	}
	sub, err := s.activeSubscription(ctx, in.UserID)
	if err != nil {
		return usage.Record{}, err
	}

	now := s.clock.Now()
	period := usage.CurrentPeriod(sub.NextRenewalAt, sub.Interval, now)
	rec := usage.Record{
		ID:             s.ids.New(),
		SubscriptionID: sub.ID,
		UserID:         in.UserID,
		Type:           in.Type,
		Amount:         in.Amount,
		Unit:           in.Unit,
		RecordedAt:     now,
		PeriodStart:    period.Start,
		PeriodEnd:      period.End,
		Metadata:       in.Metadata,
	}
	if err := s.records.Record(ctx, rec); err != nil {
		return usage.Record{}, fmt.Errorf("record usage: %w", err)
	}
	s.logger.Debug().
		Str("subscription_id", sub.ID).
		Str("type", in.Type).
		Str("amount", in.Amount.String()).
		Msg("usage recorded")
	return rec, nil
}

// Summary aggregates the user's usage in the current period.
func (s *UsageService) Summary(ctx context.Context, userID string) (usage.Summary, error) {
	sub, err := s.activeSubscription(ctx, userID)
	if err != nil {
		return usage.Summary{}, err
	}
	period := usage.CurrentPeriod(sub.NextRenewalAt, sub.Interval, s.clock.Now())
	records, err := s.records.ListByPeriod(ctx, sub.ID, period.Start, period.End)
	if err != nil {
		return usage.Summary{}, err
	}
	summary := usage.Aggregate(records, period)
	summary.SubscriptionID = sub.ID
	summary.UserID = userID
	return summary, nil
}

// CalculateOverage prices the usage of usageType beyond the plan allowance.
func (s *UsageService) CalculateOverage(ctx context.Context, userID, usageType string) (usage.Overage, error) {
	summary, err := s.Summary(ctx, userID)
	if err != nil {
		return usage.Overage{}, err
	}
	sub, err := s.activeSubscription(ctx, userID)
	if err != nil {
		return usage.Overage{}, err
	}
	plan, err := getPlan(ctx, s.plans, sub.PlanKey)
	if err != nil {
		return usage.Overage{}, err
	}
	// A type the plan does not list has no allowance and no unit price.
	allowance := plan.Usage[usageType]
	return usage.CalculateOverage(usageType, summary.TotalFor(usageType).Amount, allowance), nil
}

func (s *UsageService) activeSubscription(ctx context.Context, userID string) (billing.Subscription, error) {
	sub, err := s.subscriptions.GetActiveByUser(ctx, userID)
	if errors.Is(err, ports.ErrNotFound) {
		return billing.Subscription{}, billing.ErrNoActiveSubscription
	}
	return sub, err
}
