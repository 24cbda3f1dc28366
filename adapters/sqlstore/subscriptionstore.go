package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/ports"
)

// SubscriptionStore implements ports.SubscriptionStore.
type SubscriptionStore struct {
	db *DB
}

// NewSubscriptionStore creates a new subscription store.
func NewSubscriptionStore(db *DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

const subscriptionColumns = `
	id, user_id, plan_key, billing_interval, points_per_interval, status,
	next_renewal_at, paused_at, cancelled_at, expires_at,
	failed_payment_count, dunning_level, last_payment_attempt_at,
	payment_method, currency, metadata, created_at, updated_at, version`

// Get retrieves a subscription by ID.
func (s *SubscriptionStore) Get(ctx context.Context, id string) (billing.Subscription, error) {
	row := s.db.queryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
	return scanSubscription(row)
}

// GetActiveByUser retrieves the active subscription for a user.
func (s *SubscriptionStore) GetActiveByUser(ctx context.Context, userID string) (billing.Subscription, error) {
	row := s.db.queryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE user_id = ? AND status = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, string(billing.SubscriptionStatusActive))
	return scanSubscription(row)
}

// Create stores a new subscription.
func (s *SubscriptionStore) Create(ctx context.Context, sub billing.Subscription) error {
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = now
	}

	_, err := s.db.exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sub.ID, sub.UserID, sub.PlanKey, string(sub.Interval), sub.PointsPerInterval, string(sub.Status),
		utc(sub.NextRenewalAt), nullTime(sub.PausedAt), nullTime(sub.CancelledAt), nullTime(sub.ExpiresAt),
		sub.FailedPaymentCount, sub.DunningLevel, nullTime(sub.LastPaymentAttemptAt),
		nullString(sub.PaymentMethod), sub.Currency, encodeMap(sub.Metadata),
		utc(sub.CreatedAt), utc(sub.UpdatedAt), sub.Version,
	)
	if isUniqueConstraintError(err) {
		return ports.ErrDuplicate
	}
	return err
}

// Update modifies a subscription, conditionally on its stored status and
// version.
func (s *SubscriptionStore) Update(ctx context.Context, sub billing.Subscription, expected billing.SubscriptionStatus) error {
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = time.Now().UTC()
	}

	query := `
		UPDATE subscriptions
		SET plan_key = ?, billing_interval = ?, points_per_interval = ?, status = ?,
		    next_renewal_at = ?, paused_at = ?, cancelled_at = ?, expires_at = ?,
		    failed_payment_count = ?, dunning_level = ?, last_payment_attempt_at = ?,
		    payment_method = ?, currency = ?, metadata = ?, updated_at = ?,
		    version = version + 1
		WHERE id = ?`
	args := []any{
		sub.PlanKey, string(sub.Interval), sub.PointsPerInterval, string(sub.Status),
		utc(sub.NextRenewalAt), nullTime(sub.PausedAt), nullTime(sub.CancelledAt), nullTime(sub.ExpiresAt),
		sub.FailedPaymentCount, sub.DunningLevel, nullTime(sub.LastPaymentAttemptAt),
		nullString(sub.PaymentMethod), sub.Currency, encodeMap(sub.Metadata), utc(sub.UpdatedAt),
		sub.ID,
	}
	if expected != "" {
		query += ` AND status = ? AND version = ?`
		args = append(args, string(expected), sub.Version)
	}

	result, err := s.db.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if err := expectRow(result); err != nil {
		if errors.Is(err, ports.ErrNotFound) && expected != "" {
			if _, getErr := s.Get(ctx, sub.ID); getErr == nil {
				return ports.ErrConflict
			}
		}
		return err
	}
	return nil
}

// List returns subscriptions matching the filter ordered by next renewal.
func (s *SubscriptionStore) List(ctx context.Context, f ports.SubscriptionFilter) ([]billing.Subscription, error) {
	var where []string
	var args []any

	if len(f.Statuses) > 0 {
		clause, statusArgs := inClause(f.Statuses)
		where = append(where, "status IN "+clause)
		args = append(args, statusArgs...)
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.RenewalBefore != nil {
		where = append(where, "next_renewal_at < ?")
		args = append(args, utc(*f.RenewalBefore))
	}
	if f.RenewalAfter != nil {
		where = append(where, "next_renewal_at > ?")
		args = append(args, utc(*f.RenewalAfter))
	}
	if f.ExpiresBefore != nil {
		where = append(where, "expires_at IS NOT NULL AND expires_at <= ?")
		args = append(args, utc(*f.ExpiresBefore))
	}
	if f.MinFailedPayments > 0 {
		where = append(where, "failed_payment_count >= ?")
		args = append(args, f.MinFailedPayments)
	}
	if f.MaxDunningLevel != nil {
		where = append(where, "dunning_level < ?")
		args = append(args, *f.MaxDunningLevel)
	}
	if f.MetadataKey != "" {
		// metadata is a JSON object; callers re-check the decoded map.
		where = append(where, "metadata LIKE ?")
		args = append(args, `%"`+f.MetadataKey+`":%`)
	}

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY next_renewal_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []billing.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (billing.Subscription, error) {
	var sub billing.Subscription
	var interval, status, metadata string
	var pausedAt, cancelledAt, expiresAt, lastAttempt sql.NullTime
	var paymentMethod sql.NullString

	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.PlanKey, &interval, &sub.PointsPerInterval, &status,
		&sub.NextRenewalAt, &pausedAt, &cancelledAt, &expiresAt,
		&sub.FailedPaymentCount, &sub.DunningLevel, &lastAttempt,
		&paymentMethod, &sub.Currency, &metadata, &sub.CreatedAt, &sub.UpdatedAt, &sub.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Subscription{}, ports.ErrNotFound
	}
	if err != nil {
		return billing.Subscription{}, err
	}

	sub.Interval = billing.Interval(interval)
	sub.Status = billing.SubscriptionStatus(status)
	sub.NextRenewalAt = sub.NextRenewalAt.UTC()
	sub.PausedAt = timePtr(pausedAt)
	sub.CancelledAt = timePtr(cancelledAt)
	sub.ExpiresAt = timePtr(expiresAt)
	sub.LastPaymentAttemptAt = timePtr(lastAttempt)
	sub.PaymentMethod = paymentMethod.String
	sub.Metadata = decodeMap(metadata)
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return sub, nil
}

// Ensure interface compliance.
var _ ports.SubscriptionStore = (*SubscriptionStore)(nil)
