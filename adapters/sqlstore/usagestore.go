package sqlstore

import (
	"context"
	"time"

	"github.com/artpar/billingd/domain/usage"
	"github.com/artpar/billingd/ports"
)

// UsageStore implements ports.UsageStore.
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a new usage store.
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

// Record appends a usage record.
func (s *UsageStore) Record(ctx context.Context, r usage.Record) error {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.exec(ctx, `
		INSERT INTO usage_records (
			id, subscription_id, user_id, usage_type, amount, unit, recorded_at,
			billing_period_start, billing_period_end, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.SubscriptionID, r.UserID, r.Type, r.Amount, r.Unit, utc(r.RecordedAt),
		utc(r.PeriodStart), utc(r.PeriodEnd), encodeMap(r.Metadata),
	)
	if isUniqueConstraintError(err) {
		return ports.ErrDuplicate
	}
	return err
}

// ListByPeriod returns records of the subscription recorded in [start, end).
func (s *UsageStore) ListByPeriod(ctx context.Context, subscriptionID string, start, end time.Time) ([]usage.Record, error) {
	rows, err := s.db.query(ctx, `
		SELECT id, subscription_id, user_id, usage_type, amount, unit, recorded_at,
		       billing_period_start, billing_period_end, metadata
		FROM usage_records
		WHERE subscription_id = ? AND recorded_at >= ? AND recorded_at < ?
		ORDER BY recorded_at ASC
	`, subscriptionID, utc(start), utc(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []usage.Record
	for rows.Next() {
		var r usage.Record
		var metadata string
		if err := rows.Scan(
			&r.ID, &r.SubscriptionID, &r.UserID, &r.Type, &r.Amount, &r.Unit, &r.RecordedAt,
			&r.PeriodStart, &r.PeriodEnd, &metadata,
		); err != nil {
			return nil, err
		}
		r.RecordedAt = r.RecordedAt.UTC()
		r.PeriodStart = r.PeriodStart.UTC()
		r.PeriodEnd = r.PeriodEnd.UTC()
		r.Metadata = decodeMap(metadata)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Ensure interface compliance.
var _ ports.UsageStore = (*UsageStore)(nil)
