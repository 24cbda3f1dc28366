package sqlstore

import (
	"context"
	"time"

	"github.com/artpar/billingd/domain/dunning"
	"github.com/artpar/billingd/ports"
)

// DunningStore implements ports.DunningStore.
type DunningStore struct {
	db *DB
}

// NewDunningStore creates a new dunning store.
func NewDunningStore(db *DB) *DunningStore {
	return &DunningStore{db: db}
}

// Record stores a sent email. The (invoice_id, dunning_level) unique key
// makes concurrent sends of the same level collide here.
func (s *DunningStore) Record(ctx context.Context, e dunning.Email) error {
	if e.SentAt.IsZero() {
		e.SentAt = time.Now().UTC()
	}
	_, err := s.db.exec(ctx, `
		INSERT INTO dunning_emails (id, subscription_id, invoice_id, user_id, dunning_level, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.SubscriptionID, e.InvoiceID, e.UserID, e.Level, utc(e.SentAt))
	if isUniqueConstraintError(err) {
		return ports.ErrDuplicate
	}
	return err
}

// Delete removes a record.
func (s *DunningStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.exec(ctx, `DELETE FROM dunning_emails WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(result)
}

// ListByInvoice returns sent emails ordered by level.
func (s *DunningStore) ListByInvoice(ctx context.Context, invoiceID string) ([]dunning.Email, error) {
	rows, err := s.db.query(ctx, `
		SELECT id, subscription_id, invoice_id, user_id, dunning_level, sent_at
		FROM dunning_emails
		WHERE invoice_id = ?
		ORDER BY dunning_level ASC
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var emails []dunning.Email
	for rows.Next() {
		var e dunning.Email
		if err := rows.Scan(&e.ID, &e.SubscriptionID, &e.InvoiceID, &e.UserID, &e.Level, &e.SentAt); err != nil {
			return nil, err
		}
		e.SentAt = e.SentAt.UTC()
		emails = append(emails, e)
	}
	return emails, rows.Err()
}

// Ensure interface compliance.
var _ ports.DunningStore = (*DunningStore)(nil)

// ExpiryWarningStore implements ports.ExpiryWarningStore.
type ExpiryWarningStore struct {
	db *DB
}

// NewExpiryWarningStore creates a new expiry warning store.
func NewExpiryWarningStore(db *DB) *ExpiryWarningStore {
	return &ExpiryWarningStore{db: db}
}

// MarkSent claims the sent flag for one warning threshold.
func (s *ExpiryWarningStore) MarkSent(ctx context.Context, subscriptionID string, renewalAt time.Time, daysBefore int, at time.Time) error {
	_, err := s.db.exec(ctx, `
		INSERT INTO expiry_warnings (subscription_id, renewal_at, days_before, sent_at)
		VALUES (?, ?, ?, ?)
	`, subscriptionID, utc(renewalAt), daysBefore, utc(at))
	if isUniqueConstraintError(err) {
		return ports.ErrDuplicate
	}
	return err
}

// Ensure interface compliance.
var _ ports.ExpiryWarningStore = (*ExpiryWarningStore)(nil)
