package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/artpar/billingd/domain/retry"
	"github.com/artpar/billingd/ports"
)

// RetryStore implements ports.RetryStore.
type RetryStore struct {
	db *DB
}

// NewRetryStore creates a new retry store.
func NewRetryStore(db *DB) *RetryStore {
	return &RetryStore{db: db}
}

const retryColumns = `
	id, invoice_id, subscription_id, user_id, attempt_number, scheduled_at,
	status, created_at, updated_at`

// Create stores a new retry slot.
func (s *RetryStore) Create(ctx context.Context, r retry.Retry) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}

	_, err := s.db.exec(ctx, `
		INSERT INTO payment_retries (`+retryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.InvoiceID, r.SubscriptionID, r.UserID, r.AttemptNumber, utc(r.ScheduledAt),
		string(r.Status), utc(r.CreatedAt), utc(r.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return ports.ErrDuplicate
	}
	return err
}

// Get retrieves a retry by ID.
func (s *RetryStore) Get(ctx context.Context, id string) (retry.Retry, error) {
	row := s.db.queryRow(ctx, `SELECT `+retryColumns+` FROM payment_retries WHERE id = ?`, id)
	return scanRetry(row)
}

// ListDue returns scheduled retries due at now, oldest first.
func (s *RetryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]retry.Retry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.list(ctx, `
		SELECT `+retryColumns+` FROM payment_retries
		WHERE status = ? AND scheduled_at <= ?
		ORDER BY scheduled_at ASC, attempt_number ASC
		LIMIT ?
	`, string(retry.StatusScheduled), utc(now), limit)
}

// ListByInvoice returns the invoice's retries ordered by attempt number.
func (s *RetryStore) ListByInvoice(ctx context.Context, invoiceID string) ([]retry.Retry, error) {
	return s.list(ctx, `
		SELECT `+retryColumns+` FROM payment_retries
		WHERE invoice_id = ?
		ORDER BY attempt_number ASC
	`, invoiceID)
}

// ListScheduledBySubscription returns scheduled retries of a subscription.
func (s *RetryStore) ListScheduledBySubscription(ctx context.Context, subscriptionID string) ([]retry.Retry, error) {
	return s.list(ctx, `
		SELECT `+retryColumns+` FROM payment_retries
		WHERE subscription_id = ? AND status = ?
		ORDER BY scheduled_at ASC
	`, subscriptionID, string(retry.StatusScheduled))
}

// Transition atomically moves a retry between statuses.
// The conditional update is the claim: only one caller observes a row change.
func (s *RetryStore) Transition(ctx context.Context, id string, from, to retry.Status, at time.Time) (bool, error) {
	result, err := s.db.exec(ctx, `
		UPDATE payment_retries SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), utc(at), id, string(from))
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// CancelScheduled moves every scheduled retry of the invoice to cancelled
// and returns the rows it cancelled.
func (s *RetryStore) CancelScheduled(ctx context.Context, invoiceID string, at time.Time) ([]retry.Retry, error) {
	scheduled, err := s.list(ctx, `
		SELECT `+retryColumns+` FROM payment_retries
		WHERE invoice_id = ? AND status = ?
	`, invoiceID, string(retry.StatusScheduled))
	if err != nil {
		return nil, err
	}

	var cancelled []retry.Retry
	for _, r := range scheduled {
		ok, err := s.Transition(ctx, r.ID, retry.StatusScheduled, retry.StatusCancelled, at)
		if err != nil {
			return cancelled, err
		}
		if ok {
			r.Status = retry.StatusCancelled
			r.UpdatedAt = at
			cancelled = append(cancelled, r)
		}
	}
	return cancelled, nil
}

func (s *RetryStore) list(ctx context.Context, query string, args ...any) ([]retry.Retry, error) {
	rows, err := s.db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var retries []retry.Retry
	for rows.Next() {
		r, err := scanRetry(rows)
		if err != nil {
			return nil, err
		}
		retries = append(retries, r)
	}
	return retries, rows.Err()
}

func scanRetry(row scanner) (retry.Retry, error) {
	var r retry.Retry
	var status string
	err := row.Scan(
		&r.ID, &r.InvoiceID, &r.SubscriptionID, &r.UserID, &r.AttemptNumber, &r.ScheduledAt,
		&status, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return retry.Retry{}, ports.ErrNotFound
	}
	if err != nil {
		return retry.Retry{}, err
	}
	r.Status = retry.Status(status)
	r.ScheduledAt = r.ScheduledAt.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

// Ensure interface compliance.
var _ ports.RetryStore = (*RetryStore)(nil)

// AttemptStore implements ports.AttemptStore.
type AttemptStore struct {
	db *DB
}

// NewAttemptStore creates a new attempt store.
func NewAttemptStore(db *DB) *AttemptStore {
	return &AttemptStore{db: db}
}

// Record appends an attempt.
func (s *AttemptStore) Record(ctx context.Context, a retry.Attempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.exec(ctx, `
		INSERT INTO payment_attempts (
			id, invoice_id, subscription_id, user_id, attempt_number, amount, currency,
			status, error_code, error_message, gateway_response, transaction_id, gateway, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID, a.InvoiceID, a.SubscriptionID, a.UserID, a.AttemptNumber, a.Amount, a.Currency,
		string(a.Status), nullString(a.ErrorCode), nullString(a.ErrorMessage), nullString(a.GatewayResponse),
		nullString(a.TransactionID), nullString(a.Gateway), utc(a.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return ports.ErrDuplicate
	}
	return err
}

// ListByInvoice returns attempts in creation order.
func (s *AttemptStore) ListByInvoice(ctx context.Context, invoiceID string) ([]retry.Attempt, error) {
	rows, err := s.db.query(ctx, `
		SELECT id, invoice_id, subscription_id, user_id, attempt_number, amount, currency,
		       status, error_code, error_message, gateway_response, transaction_id, gateway, created_at
		FROM payment_attempts
		WHERE invoice_id = ?
		ORDER BY created_at ASC, attempt_number ASC
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []retry.Attempt
	for rows.Next() {
		var a retry.Attempt
		var status string
		var code, msg, resp, txID, gateway sql.NullString
		if err := rows.Scan(
			&a.ID, &a.InvoiceID, &a.SubscriptionID, &a.UserID, &a.AttemptNumber, &a.Amount, &a.Currency,
			&status, &code, &msg, &resp, &txID, &gateway, &a.CreatedAt,
		); err != nil {
			return nil, err
		}
		a.Status = retry.AttemptStatus(status)
		a.ErrorCode = code.String
		a.ErrorMessage = msg.String
		a.GatewayResponse = resp.String
		a.TransactionID = txID.String
		a.Gateway = gateway.String
		a.CreatedAt = a.CreatedAt.UTC()
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// Ensure interface compliance.
var _ ports.AttemptStore = (*AttemptStore)(nil)
