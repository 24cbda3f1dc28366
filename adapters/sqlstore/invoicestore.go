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

// InvoiceStore implements ports.InvoiceStore.
type InvoiceStore struct {
	db *DB
}

// NewInvoiceStore creates a new invoice store.
func NewInvoiceStore(db *DB) *InvoiceStore {
	return &InvoiceStore{db: db}
}

const invoiceColumns = `
	id, subscription_id, user_id, invoice_number, amount, tax_amount, total_amount,
	currency, status, billing_period_start, billing_period_end, due_date, paid_at,
	payment_method, gateway, transaction_id, pdf_path, notes, error_message,
	created_at, updated_at`

// Get retrieves an invoice by ID.
func (s *InvoiceStore) Get(ctx context.Context, id string) (billing.Invoice, error) {
	row := s.db.queryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	return scanInvoice(row)
}

// Create stores a new invoice.
func (s *InvoiceStore) Create(ctx context.Context, inv billing.Invoice) error {
	now := time.Now().UTC()
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = now
	}
	if inv.UpdatedAt.IsZero() {
		inv.UpdatedAt = inv.CreatedAt
	}

	_, err := s.db.exec(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inv.ID, inv.SubscriptionID, inv.UserID, inv.Number, inv.Amount, inv.TaxAmount, inv.TotalAmount,
		inv.Currency, string(inv.Status), utc(inv.PeriodStart), utc(inv.PeriodEnd), utc(inv.DueDate), nullTime(inv.PaidAt),
		nullString(inv.PaymentMethod), nullString(inv.Gateway), nullString(inv.TransactionID),
		nullString(inv.PDFPath), nullString(inv.Notes), nullString(inv.ErrorMessage),
		utc(inv.CreatedAt), utc(inv.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return ports.ErrDuplicate
	}
	return err
}

// Update modifies an invoice, conditionally on its stored status.
func (s *InvoiceStore) Update(ctx context.Context, inv billing.Invoice, expected ...billing.InvoiceStatus) error {
	if inv.UpdatedAt.IsZero() {
		inv.UpdatedAt = time.Now().UTC()
	}

	query := `
		UPDATE invoices
		SET amount = ?, tax_amount = ?, total_amount = ?, currency = ?, status = ?,
		    due_date = ?, paid_at = ?, payment_method = ?, gateway = ?, transaction_id = ?,
		    pdf_path = ?, notes = ?, error_message = ?, updated_at = ?
		WHERE id = ?`
	args := []any{
		inv.Amount, inv.TaxAmount, inv.TotalAmount, inv.Currency, string(inv.Status),
		utc(inv.DueDate), nullTime(inv.PaidAt), nullString(inv.PaymentMethod),
		nullString(inv.Gateway), nullString(inv.TransactionID),
		nullString(inv.PDFPath), nullString(inv.Notes), nullString(inv.ErrorMessage),
		utc(inv.UpdatedAt), inv.ID,
	}
	if len(expected) > 0 {
		clause, statusArgs := inClause(expected)
		query += ` AND status IN ` + clause
		args = append(args, statusArgs...)
	}

	result, err := s.db.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if err := expectRow(result); err != nil {
		if errors.Is(err, ports.ErrNotFound) && len(expected) > 0 {
			if _, getErr := s.Get(ctx, inv.ID); getErr == nil {
				return ports.ErrConflict
			}
		}
		return err
	}
	return nil
}

// List returns invoices matching the filter ordered by due date ascending.
func (s *InvoiceStore) List(ctx context.Context, f ports.InvoiceFilter) ([]billing.Invoice, error) {
	var where []string
	var args []any

	if f.SubscriptionID != "" {
		where = append(where, "subscription_id = ?")
		args = append(args, f.SubscriptionID)
	}
	if len(f.Statuses) > 0 {
		clause, statusArgs := inClause(f.Statuses)
		where = append(where, "status IN "+clause)
		args = append(args, statusArgs...)
	}
	if f.DueBefore != nil {
		where = append(where, "due_date <= ?")
		args = append(args, utc(*f.DueBefore))
	}
	if f.PeriodEndFrom != nil {
		where = append(where, "billing_period_end >= ?")
		args = append(args, utc(*f.PeriodEndFrom))
	}

	query := `SELECT ` + invoiceColumns + ` FROM invoices`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY due_date ASC, created_at ASC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func scanInvoice(row scanner) (billing.Invoice, error) {
	var inv billing.Invoice
	var status string
	var paidAt sql.NullTime
	var paymentMethod, gateway, transactionID, pdfPath, notes, errMsg sql.NullString

	err := row.Scan(
		&inv.ID, &inv.SubscriptionID, &inv.UserID, &inv.Number, &inv.Amount, &inv.TaxAmount, &inv.TotalAmount,
		&inv.Currency, &status, &inv.PeriodStart, &inv.PeriodEnd, &inv.DueDate, &paidAt,
		&paymentMethod, &gateway, &transactionID, &pdfPath, &notes, &errMsg,
		&inv.CreatedAt, &inv.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Invoice{}, ports.ErrNotFound
	}
	if err != nil {
		return billing.Invoice{}, err
	}

	inv.Status = billing.InvoiceStatus(status)
	inv.PeriodStart = inv.PeriodStart.UTC()
	inv.PeriodEnd = inv.PeriodEnd.UTC()
	inv.DueDate = inv.DueDate.UTC()
	inv.PaidAt = timePtr(paidAt)
	inv.PaymentMethod = paymentMethod.String
	inv.Gateway = gateway.String
	inv.TransactionID = transactionID.String
	inv.PDFPath = pdfPath.String
	inv.Notes = notes.String
	inv.ErrorMessage = errMsg.String
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.UpdatedAt = inv.UpdatedAt.UTC()
	return inv, nil
}

// Ensure interface compliance.
var _ ports.InvoiceStore = (*InvoiceStore)(nil)
