package billing

import (
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus represents the state of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusPending  InvoiceStatus = "pending"
	InvoiceStatusPaid     InvoiceStatus = "paid"
	InvoiceStatusFailed   InvoiceStatus = "failed"
	InvoiceStatusVoid     InvoiceStatus = "void"
	InvoiceStatusRefunded InvoiceStatus = "refunded"
)

// Invoice represents one billing-period charge (value type).
type Invoice struct {
	ID             string
	SubscriptionID string
	UserID         string
	Number         string
	Amount         decimal.Decimal
	TaxAmount      decimal.Decimal
	TotalAmount    decimal.Decimal
	Currency       string
	Status         InvoiceStatus
	PeriodStart    time.Time
	PeriodEnd      time.Time
	DueDate        time.Time
	PaidAt         *time.Time
	PaymentMethod  string
	Gateway        string
	TransactionID  string
	PDFPath        string
	Notes          string
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsPaid returns true if the invoice has been paid.
func (i Invoice) IsPaid() bool {
	return i.Status == InvoiceStatusPaid
}

// IsPayable returns true if a charge may still settle the invoice.
func (i Invoice) IsPayable() bool {
	return i.Status == InvoiceStatusPending || i.Status == InvoiceStatusFailed
}

// DaysOverdue returns the whole days elapsed since the due date.
func (i Invoice) DaysOverdue(now time.Time) int {
	return WholeDaysBetween(i.DueDate, now)
}

// InvoiceParams are the inputs to NewInvoice.
type InvoiceParams struct {
	ID             string
	Number         string
	Subscription   Subscription
	Amount         decimal.Decimal
	TaxRate        decimal.Decimal
	Currency       string
	DueDate        *time.Time
	Notes          string
	Now            time.Time
}

// NewInvoice builds a pending renewal invoice for the period ending at the
// subscription's next renewal. Total is always Amount + Tax.
func NewInvoice(p InvoiceParams) Invoice {
	sub := p.Subscription
	end := sub.NextRenewalAt
	start := sub.Interval.SubtractFrom(end)
	tax := p.Amount.Mul(p.TaxRate).Round(2)
	due := end
	if p.DueDate != nil {
		due = *p.DueDate
	}
	currency := p.Currency
	if currency == "" {
		currency = sub.Currency
	}
	return Invoice{
		ID:             p.ID,
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		Number:         p.Number,
		Amount:         p.Amount,
		TaxAmount:      tax,
		TotalAmount:    p.Amount.Add(tax),
		Currency:       currency,
		Status:         InvoiceStatusPending,
		PeriodStart:    start,
		PeriodEnd:      end,
		DueDate:        due,
		PaymentMethod:  sub.PaymentMethod,
		Notes:          p.Notes,
		CreatedAt:      p.Now,
		UpdatedAt:      p.Now,
	}
}

var invoiceNumberPattern = regexp.MustCompile(`^INV-\d{8}-\d{5}$`)

// FormatInvoiceNumber renders INV-YYYYMMDD-XXXXX. suffix is taken modulo 100000.
func FormatInvoiceNumber(day time.Time, suffix uint32) string {
	return fmt.Sprintf("INV-%s-%05d", day.UTC().Format("20060102"), suffix%100000)
}

// ValidInvoiceNumber reports whether n has the invoice number shape.
func ValidInvoiceNumber(n string) bool {
	return invoiceNumberPattern.MatchString(n)
}

// PlaceholderDocumentPath is served when an invoice document cannot be generated.
func PlaceholderDocumentPath(number string) string {
	return "invoices/placeholder/" + number + ".pdf"
}

// PaymentData carries gateway details of a settled payment.
type PaymentData struct {
	Gateway       string
	PaymentMethod string
	TransactionID string
}
