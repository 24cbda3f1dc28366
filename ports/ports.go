// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/domain/dunning"
	"github.com/artpar/billingd/domain/retry"
	"github.com/artpar/billingd/domain/usage"
	"github.com/shopspring/decimal"
)

// Store errors shared by every store implementation.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique constraint is violated.
	ErrDuplicate = errors.New("already exists")
	// ErrConflict is returned when a conditional update finds an unexpected status.
	ErrConflict = errors.New("status conflict")
	// ErrInvalidSignature is returned when a webhook fails verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// Random abstracts randomness for testability.
type Random interface {
	// Bytes generates n random bytes.
	Bytes(n int) ([]byte, error)
	// String generates a random string of n characters.
	String(n int) (string, error)
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// SubscriptionFilter selects subscriptions in List.
type SubscriptionFilter struct {
	Statuses          []billing.SubscriptionStatus
	UserID            string
	RenewalBefore     *time.Time
	RenewalAfter      *time.Time
	ExpiresBefore     *time.Time
	MinFailedPayments int
	MaxDunningLevel   *int   // exclusive
	MetadataKey       string // metadata carries this key
	Limit             int
	Offset            int
}

// SubscriptionStore persists subscriptions.
type SubscriptionStore interface {
	// Get retrieves a subscription by ID.
	Get(ctx context.Context, id string) (billing.Subscription, error)

	// GetActiveByUser returns the user's active subscription.
	GetActiveByUser(ctx context.Context, userID string) (billing.Subscription, error)

	// Create stores a new subscription.
	Create(ctx context.Context, sub billing.Subscription) error

	// Update writes sub. When expected is non-empty the write only applies
	// if the stored status equals expected and the stored version equals
	// sub.Version; otherwise ErrConflict. A successful write stores
	// sub.Version+1.
	Update(ctx context.Context, sub billing.Subscription, expected billing.SubscriptionStatus) error

	// List returns subscriptions matching the filter ordered by next renewal.
	List(ctx context.Context, filter SubscriptionFilter) ([]billing.Subscription, error)
}

// InvoiceFilter selects invoices in List.
type InvoiceFilter struct {
	SubscriptionID string
	Statuses       []billing.InvoiceStatus
	DueBefore      *time.Time
	PeriodEndFrom  *time.Time
	Limit          int
	Offset         int
}

// InvoiceStore persists invoices.
type InvoiceStore interface {
	// Get retrieves an invoice by ID.
	Get(ctx context.Context, id string) (billing.Invoice, error)

	// Create stores a new invoice. Returns ErrDuplicate on a number collision.
	Create(ctx context.Context, inv billing.Invoice) error

	// Update writes inv conditionally on its current status (any of expected).
	Update(ctx context.Context, inv billing.Invoice, expected ...billing.InvoiceStatus) error

	// List returns invoices matching the filter ordered by due date ascending.
	List(ctx context.Context, filter InvoiceFilter) ([]billing.Invoice, error)
}

// RetryStore persists scheduled retry slots.
type RetryStore interface {
	// Create stores a new retry. Returns ErrDuplicate if the attempt number exists.
	Create(ctx context.Context, r retry.Retry) error

	// Get retrieves a retry by ID.
	Get(ctx context.Context, id string) (retry.Retry, error)

	// ListDue returns scheduled retries due at now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]retry.Retry, error)

	// ListByInvoice returns the invoice's retries ordered by attempt number.
	ListByInvoice(ctx context.Context, invoiceID string) ([]retry.Retry, error)

	// ListScheduledBySubscription returns scheduled retries of a subscription.
	ListScheduledBySubscription(ctx context.Context, subscriptionID string) ([]retry.Retry, error)

	// Transition atomically moves a retry from one status to another.
	// Returns false without error if the retry was not in status from.
	Transition(ctx context.Context, id string, from, to retry.Status, at time.Time) (bool, error)

	// CancelScheduled moves every scheduled retry of the invoice to cancelled.
	CancelScheduled(ctx context.Context, invoiceID string, at time.Time) ([]retry.Retry, error)
}

// AttemptStore appends charge attempt records.
type AttemptStore interface {
	// Record appends an attempt.
	Record(ctx context.Context, a retry.Attempt) error

	// ListByInvoice returns attempts in creation order.
	ListByInvoice(ctx context.Context, invoiceID string) ([]retry.Attempt, error)
}

// DunningStore persists sent dunning emails.
type DunningStore interface {
	// Record stores a sent email. Returns ErrDuplicate if (invoice, level) exists.
	Record(ctx context.Context, e dunning.Email) error

	// Delete removes a record, used when the send is abandoned before delivery.
	Delete(ctx context.Context, id string) error

	// ListByInvoice returns sent emails ordered by level.
	ListByInvoice(ctx context.Context, invoiceID string) ([]dunning.Email, error)
}

// UsageStore persists usage records.
type UsageStore interface {
	// Record appends a usage record.
	Record(ctx context.Context, r usage.Record) error

	// ListByPeriod returns the subscription's records recorded in [start, end).
	ListByPeriod(ctx context.Context, subscriptionID string, start, end time.Time) ([]usage.Record, error)
}

// HistoryStore appends subscription history.
type HistoryStore interface {
	// Append stores an entry.
	Append(ctx context.Context, e billing.HistoryEntry) error

	// ListBySubscription returns entries oldest first.
	ListBySubscription(ctx context.Context, subscriptionID string) ([]billing.HistoryEntry, error)
}

// ExpiryWarningStore tracks sent renewal warnings.
type ExpiryWarningStore interface {
	// MarkSent claims the (subscription, renewal, days) flag.
	// Returns ErrDuplicate if it was already claimed.
	MarkSent(ctx context.Context, subscriptionID string, renewalAt time.Time, daysBefore int, at time.Time) error
}

// User is a billing contact.
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}

// UserStore resolves billing contacts.
type UserStore interface {
	// Get retrieves a user by ID.
	Get(ctx context.Context, id string) (User, error)

	// Create stores a new user.
	Create(ctx context.Context, u User) error
}

// PlanStore persists the plan catalog.
type PlanStore interface {
	// Get retrieves a plan by key.
	Get(ctx context.Context, key string) (billing.Plan, error)

	// List returns all plans.
	List(ctx context.Context) ([]billing.Plan, error)

	// Upsert creates or replaces a plan.
	Upsert(ctx context.Context, p billing.Plan) error
}

// PlanCatalog resolves plans for services.
type PlanCatalog interface {
	Get(ctx context.Context, key string) (billing.Plan, error)
}

// LedgerEntry is a wallet credit.
type LedgerEntry struct {
	ID        string
	UserID    string
	Amount    decimal.Decimal
	Currency  string
	Reason    string
	Reference string
	CreatedAt time.Time
}

// Ledger receives wallet credits (proration refunds and compensations).
type Ledger interface {
	Credit(ctx context.Context, e LedgerEntry) error
}

// -----------------------------------------------------------------------------
// External Service Ports
// -----------------------------------------------------------------------------

// ChargeRequest is a charge against a stored payment method.
type ChargeRequest struct {
	PaymentMethod  string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

// ChargeResult is a successful charge.
type ChargeResult struct {
	TransactionID string
	Gateway       string
	Response      string
}

// PaymentCharger charges stored payment methods.
// Failures are returned as *billing.ChargeError.
type PaymentCharger interface {
	// Name returns the gateway name.
	Name() string

	// Charge attempts the charge.
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// PaymentEventKind classifies a gateway notification.
type PaymentEventKind string

const (
	PaymentEventSucceeded PaymentEventKind = "payment.succeeded"
	PaymentEventFailed    PaymentEventKind = "payment.failed"
)

// PaymentEvent is a verified gateway notification about an invoice charge.
// Kind is empty for notifications billingd does not act on.
type PaymentEvent struct {
	ID            string
	Type          string
	Kind          PaymentEventKind
	InvoiceID     string
	Gateway       string
	TransactionID string
	PaymentMethod string
	Failure       billing.ChargeFailure
	// Internal marks charges made by the retry engine itself, whose
	// outcome was recorded when the charge returned.
	Internal bool
}

// PaymentEventParser verifies and decodes gateway webhooks.
// Signature failures wrap ErrInvalidSignature.
type PaymentEventParser interface {
	ParseEvent(payload []byte, signature string) (PaymentEvent, error)
}

// Priority of an outgoing message.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Message is an outgoing notification.
type Message struct {
	To       string
	ToName   string
	Subject  string
	Body     string
	Priority Priority
}

// Notifier delivers messages.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// Job is a deferred unit of work.
type Job struct {
	Kind    string            `json:"kind"`
	Payload map[string]string `json:"payload"`
}

// ScheduledJob is a job popped from the scheduler.
type ScheduledJob struct {
	Key   string
	RunAt time.Time
	Job   Job
}

// JobScheduler runs keyed jobs at a point in time.
type JobScheduler interface {
	// ScheduleAt queues job under key, replacing any job with the same key.
	ScheduleAt(ctx context.Context, at time.Time, key string, job Job) error

	// Cancel removes the job with key. Missing keys are not an error.
	Cancel(ctx context.Context, key string) error

	// Due removes and returns up to limit jobs due at now. A job is returned
	// to exactly one caller. On error the jobs already removed are returned
	// alongside it.
	Due(ctx context.Context, now time.Time, limit int) ([]ScheduledJob, error)
}

// TaxResolver resolves a tax rate (fraction, 0.2 = 20%).
type TaxResolver interface {
	Rate(ctx context.Context, userID, currency string) (decimal.Decimal, error)
}

// DocumentGenerator renders and stores invoice documents.
type DocumentGenerator interface {
	// Generate returns the stored document path.
	Generate(ctx context.Context, inv billing.Invoice, user User) (string, error)
}

// EventForwarder ships domain events to an external broker.
type EventForwarder interface {
	Forward(ctx context.Context, name string, payload any) error
	Close() error
}
