package billing

// Event names published on the billing bus.
const (
	EventPaymentFailed          = "payment.failed"
	EventPaymentRetryScheduled  = "payment.retry_scheduled"
	EventPaymentFinalFailure    = "payment.final_failure"
	EventPaymentRetrySuccess    = "payment.retry_success"
	EventInvoiceCreated         = "invoice.created"
	EventInvoicePaid            = "invoice.paid"
	EventInvoiceFailed          = "invoice.failed"
	EventSubscriptionPlanChange = "subscription.plan_changed"
	EventSubscriptionPaused     = "subscription.paused"
	EventSubscriptionResumed    = "subscription.resumed"
	EventSubscriptionCancelled  = "subscription.cancelled"
	EventSubscriptionReactivate = "subscription.reactivated"
	EventSubscriptionSuspended  = "subscription.suspended"
	EventSubscriptionOverdue    = "subscription.overdue"
)

// PaymentFailedEvent is published for every recorded failed charge.
type PaymentFailedEvent struct {
	InvoiceID      string        `json:"invoice_id"`
	SubscriptionID string        `json:"subscription_id"`
	AttemptNumber  int           `json:"attempt_number"`
	Failure        ChargeFailure `json:"failure"`
	FirstFailure   bool          `json:"first_failure"`
}

// RetryScheduledEvent is published when a retry slot is created.
type RetryScheduledEvent struct {
	InvoiceID      string `json:"invoice_id"`
	SubscriptionID string `json:"subscription_id"`
	AttemptNumber  int    `json:"attempt_number"`
}

// FinalFailureEvent is published when all retries are exhausted.
type FinalFailureEvent struct {
	InvoiceID    string       `json:"invoice_id"`
	Subscription Subscription `json:"subscription"`
}

// RetrySuccessEvent is published when a retry settles the invoice.
type RetrySuccessEvent struct {
	InvoiceID      string `json:"invoice_id"`
	SubscriptionID string `json:"subscription_id"`
	AttemptNumber  int    `json:"attempt_number"`
}

// InvoiceEvent is published for invoice lifecycle changes.
type InvoiceEvent struct {
	Invoice Invoice     `json:"invoice"`
	Payment PaymentData `json:"payment,omitempty"`
}

// SubscriptionEvent is published for subscription transitions.
type SubscriptionEvent struct {
	Subscription Subscription  `json:"subscription"`
	Action       HistoryAction `json:"action"`
	Proration    *Proration    `json:"proration,omitempty"`
	Reason       string        `json:"reason,omitempty"`
}
