// Package retry provides the payment retry schedule and attempt records.
package retry

import (
	"time"

	"github.com/shopspring/decimal"
)

// MaxAttempts is the number of engine retries allowed per invoice.
const MaxAttempts = 3

// Day is one scheduling day.
const Day = 24 * time.Hour

// deltas[n] is the wait before retry n, measured from the failure that scheduled it.
var deltas = [MaxAttempts + 1]time.Duration{0, 1 * Day, 3 * Day, 3 * Day}

// Delta returns the wait before retry n (1..MaxAttempts).
func Delta(n int) time.Duration {
	if n < 1 || n > MaxAttempts {
		return 0
	}
	return deltas[n]
}

// ScheduleFor returns when retry n runs if the preceding failure happened at from.
func ScheduleFor(n int, from time.Time) time.Time {
	return from.Add(Delta(n))
}

// OffsetFromFirstFailure returns the cumulative offset of retry n from the first failure.
func OffsetFromFirstFailure(n int) time.Duration {
	var d time.Duration
	for i := 1; i <= n && i <= MaxAttempts; i++ {
		d += deltas[i]
	}
	return d
}

// Status is the state of a retry slot.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Retry is one scheduled retry slot for an invoice (value type).
type Retry struct {
	ID             string
	InvoiceID      string
	SubscriptionID string
	UserID         string
	AttemptNumber  int
	ScheduledAt    time.Time
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsDue returns true if the retry is scheduled at or before now.
func (r Retry) IsDue(now time.Time) bool {
	return r.Status == StatusScheduled && !r.ScheduledAt.After(now)
}

// AttemptStatus is the outcome of a charge attempt.
type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "success"
	AttemptFailed  AttemptStatus = "failed"
)

// Attempt is the append-only outcome record of a charge.
// AttemptNumber 0 is the original renewal charge reported by the gateway.
type Attempt struct {
	ID              string
	InvoiceID       string
	SubscriptionID  string
	UserID          string
	AttemptNumber   int
	Amount          decimal.Decimal
	Currency        string
	Status          AttemptStatus
	ErrorCode       string
	ErrorMessage    string
	GatewayResponse string
	TransactionID   string
	Gateway         string
	CreatedAt       time.Time
}

// ConsumesSlot reports whether the attempt counts toward MaxAttempts.
func (a Attempt) ConsumesSlot() bool {
	return a.Status == AttemptFailed && a.AttemptNumber > 0 && !IsConfigurationError(a.ErrorCode)
}

// FailedEngineAttempts counts the attempts that used a retry slot.
func FailedEngineAttempts(attempts []Attempt) int {
	n := 0
	for _, a := range attempts {
		if a.ConsumesSlot() {
			n++
		}
	}
	return n
}

// FirstFailureAt returns the time of the earliest failed attempt.
func FirstFailureAt(attempts []Attempt) (time.Time, bool) {
	var first time.Time
	found := false
	for _, a := range attempts {
		if a.Status != AttemptFailed || IsConfigurationError(a.ErrorCode) {
			continue
		}
		if !found || a.CreatedAt.Before(first) {
			first = a.CreatedAt
			found = true
		}
	}
	return first, found
}

// Exhausted reports whether no retry slot is left.
func Exhausted(failed int) bool {
	return failed >= MaxAttempts
}

// Charge error codes.
const (
	CodeCardDeclined    = "card_declined"
	CodeRateLimited     = "rate_limited"
	CodeInvalidRequest  = "invalid_request"
	CodeAuthFailed      = "auth_failed"
	CodeNetworkError    = "network_error"
	CodeTimeout         = "timeout"
	CodeNotConfigured   = "not_configured"
	CodeNoPaymentMethod = "no_payment_method"
)

// IsConfigurationError returns true for failures that waiting cannot fix.
func IsConfigurationError(code string) bool {
	switch code {
	case CodeNotConfigured, CodeNoPaymentMethod, CodeAuthFailed:
		return true
	}
	return false
}

// Outcome summarises one AttemptPayment call.
type Outcome struct {
	InvoiceID     string
	AttemptNumber int
	Success       bool
	TransactionID string
	ErrorCode     string
	NextRetryAt   *time.Time
	Exhausted     bool
}
