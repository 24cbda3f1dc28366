package billing

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidState         = errors.New("invalid subscription state")
	ErrAlreadyCancelled     = errors.New("subscription already cancelled")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrInvoiceNotFound      = errors.New("invoice not found")
	ErrPlanNotFound         = errors.New("plan not found")
	ErrInvoiceAlreadyPaid   = errors.New("invoice already paid")
	ErrNoPaymentMethod      = errors.New("no payment method on file")
	ErrNoActiveSubscription = errors.New("no active subscription")
	ErrConcurrentUpdate     = errors.New("concurrent update")
	ErrRetryClaimed         = errors.New("retry already claimed")
	ErrSamePlan             = errors.New("subscription already on plan")
	ErrInvoiceNotPayable    = errors.New("invoice is not payable")
	ErrNoScheduledRetry     = errors.New("no scheduled retry for invoice")
	ErrNotDue               = errors.New("not yet due")
)

// StateError reports a transition requested from a status that does not allow it.
type StateError struct {
	Op     string
	Status SubscriptionStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s subscription in status %q", e.Op, e.Status)
}

// Is matches ErrInvalidState.
func (e *StateError) Is(target error) bool {
	return target == ErrInvalidState
}

// ChargeError is a typed gateway failure.
type ChargeError struct {
	Code            string
	Message         string
	GatewayResponse string
}

func (e *ChargeError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// ChargeFailure describes a failed charge reported to the retry engine.
type ChargeFailure struct {
	Code            string
	Message         string
	GatewayResponse string
}

// AsChargeFailure converts any error into a ChargeFailure, using fallbackCode
// when err is not a ChargeError.
func AsChargeFailure(err error, fallbackCode string) ChargeFailure {
	var ce *ChargeError
	if errors.As(err, &ce) {
		return ChargeFailure{Code: ce.Code, Message: ce.Message, GatewayResponse: ce.GatewayResponse}
	}
	return ChargeFailure{Code: fallbackCode, Message: err.Error()}
}

// ProrationChargeError is returned when the proration charge for an
// immediate plan change fails. The plan is left unchanged.
type ProrationChargeError struct {
	Amount string
	Err    error
}

func (e *ProrationChargeError) Error() string {
	return fmt.Sprintf("proration charge of %s failed: %v", e.Amount, e.Err)
}

func (e *ProrationChargeError) Unwrap() error {
	return e.Err
}
