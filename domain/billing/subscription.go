// Package billing provides subscription, plan and invoice value types and
// the pure functions that drive their state machines.
package billing

import (
	"encoding/json"
	"time"
)

// SubscriptionStatus represents subscription state.
type SubscriptionStatus string

const (
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusPaused     SubscriptionStatus = "paused"
	SubscriptionStatusCancelling SubscriptionStatus = "cancelling"
	SubscriptionStatusCancelled  SubscriptionStatus = "cancelled"
	SubscriptionStatusSuspended  SubscriptionStatus = "suspended"
	SubscriptionStatusOverdue    SubscriptionStatus = "overdue"

	// SubscriptionStatusExpired is only produced by legacy imports.
	SubscriptionStatusExpired SubscriptionStatus = "expired"
)

// Valid reports whether s is a known status.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionStatusActive, SubscriptionStatusPaused, SubscriptionStatusCancelling,
		SubscriptionStatusCancelled, SubscriptionStatusSuspended, SubscriptionStatusOverdue,
		SubscriptionStatusExpired:
		return true
	}
	return false
}

// Interval is a billing cadence.
type Interval string

const (
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// Days returns the nominal length of the interval used for proration.
func (i Interval) Days() int {
	if i == IntervalYear {
		return 365
	}
	return 30
}

// AddTo advances t by one interval.
func (i Interval) AddTo(t time.Time) time.Time {
	if i == IntervalYear {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// SubtractFrom moves t back by one interval.
func (i Interval) SubtractFrom(t time.Time) time.Time {
	if i == IntervalYear {
		return t.AddDate(-1, 0, 0)
	}
	return t.AddDate(0, -1, 0)
}

// Metadata keys stored on a subscription.
const (
	MetaResumeAt            = "resume_at"
	MetaCancellationReason  = "cancellation_reason"
	MetaScheduledPlanChange = "scheduled_plan_change"
	MetaPauseDurationDays   = "pause_duration_days"
)

// Subscription represents a user's recurring plan commitment (value type).
type Subscription struct {
	ID                   string
	UserID               string
	PlanKey              string
	Interval             Interval
	PointsPerInterval    int64
	Status               SubscriptionStatus
	NextRenewalAt        time.Time
	PausedAt             *time.Time
	CancelledAt          *time.Time
	ExpiresAt            *time.Time
	FailedPaymentCount   int
	DunningLevel         int
	LastPaymentAttemptAt *time.Time
	PaymentMethod        string // gateway reference, empty when none on file
	Currency             string
	Metadata             map[string]string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	// Version is bumped by the store on every write.
	Version int64
}

// IsActive returns true if the subscription is in the active state.
func (s Subscription) IsActive() bool {
	return s.Status == SubscriptionStatusActive
}

// HasPaymentMethod returns true if a payment method is on file.
func (s Subscription) HasPaymentMethod() bool {
	return s.PaymentMethod != ""
}

// Meta returns a metadata value.
func (s Subscription) Meta(key string) string {
	if s.Metadata == nil {
		return ""
	}
	return s.Metadata[key]
}

// WithMeta returns a copy of s with key set to value. An empty value removes the key.
func (s Subscription) WithMeta(key, value string) Subscription {
	m := make(map[string]string, len(s.Metadata)+1)
	for k, v := range s.Metadata {
		m[k] = v
	}
	if value == "" {
		delete(m, key)
	} else {
		m[key] = value
	}
	s.Metadata = m
	return s
}

// ResumeAt returns the scheduled auto-resume time, if any.
func (s Subscription) ResumeAt() *time.Time {
	raw := s.Meta(MetaResumeAt)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}

// ScheduledPlanChange is a plan change deferred to the next renewal.
type ScheduledPlanChange struct {
	PlanKey     string     `json:"plan_key"`
	ChangeType  ChangeType `json:"change_type"`
	EffectiveAt time.Time  `json:"effective_at"`
	Prorate     bool       `json:"prorate"`
	SendEmail   bool       `json:"send_email"`
}

// PendingPlanChange decodes the scheduled plan change from metadata.
func (s Subscription) PendingPlanChange() (ScheduledPlanChange, bool) {
	raw := s.Meta(MetaScheduledPlanChange)
	if raw == "" {
		return ScheduledPlanChange{}, false
	}
	var c ScheduledPlanChange
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return ScheduledPlanChange{}, false
	}
	return c, true
}

// WithPendingPlanChange stores c in metadata.
func (s Subscription) WithPendingPlanChange(c ScheduledPlanChange) Subscription {
	b, _ := json.Marshal(c)
	return s.WithMeta(MetaScheduledPlanChange, string(b))
}

// WholeDaysBetween returns the number of complete 24h days from a to b, never negative.
func WholeDaysBetween(a, b time.Time) int {
	if !b.After(a) {
		return 0
	}
	return int(b.Sub(a) / (24 * time.Hour))
}

// -----------------------------------------------------------------------------
// Transition guards
// -----------------------------------------------------------------------------

// CanChangePlan checks that a plan change is allowed.
func CanChangePlan(s Subscription) error {
	if s.Status != SubscriptionStatusActive {
		return &StateError{Op: "change_plan", Status: s.Status}
	}
	return nil
}

// CanPause checks that the subscription may be paused.
func CanPause(s Subscription) error {
	if s.Status != SubscriptionStatusActive {
		return &StateError{Op: "pause", Status: s.Status}
	}
	return nil
}

// CanResume checks that the subscription may be resumed.
func CanResume(s Subscription) error {
	if s.Status != SubscriptionStatusPaused {
		return &StateError{Op: "resume", Status: s.Status}
	}
	return nil
}

// CanCancel checks that the subscription may be cancelled.
func CanCancel(s Subscription) error {
	if s.Status == SubscriptionStatusCancelled || s.Status == SubscriptionStatusExpired {
		return ErrAlreadyCancelled
	}
	return nil
}

// CanReactivate checks that the subscription may be reactivated.
func CanReactivate(s Subscription) error {
	switch s.Status {
	case SubscriptionStatusCancelled, SubscriptionStatusSuspended, SubscriptionStatusCancelling:
		return nil
	}
	return &StateError{Op: "reactivate", Status: s.Status}
}

// -----------------------------------------------------------------------------
// History
// -----------------------------------------------------------------------------

// HistoryAction names a recorded subscription transition.
type HistoryAction string

const (
	ActionPlanChanged           HistoryAction = "plan_changed"
	ActionPlanChangeScheduled   HistoryAction = "plan_change_scheduled"
	ActionPaused                HistoryAction = "paused"
	ActionResumed               HistoryAction = "resumed"
	ActionCancelled             HistoryAction = "cancelled"
	ActionCancellationFinalized HistoryAction = "cancellation_finalized"
	ActionReactivated           HistoryAction = "reactivated"
	ActionSuspended             HistoryAction = "suspended"
	ActionMarkedOverdue         HistoryAction = "marked_overdue"
)

// HistoryEntry is an immutable record of a subscription transition.
type HistoryEntry struct {
	ID             string
	SubscriptionID string
	Action         HistoryAction
	Before         map[string]string
	After          map[string]string
	Proration      *Proration
	Actor          string
	CreatedAt      time.Time
}
