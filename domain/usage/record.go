// Package usage provides metered usage records and period aggregation.
package usage

import (
	"time"

	"github.com/artpar/billingd/domain/billing"
	"github.com/shopspring/decimal"
)

// Record is one metered usage entry (value type). Records are only appended.
type Record struct {
	ID             string
	SubscriptionID string
	UserID         string
	Type           string
	Amount         decimal.Decimal
	Unit           string
	RecordedAt     time.Time
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Metadata       map[string]string
}

// Period is a billing period, [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// PeriodFor returns the current period of a subscription renewing at next.
func PeriodFor(next time.Time, interval billing.Interval) Period {
	return Period{Start: interval.SubtractFrom(next), End: next}
}

// CurrentPeriod returns the period containing now. When next is already
// past, the periods after it follow on back to back.
func CurrentPeriod(next time.Time, interval billing.Interval, now time.Time) Period {
	p := PeriodFor(next, interval)
	for !now.Before(p.End) {
		p = Period{Start: p.End, End: interval.AddTo(p.End)}
	}
	for now.Before(p.Start) {
		p = Period{Start: interval.SubtractFrom(p.Start), End: p.Start}
	}
	return p
}
