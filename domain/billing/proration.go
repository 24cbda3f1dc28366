package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Proration is the mid-period price adjustment of a plan change.
// A positive Amount is charged, a negative Amount is credited.
type Proration struct {
	DaysRemaining int
	IntervalDays  int
	OldDailyRate  decimal.Decimal
	NewDailyRate  decimal.Decimal
	UnusedCredit  decimal.Decimal
	NewPlanCharge decimal.Decimal
	Amount        decimal.Decimal
}

// IsCharge returns true if the proration must be charged.
func (p Proration) IsCharge() bool {
	return p.Amount.IsPositive()
}

// IsCredit returns true if the proration must be credited.
func (p Proration) IsCredit() bool {
	return p.Amount.IsNegative()
}

// CalculateProration computes the adjustment for switching from oldPrice to
// newPrice at now, with the period ending at renewal. Daily rates are rounded
// to cents before they are multiplied by the whole days remaining.
func CalculateProration(oldPrice, newPrice decimal.Decimal, interval Interval, now, renewal time.Time) Proration {
	days := WholeDaysBetween(now, renewal)
	intervalDays := interval.Days()
	divisor := decimal.NewFromInt(int64(intervalDays))
	remaining := decimal.NewFromInt(int64(days))

	oldDaily := oldPrice.Div(divisor).Round(2)
	newDaily := newPrice.Div(divisor).Round(2)
	unused := oldDaily.Mul(remaining).Round(2)
	charge := newDaily.Mul(remaining).Round(2)

	return Proration{
		DaysRemaining: days,
		IntervalDays:  intervalDays,
		OldDailyRate:  oldDaily,
		NewDailyRate:  newDaily,
		UnusedCredit:  unused,
		NewPlanCharge: charge,
		Amount:        charge.Sub(unused),
	}
}
