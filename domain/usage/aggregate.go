package usage

import (
	"sort"

	"github.com/artpar/billingd/domain/billing"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// Total is the aggregated usage of one type.
type Total struct {
	Type   string
	Unit   string
	Amount decimal.Decimal
	Count  int
}

// Summary is the usage of a subscription within a period.
type Summary struct {
	SubscriptionID string
	UserID         string
	Period         Period
	Totals         []Total
}

// TotalFor returns the total for usageType, zero if absent.
func (s Summary) TotalFor(usageType string) Total {
	for _, t := range s.Totals {
		if t.Type == usageType {
			return t
		}
	}
	return Total{Type: usageType, Amount: decimal.Zero}
}

// Aggregate groups records inside period by type.
// This is a PURE function.
func Aggregate(records []Record, period Period) Summary {
	inPeriod := lo.Filter(records, func(r Record, _ int) bool {
		return period.Contains(r.RecordedAt)
	})

	s := Summary{Period: period}
	if len(inPeriod) > 0 {
		s.SubscriptionID = inPeriod[0].SubscriptionID
		s.UserID = inPeriod[0].UserID
	}

	for typ, group := range lo.GroupBy(inPeriod, func(r Record) string { return r.Type }) {
		sum := lo.Reduce(group, func(acc decimal.Decimal, r Record, _ int) decimal.Decimal {
			return acc.Add(r.Amount)
		}, decimal.Zero)
		s.Totals = append(s.Totals, Total{
			Type:   typ,
			Unit:   group[0].Unit,
			Amount: sum,
			Count:  len(group),
		})
	}
	sort.Slice(s.Totals, func(i, j int) bool { return s.Totals[i].Type < s.Totals[j].Type })
	return s
}

// Overage is usage beyond a plan allowance.
type Overage struct {
	Type         string
	Used         decimal.Decimal
	Included     decimal.Decimal
	Excess       decimal.Decimal
	PerUnitPrice decimal.Decimal
	Charge       decimal.Decimal
}

// CalculateOverage prices usage beyond the allowance.
// This is a PURE function.
func CalculateOverage(usageType string, used decimal.Decimal, allowance billing.Allowance) Overage {
	excess := decimal.Max(decimal.Zero, used.Sub(allowance.Included))
	return Overage{
		Type:         usageType,
		Used:         used,
		Included:     allowance.Included,
		Excess:       excess,
		PerUnitPrice: allowance.PerUnitPrice,
		Charge:       excess.Mul(allowance.PerUnitPrice).Round(2),
	}
}
