package billing

import "github.com/shopspring/decimal"

// Allowance is the usage included in a plan for one usage type.
type Allowance struct {
	Included     decimal.Decimal
	PerUnitPrice decimal.Decimal
	Unit         string
}

// Plan is a purchasable recurring plan (value type).
type Plan struct {
	Key               string
	Name              string
	Price             decimal.Decimal
	Currency          string
	Interval          Interval
	PointsPerInterval int64
	Usage             map[string]Allowance
}

// ChangeType classifies a plan change.
type ChangeType string

const (
	ChangeUpgrade   ChangeType = "upgrade"
	ChangeDowngrade ChangeType = "downgrade"
	ChangeSameTier  ChangeType = "same_tier"
)

// ClassifyChange compares the plan prices. A missing old plan is an upgrade.
func ClassifyChange(old *Plan, next Plan) ChangeType {
	if old == nil {
		return ChangeUpgrade
	}
	switch next.Price.Cmp(old.Price) {
	case 1:
		return ChangeUpgrade
	case -1:
		return ChangeDowngrade
	}
	return ChangeSameTier
}
