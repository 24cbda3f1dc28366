// Package tax provides TaxResolver implementations. Tax tables are sourced
// outside billingd; these resolvers cover the zero and single-rate cases.
package tax

import (
	"context"
	"strings"

	"github.com/artpar/billingd/ports"
	"github.com/shopspring/decimal"
)

// Zero always resolves a zero rate.
type Zero struct{}

// Rate returns zero.
func (Zero) Rate(ctx context.Context, userID, currency string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

// Config holds flat-rate settings. Rates are fractions (0.2 = 20%).
type Config struct {
	Rate       decimal.Decimal            `yaml:"rate"`
	ByCurrency map[string]decimal.Decimal `yaml:"by_currency"`
}

// Flat resolves a configured rate, optionally per currency.
type Flat struct {
	rate       decimal.Decimal
	byCurrency map[string]decimal.Decimal
}

// NewFlat creates a flat-rate resolver.
func NewFlat(cfg Config) *Flat {
	by := make(map[string]decimal.Decimal, len(cfg.ByCurrency))
	for cur, r := range cfg.ByCurrency {
		by[strings.ToUpper(cur)] = r
	}
	return &Flat{rate: cfg.Rate, byCurrency: by}
}

// Rate returns the currency override or the default rate.
func (f *Flat) Rate(ctx context.Context, userID, currency string) (decimal.Decimal, error) {
	if r, ok := f.byCurrency[strings.ToUpper(currency)]; ok {
		return r, nil
	}
	return f.rate, nil
}

// New returns Zero when no rate is configured.
func New(cfg Config) ports.TaxResolver {
	if cfg.Rate.IsZero() && len(cfg.ByCurrency) == 0 {
		return Zero{}
	}
	return NewFlat(cfg)
}

// Ensure interface compliance.
var (
	_ ports.TaxResolver = Zero{}
	_ ports.TaxResolver = (*Flat)(nil)
)
