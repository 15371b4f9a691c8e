// Package pricing derives annual, monthly-equivalent and savings amounts from a
// monthly list price and an annual discount percentage.
//
// All arithmetic is carried at full decimal precision. Rounding to two fractional
// digits happens only when a value is displayed (see Round and Format).
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// DefaultAnnualDiscountPercent applies when a plan carries no override.
	DefaultAnnualDiscountPercent = 20
	// MaxAdminDiscountPercent is the ceiling admin surfaces accept.
	MaxAdminDiscountPercent = 50

	monthsPerYear = 12
	displayPlaces = 2
)

var (
	twelve  = decimal.NewFromInt(monthsPerYear)
	hundred = decimal.NewFromInt(100)
)

// AnnualPrice returns monthlyPrice * 12 * (1 - discountPercent/100).
// The discount is not clamped; callers validate it with ValidateDiscount.
func AnnualPrice(monthlyPrice, discountPercent decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(1).Sub(discountPercent.Div(hundred))
	return monthlyPrice.Mul(twelve).Mul(factor)
}

// MonthlyEquivalent returns annualPrice / 12.
func MonthlyEquivalent(annualPrice decimal.Decimal) decimal.Decimal {
	return annualPrice.Div(twelve)
}

// AnnualSavings returns monthlyPrice * 12 - AnnualPrice(monthlyPrice, discountPercent).
func AnnualSavings(monthlyPrice, discountPercent decimal.Decimal) decimal.Decimal {
	return monthlyPrice.Mul(twelve).Sub(AnnualPrice(monthlyPrice, discountPercent))
}

// ValidateDiscount rejects discounts outside [0, max].
func ValidateDiscount(discountPercent decimal.Decimal, max int64) error {
	if discountPercent.IsNegative() || discountPercent.GreaterThan(decimal.NewFromInt(max)) {
		return fmt.Errorf("discount %s%% outside [0, %d]", discountPercent.String(), max)
	}
	return nil
}

// Round rounds half-up to two fractional digits.
func Round(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(displayPlaces)
}
