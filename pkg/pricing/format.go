package pricing

import (
	"strings"

	"github.com/shopspring/decimal"
)

var currencySymbols = map[string]string{
	"EUR": "€",
	"USD": "$",
}

// Format renders amount for display: rounded to two digits and prefixed with the
// currency symbol. Unknown currencies fall back to a trailing ISO code.
func Format(amount decimal.Decimal, currency string) string {
	code := strings.ToUpper(strings.TrimSpace(currency))
	fixed := Round(amount).StringFixed(displayPlaces)
	symbol, ok := currencySymbols[code]
	if !ok {
		if code == "" {
			return fixed
		}
		return fixed + " " + code
	}
	if strings.HasPrefix(fixed, "-") {
		return "-" + symbol + strings.TrimPrefix(fixed, "-")
	}
	return symbol + fixed
}

// Breakdown is the display-ready set of annual pricing figures.
type Breakdown struct {
	Monthly           string `json:"monthly"`
	Annual            string `json:"annual"`
	MonthlyEquivalent string `json:"monthlyEquivalent"`
	Savings           string `json:"savings"`
	DiscountPercent   string `json:"discountPercent"`
}

// Describe computes every figure at full precision and formats them once.
func Describe(monthlyPrice, discountPercent decimal.Decimal, currency string) Breakdown {
	annual := AnnualPrice(monthlyPrice, discountPercent)
	return Breakdown{
		Monthly:           Format(monthlyPrice, currency),
		Annual:            Format(annual, currency),
		MonthlyEquivalent: Format(MonthlyEquivalent(annual), currency),
		Savings:           Format(AnnualSavings(monthlyPrice, discountPercent), currency),
		DiscountPercent:   discountPercent.String(),
	}
}
