package quota

import (
	"fmt"
	"sort"
	"time"

	"github.com/rcourtman/aiquota/pkg/pricing"
	"github.com/shopspring/decimal"
)

// Plan is a catalog entry. AICallsLimit is UnlimitedCalls or a positive count.
type Plan struct {
	ID                    string                       `json:"id"`
	Tier                  Tier                         `json:"tier"`
	Name                  string                       `json:"name,omitempty"`
	AICallsLimit          int                          `json:"aiCallsLimit"`
	Pricing               map[Currency]decimal.Decimal `json:"pricing"`
	AnnualPricing         map[Currency]decimal.Decimal `json:"annualPricing,omitempty"`
	AnnualDiscountPercent *decimal.Decimal             `json:"annualDiscountPercent,omitempty"`
	StripePriceIDs        map[BillingPeriod]string     `json:"stripePriceIds,omitempty"`
	IsActive              bool                         `json:"isActive"`
}

// Unlimited reports whether the plan has no user-visible ceiling.
func (p Plan) Unlimited() bool {
	return p.AICallsLimit == UnlimitedCalls
}

// Validate checks the catalog invariants for a plan.
func (p Plan) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("plan id is required")
	}
	if p.AICallsLimit != UnlimitedCalls && p.AICallsLimit <= 0 {
		return fmt.Errorf("plan %s: aiCallsLimit must be -1 or > 0, got %d", p.ID, p.AICallsLimit)
	}
	if TierRank(p.Tier) < 0 {
		return fmt.Errorf("plan %s: unknown tier %q", p.ID, p.Tier)
	}
	for cur, price := range p.Pricing {
		if price.IsNegative() {
			return fmt.Errorf("plan %s: negative %s price", p.ID, cur)
		}
	}
	if p.AnnualDiscountPercent != nil {
		if err := pricing.ValidateDiscount(*p.AnnualDiscountPercent, 100); err != nil {
			return fmt.Errorf("plan %s: %w", p.ID, err)
		}
	}
	return nil
}

// MonthlyPrice returns the list price for currency.
func (p Plan) MonthlyPrice(currency Currency) (decimal.Decimal, bool) {
	price, ok := p.Pricing[currency]
	return price, ok
}

// AnnualPrice honours an explicit annual override, then the plan's discount,
// then defaultDiscount.
func (p Plan) AnnualPrice(currency Currency, defaultDiscount decimal.Decimal) (decimal.Decimal, bool) {
	if annual, ok := p.AnnualPricing[currency]; ok {
		return annual, true
	}
	monthly, ok := p.MonthlyPrice(currency)
	if !ok {
		return decimal.Zero, false
	}
	return pricing.AnnualPrice(monthly, p.Discount(defaultDiscount)), true
}

// PeriodAmount is the amount billed once per period.
func (p Plan) PeriodAmount(currency Currency, period BillingPeriod, defaultDiscount decimal.Decimal) (decimal.Decimal, bool) {
	if period == PeriodYearly {
		return p.AnnualPrice(currency, defaultDiscount)
	}
	return p.MonthlyPrice(currency)
}

// Discount is the annual discount percentage, falling back to defaultDiscount.
func (p Plan) Discount(defaultDiscount decimal.Decimal) decimal.Decimal {
	if p.AnnualDiscountPercent != nil {
		return *p.AnnualDiscountPercent
	}
	return defaultDiscount
}

// Catalog is the read-mostly set of trial terms and plans. Version increases on
// every admin edit.
type Catalog struct {
	Version   int64           `json:"version"`
	Trial     TrialConfig     `json:"trial"`
	Plans     map[string]Plan `json:"plans"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Validate checks trial terms and every plan.
func (c Catalog) Validate() error {
	if err := c.Trial.Validate(); err != nil {
		return err
	}
	for id, plan := range c.Plans {
		if id != plan.ID {
			return fmt.Errorf("plan key %q does not match id %q", id, plan.ID)
		}
		if err := plan.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the trial invariants.
func (t TrialConfig) Validate() error {
	if t.DurationDays <= 0 {
		return fmt.Errorf("trial durationDays must be > 0, got %d", t.DurationDays)
	}
	if t.MaxAICalls <= 0 {
		return fmt.Errorf("trial maxAiCalls must be > 0, got %d", t.MaxAICalls)
	}
	return nil
}

// PlanFor resolves the plan a subscription is billed against: by plan id first,
// then the first active plan of the same tier.
func (c Catalog) PlanFor(sub *Subscription) (Plan, bool) {
	if sub == nil {
		return Plan{}, false
	}
	if sub.PlanID != "" {
		if plan, ok := c.Plans[sub.PlanID]; ok {
			return plan, true
		}
	}
	for _, plan := range c.SortedPlans() {
		if plan.Tier == sub.Tier && plan.IsActive {
			return plan, true
		}
	}
	return Plan{}, false
}

// SortedPlans returns the plans ordered by ID.
func (c Catalog) SortedPlans() []Plan {
	plans := make([]Plan, 0, len(c.Plans))
	for _, p := range c.Plans {
		plans = append(plans, p)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].ID < plans[j].ID })
	return plans
}

// Clone returns a deep copy of the catalog.
func (c Catalog) Clone() Catalog {
	out := c
	out.Plans = make(map[string]Plan, len(c.Plans))
	for id, p := range c.Plans {
		cp := p
		cp.Pricing = cloneMoney(p.Pricing)
		cp.AnnualPricing = cloneMoney(p.AnnualPricing)
		if p.StripePriceIDs != nil {
			cp.StripePriceIDs = make(map[BillingPeriod]string, len(p.StripePriceIDs))
			for k, v := range p.StripePriceIDs {
				cp.StripePriceIDs[k] = v
			}
		}
		if p.AnnualDiscountPercent != nil {
			v := *p.AnnualDiscountPercent
			cp.AnnualDiscountPercent = &v
		}
		out.Plans[id] = cp
	}
	return out
}

func cloneMoney(in map[Currency]decimal.Decimal) map[Currency]decimal.Decimal {
	if in == nil {
		return nil
	}
	out := make(map[Currency]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// PlanByStripePrice finds the plan and period a Stripe price id belongs to.
func (c Catalog) PlanByStripePrice(priceID string) (Plan, BillingPeriod, bool) {
	if priceID == "" {
		return Plan{}, "", false
	}
	for _, p := range c.SortedPlans() {
		for period, id := range p.StripePriceIDs {
			if id == priceID {
				return p, period, true
			}
		}
	}
	return Plan{}, "", false
}

// DefaultCatalog seeds a fresh installation.
func DefaultCatalog() Catalog {
	eur := func(s string) decimal.Decimal { return decimal.RequireFromString(s) }
	return Catalog{
		Version: 1,
		Trial:   DefaultTrialConfig(),
		Plans: map[string]Plan{
			"basic": {
				ID: "basic", Tier: TierBasic, Name: "Basic", AICallsLimit: 5, IsActive: true,
				Pricing: map[Currency]decimal.Decimal{CurrencyEUR: eur("19"), CurrencyUSD: eur("21")},
			},
			"standard": {
				ID: "standard", Tier: TierStandard, Name: "Standard", AICallsLimit: 15, IsActive: true,
				Pricing: map[Currency]decimal.Decimal{CurrencyEUR: eur("49"), CurrencyUSD: eur("55")},
			},
			"pro": {
				ID: "pro", Tier: TierPro, Name: "Pro", AICallsLimit: 30, IsActive: true,
				Pricing: map[Currency]decimal.Decimal{CurrencyEUR: eur("79"), CurrencyUSD: eur("89")},
			},
			"unlimited": {
				ID: "unlimited", Tier: TierUnlimited, Name: "Unlimited", AICallsLimit: UnlimitedCalls, IsActive: true,
				Pricing: map[Currency]decimal.Decimal{CurrencyEUR: eur("119"), CurrencyUSD: eur("129")},
			},
		},
	}
}
