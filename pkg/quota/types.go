// Package quota holds the subscription and AI-usage domain: the records kept per
// account, the trial policy, the access decision table and the lifecycle
// transition rules. Everything here is pure; persistence and scheduling live in
// internal packages.
package quota

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tier is a named subscription level. Tiers are ordered (see TierOrder).
type Tier string

const (
	TierTrial     Tier = "trial"
	TierBasic     Tier = "basic"
	TierStandard  Tier = "standard"
	TierPro       Tier = "pro"
	TierUnlimited Tier = "unlimited"
)

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
	StatusPaused   Status = "paused"
)

// BillingPeriod is the recurring cycle a quota counter accumulates over.
type BillingPeriod string

const (
	PeriodMonthly BillingPeriod = "monthly"
	PeriodYearly  BillingPeriod = "yearly"
)

// Currency is an ISO 4217 code supported by the catalog.
type Currency string

const (
	CurrencyEUR Currency = "EUR"
	CurrencyUSD Currency = "USD"
)

// UnlimitedCalls is the AICallsLimit sentinel for plans without a ceiling.
const UnlimitedCalls = -1

// Subscription is the per-account lifecycle record.
type Subscription struct {
	AccountID           string          `json:"accountId"`
	PlanID              string          `json:"planId,omitempty"`
	Tier                Tier            `json:"tier"`
	Status              Status          `json:"status"`
	BillingPeriod       BillingPeriod   `json:"billingPeriod"`
	CurrentPeriodStart  time.Time       `json:"currentPeriodStart"`
	CurrentPeriodEnd    time.Time       `json:"currentPeriodEnd"`
	TrialEndsAt         *time.Time      `json:"trialEndsAt,omitempty"`
	TrialMaxCalls       int             `json:"trialMaxCalls,omitempty"`
	CancelAtPeriodEnd   bool            `json:"cancelAtPeriodEnd"`
	CanceledAt          *time.Time      `json:"canceledAt,omitempty"`
	CancelReason        string          `json:"cancelReason,omitempty"`
	CurrentPeriodAmount decimal.Decimal `json:"currentPeriodAmount"`
	Currency            Currency        `json:"currency"`

	// PausedFrom is the status Resume restores.
	PausedFrom      Status      `json:"pausedFrom,omitempty"`
	PendingChange   *PlanChange `json:"pendingChange,omitempty"`
	PastDueSince    *time.Time  `json:"pastDueSince,omitempty"`
	PastDueReminded bool        `json:"pastDueReminded,omitempty"`

	StripeCustomerID     string `json:"stripeCustomerId,omitempty"`
	StripeSubscriptionID string `json:"stripeSubscriptionId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PlanChange is a plan switch deferred to the next period boundary.
type PlanChange struct {
	PlanID      string          `json:"planId"`
	Tier        Tier            `json:"tier"`
	Amount      decimal.Decimal `json:"amount"`
	EffectiveAt time.Time       `json:"effectiveAt"`
	RequestedBy string          `json:"requestedBy,omitempty"`
}

// Ledger holds the usage counters for one account.
type Ledger struct {
	AccountID           string     `json:"accountId"`
	PeriodKey           string     `json:"periodKey"`
	CallsUsedThisPeriod int        `json:"callsUsedThisPeriod"`
	TrialCallsUsed      int        `json:"trialCallsUsed"`
	TotalCallsAllTime   int        `json:"totalCallsAllTime"`
	LastCallAt          *time.Time `json:"lastCallAt,omitempty"`
}

// ForcedAccess is an admin override that bypasses the decision table.
// A zero Until means the override does not expire.
type ForcedAccess struct {
	Enabled   bool      `json:"enabled"`
	Until     time.Time `json:"until,omitempty"`
	GrantedBy string    `json:"grantedBy,omitempty"`
	Note      string    `json:"note,omitempty"`
	GrantedAt time.Time `json:"grantedAt,omitempty"`
}

// Active reports whether the override applies at now.
func (f *ForcedAccess) Active(now time.Time) bool {
	if f == nil || !f.Enabled {
		return false
	}
	return f.Until.IsZero() || now.Before(f.Until)
}

// Account is everything the store keeps for one account, versioned as a unit.
type Account struct {
	AccountID    string        `json:"accountId"`
	Subscription *Subscription `json:"subscription,omitempty"`
	Ledger       Ledger        `json:"ledger"`
	ForcedAccess *ForcedAccess `json:"forcedAccess,omitempty"`
	Version      int64         `json:"version"`
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (a Account) Clone() Account {
	out := a
	if a.Subscription != nil {
		sub := *a.Subscription
		sub.TrialEndsAt = cloneTime(a.Subscription.TrialEndsAt)
		sub.CanceledAt = cloneTime(a.Subscription.CanceledAt)
		sub.PastDueSince = cloneTime(a.Subscription.PastDueSince)
		if a.Subscription.PendingChange != nil {
			pc := *a.Subscription.PendingChange
			sub.PendingChange = &pc
		}
		out.Subscription = &sub
	}
	out.Ledger.LastCallAt = cloneTime(a.Ledger.LastCallAt)
	if a.ForcedAccess != nil {
		fa := *a.ForcedAccess
		out.ForcedAccess = &fa
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TrialConfig is the process-wide trial policy. Changes apply prospectively.
type TrialConfig struct {
	DurationDays int  `json:"durationDays"`
	MaxAICalls   int  `json:"maxAiCalls"`
	IsEnabled    bool `json:"isEnabled"`
}

// DefaultTrialConfig is used until an admin stores a different one.
func DefaultTrialConfig() TrialConfig {
	return TrialConfig{
		DurationDays: 30,
		MaxAICalls:   3,
		IsEnabled:    true,
	}
}

// Reason is the machine-readable code attached to a check result.
type Reason string

const (
	ReasonNone                  Reason = ""
	ReasonNoSubscription        Reason = "no_subscription"
	ReasonTrialExpired          Reason = "trial_expired"
	ReasonTrialCallsExhausted   Reason = "trial_calls_exhausted"
	ReasonQuotaExhausted        Reason = "quota_exhausted"
	ReasonSubscriptionExpired   Reason = "subscription_expired"
	ReasonSubscriptionCancelled Reason = "subscription_cancelled"
	ReasonPaymentFailed         Reason = "payment_failed"
	ReasonGeneric               Reason = "generic"
	ReasonCheckUnavailable      Reason = "check_unavailable"
	ReasonAdminOverride         Reason = "admin_override"
)

// CheckResult is the derived verdict for one access check. It is never persisted.
type CheckResult struct {
	Allowed             bool   `json:"allowed"`
	Reason              Reason `json:"reason,omitempty"`
	CurrentUsage        int    `json:"currentUsage"`
	Limit               int    `json:"limit"`
	Remaining           int    `json:"remaining"`
	IsInTrial           bool   `json:"isInTrial"`
	TrialDaysRemaining  *int   `json:"trialDaysRemaining,omitempty"`
	TrialCallsRemaining *int   `json:"trialCallsRemaining,omitempty"`
	Status              Status `json:"subscriptionStatus,omitempty"`
	CanUpgrade          bool   `json:"canUpgrade"`
	SuggestedUpgrade    Tier   `json:"suggestedUpgrade,omitempty"`
}
