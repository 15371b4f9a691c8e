package quota

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

const day = 24 * time.Hour

// IsInTrial reports status == trialing and now < TrialEndsAt.
func IsInTrial(sub *Subscription, now time.Time) bool {
	if sub == nil || sub.Status != StatusTrialing || sub.TrialEndsAt == nil {
		return false
	}
	return now.Before(*sub.TrialEndsAt)
}

// HasTrialExpired reports whether the trial window elapsed by time, regardless
// of calls remaining.
func HasTrialExpired(sub *Subscription, now time.Time) bool {
	if sub == nil || sub.Status != StatusTrialing {
		return false
	}
	if sub.TrialEndsAt == nil {
		return true
	}
	return !now.Before(*sub.TrialEndsAt)
}

// TrialDaysRemaining is ceil((TrialEndsAt - now) / 1 day), floored at 0.
func TrialDaysRemaining(sub *Subscription, now time.Time) int {
	if sub == nil || sub.TrialEndsAt == nil {
		return 0
	}
	left := sub.TrialEndsAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(float64(left) / float64(day)))
}

// TrialCallsRemaining is max(0, maxCalls - TrialCallsUsed).
func TrialCallsRemaining(ledger Ledger, maxCalls int) int {
	return max(0, maxCalls-ledger.TrialCallsUsed)
}

// EffectiveTrialMaxCalls returns the call allowance captured on the record when
// the trial started, falling back to the current config.
func EffectiveTrialMaxCalls(sub *Subscription, cfg TrialConfig) int {
	if sub != nil && sub.TrialMaxCalls > 0 {
		return sub.TrialMaxCalls
	}
	return cfg.MaxAICalls
}

// NewTrialSubscription builds the record for an account entering a trial at now.
// Callers must check cfg.IsEnabled first.
func NewTrialSubscription(accountID string, cfg TrialConfig, now time.Time) *Subscription {
	ends := now.Add(time.Duration(cfg.DurationDays) * day)
	return &Subscription{
		AccountID:           accountID,
		Tier:                TierTrial,
		Status:              StatusTrialing,
		BillingPeriod:       PeriodMonthly,
		CurrentPeriodStart:  now,
		CurrentPeriodEnd:    ends,
		TrialEndsAt:         &ends,
		TrialMaxCalls:       cfg.MaxAICalls,
		CurrentPeriodAmount: decimal.Zero,
		Currency:            CurrencyEUR,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}
