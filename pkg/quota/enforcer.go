package quota

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Check decides whether an AI action is permitted. The first matching rule wins:
//
//  1. no subscription
//  2. trialing: time expiry, then call exhaustion, then allowed
//  3. canceled / expired (paused is treated as expired; a lapsed trial keeps
//     reporting trial_expired)
//  4. past_due
//  5. active: unlimited, exhausted, allowed
//  6. anything else: generic
//
// plan may be nil for non-active statuses. The admin override is applied by the
// caller before Check is reached.
func Check(sub *Subscription, plan *Plan, ledger Ledger, cfg TrialConfig, now time.Time) CheckResult {
	if sub == nil {
		return CheckResult{Reason: ReasonNoSubscription}
	}

	result := CheckResult{Status: sub.Status}

	switch sub.Status {
	case StatusTrialing:
		maxCalls := EffectiveTrialMaxCalls(sub, cfg)
		days := TrialDaysRemaining(sub, now)
		calls := TrialCallsRemaining(ledger, maxCalls)
		result.CurrentUsage = ledger.TrialCallsUsed
		result.Limit = maxCalls
		result.Remaining = remaining(maxCalls, ledger.TrialCallsUsed)
		result.TrialDaysRemaining = &days
		result.TrialCallsRemaining = &calls
		result.CanUpgrade = true
		result.SuggestedUpgrade = SuggestUpgrade(TierTrial)

		switch {
		case HasTrialExpired(sub, now):
			result.Reason = ReasonTrialExpired
		case ledger.TrialCallsUsed >= maxCalls:
			result.Reason = ReasonTrialCallsExhausted
		default:
			result.Allowed = true
			result.IsInTrial = true
		}
		return result

	case StatusCanceled:
		fillPeriodUsage(&result, plan, ledger)
		result.Reason = ReasonSubscriptionCancelled
		return result

	case StatusExpired, StatusPaused:
		fillPeriodUsage(&result, plan, ledger)
		result.Reason = ReasonSubscriptionExpired
		if sub.Status == StatusExpired && sub.CancelReason == CancelReasonTrialEnded {
			result.Reason = ReasonTrialExpired
			result.CanUpgrade = true
			result.SuggestedUpgrade = SuggestUpgrade(TierTrial)
		}
		return result

	case StatusPastDue:
		fillPeriodUsage(&result, plan, ledger)
		result.Reason = ReasonPaymentFailed
		return result

	case StatusActive:
		if plan == nil {
			log.Warn().
				Str("account_id", sub.AccountID).
				Str("plan_id", sub.PlanID).
				Str("tier", string(sub.Tier)).
				Msg("Active subscription has no resolvable plan")
			result.Reason = ReasonGeneric
			return result
		}
		fillPeriodUsage(&result, plan, ledger)
		if plan.Unlimited() {
			result.Allowed = true
			return result
		}
		result.CanUpgrade = sub.Tier != TierUnlimited
		if ledger.CallsUsedThisPeriod >= plan.AICallsLimit {
			result.Reason = ReasonQuotaExhausted
			result.SuggestedUpgrade = SuggestUpgrade(sub.Tier)
			return result
		}
		result.Allowed = true
		return result
	}

	log.Warn().
		Str("account_id", sub.AccountID).
		Str("status", string(sub.Status)).
		Msg("Unrecognized subscription status; denying AI access")
	result.Reason = ReasonGeneric
	return result
}

func fillPeriodUsage(result *CheckResult, plan *Plan, ledger Ledger) {
	result.CurrentUsage = ledger.CallsUsedThisPeriod
	if plan == nil {
		return
	}
	result.Limit = plan.AICallsLimit
	result.Remaining = remaining(plan.AICallsLimit, ledger.CallsUsedThisPeriod)
}

// remaining is max(0, limit-usage), or the unlimited sentinel itself.
func remaining(limit, usage int) int {
	if limit == UnlimitedCalls {
		return UnlimitedCalls
	}
	return max(0, limit-usage)
}

// Override returns the verdict for an account with active forced access.
func Override(sub *Subscription, ledger Ledger) CheckResult {
	result := CheckResult{
		Allowed:      true,
		Reason:       ReasonAdminOverride,
		CurrentUsage: ledger.CallsUsedThisPeriod,
		Limit:        UnlimitedCalls,
		Remaining:    UnlimitedCalls,
	}
	if sub != nil {
		result.Status = sub.Status
	}
	return result
}

// Unavailable is the fail-closed verdict used when the store cannot be read.
func Unavailable() CheckResult {
	return CheckResult{Reason: ReasonCheckUnavailable}
}

// ExceedsFairUse reports whether an unlimited plan's period usage passed the
// out-of-band ceiling. A ceiling <= 0 disables the check.
func ExceedsFairUse(plan *Plan, ledger Ledger, ceiling int) bool {
	if plan == nil || !plan.Unlimited() || ceiling <= 0 {
		return false
	}
	return ledger.CallsUsedThisPeriod >= ceiling
}
