package quota

import "time"

// CancelReasonTrialEnded marks a trial that lapsed without a payment.
const CancelReasonTrialEnded = "trial_ended_no_payment"

// RolloverResult describes what ApplyRollover changed.
type RolloverResult struct {
	TrialExpired        bool
	Canceled            bool
	PeriodsAdvanced     int
	PlanChanged         bool
	LedgerReset         bool
	PreviousPeriodKey   string
	PreviousPeriodCalls int
}

// Changed reports whether the account was modified.
func (r RolloverResult) Changed() bool {
	return r.TrialExpired || r.Canceled || r.PeriodsAdvanced > 0 || r.PlanChanged || r.LedgerReset
}

// ApplyRollover brings an account up to date with now, in place:
//   - a trial whose window elapsed becomes expired
//   - an active or past_due record whose period ended with CancelAtPeriodEnd
//     becomes canceled
//   - an active or past_due record whose period ended moves to the period
//     covering now
//   - the ledger's period counter resets when its key no longer matches
func ApplyRollover(acct *Account, now time.Time) RolloverResult {
	var res RolloverResult
	sub := acct.Subscription
	if sub == nil {
		return res
	}

	switch sub.Status {
	case StatusTrialing:
		if HasTrialExpired(sub, now) {
			sub.Status = StatusExpired
			sub.TrialEndsAt = nil
			sub.CancelReason = CancelReasonTrialEnded
			sub.UpdatedAt = now
			res.TrialExpired = true
		}
	case StatusActive, StatusPastDue:
		if now.Before(sub.CurrentPeriodEnd) {
			break
		}
		if sub.CancelAtPeriodEnd {
			sub.Status = StatusCanceled
			sub.CancelAtPeriodEnd = false
			canceledAt := sub.CurrentPeriodEnd
			sub.CanceledAt = &canceledAt
			sub.PendingChange = nil
			sub.UpdatedAt = now
			res.Canceled = true
			break
		}
		if sub.Status == StatusActive {
			for !now.Before(sub.CurrentPeriodEnd) {
				sub.CurrentPeriodStart, sub.CurrentPeriodEnd = NextPeriod(sub.CurrentPeriodEnd, sub.BillingPeriod)
				res.PeriodsAdvanced++
			}
			res.PlanChanged = ApplyPendingChange(sub, now)
			sub.UpdatedAt = now
		}
	}

	key := PeriodKey(sub.CurrentPeriodStart)
	if acct.Ledger.PeriodKey != key {
		if acct.Ledger.PeriodKey != "" {
			res.LedgerReset = true
			res.PreviousPeriodKey = acct.Ledger.PeriodKey
			res.PreviousPeriodCalls = acct.Ledger.CallsUsedThisPeriod
		}
		acct.Ledger.PeriodKey = key
		acct.Ledger.CallsUsedThisPeriod = 0
	}
	return res
}

// ApplyPendingChange switches sub to its deferred plan once at reaches the
// change's effective time. It reports whether anything changed.
func ApplyPendingChange(sub *Subscription, at time.Time) bool {
	pc := sub.PendingChange
	if pc == nil || at.Before(pc.EffectiveAt) {
		return false
	}
	sub.PlanID = pc.PlanID
	sub.Tier = pc.Tier
	sub.CurrentPeriodAmount = pc.Amount
	sub.PendingChange = nil
	return true
}
