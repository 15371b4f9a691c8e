package quota

import "time"

// WarningLevel flags how close a ledger is to its limit.
type WarningLevel string

const (
	WarningNone             WarningLevel = ""
	WarningApproachingLimit WarningLevel = "approaching_limit"
	WarningLimitReached     WarningLevel = "limit_reached"
)

// WarningThreshold is the usage fraction at which WarningApproachingLimit starts.
const WarningThreshold = 0.8

// Warning returns the level for usage against limit. Unlimited limits never warn.
func Warning(usage, limit int) WarningLevel {
	if limit <= 0 {
		return WarningNone
	}
	if usage >= limit {
		return WarningLimitReached
	}
	if float64(usage) >= float64(limit)*WarningThreshold {
		return WarningApproachingLimit
	}
	return WarningNone
}

// View is the derived, display-oriented state of an account at one instant.
// It is recomputed from a snapshot; nothing in it is stored.
type View struct {
	Check           CheckResult  `json:"check"`
	UsagePercent    float64      `json:"usagePercent"`
	Warning         WarningLevel `json:"warning,omitempty"`
	CanCancel       bool         `json:"canCancel"`
	NextBillingDate *time.Time   `json:"nextBillingDate,omitempty"`
	ForcedAccess    bool         `json:"forcedAccess"`
}

// Derive computes the view for acct. The catalog supplies the plan and trial
// terms; rollover is applied to a copy so acct itself is left untouched.
func Derive(acct Account, catalog Catalog, now time.Time) View {
	working := acct.Clone()
	ApplyRollover(&working, now)
	sub := working.Subscription

	var plan *Plan
	if p, ok := catalog.PlanFor(sub); ok {
		plan = &p
	}

	var check CheckResult
	forced := working.ForcedAccess.Active(now)
	if forced {
		check = Override(sub, working.Ledger)
	} else {
		check = Check(sub, plan, working.Ledger, catalog.Trial, now)
	}

	view := View{
		Check:        check,
		CanCancel:    CanCancel(sub),
		ForcedAccess: forced,
	}
	if check.Limit > 0 {
		view.UsagePercent = float64(check.CurrentUsage) * 100 / float64(check.Limit)
		if view.UsagePercent > 100 {
			view.UsagePercent = 100
		}
		view.Warning = Warning(check.CurrentUsage, check.Limit)
	}
	if sub != nil && !sub.CancelAtPeriodEnd && (sub.Status == StatusActive || sub.Status == StatusPastDue) {
		next := sub.CurrentPeriodEnd
		view.NextBillingDate = &next
	}
	return view
}
