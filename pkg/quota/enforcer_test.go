package quota

import (
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func activeSub(tier Tier) *Subscription {
	return &Subscription{
		AccountID:          "acct-1",
		PlanID:             string(tier),
		Tier:               tier,
		Status:             StatusActive,
		BillingPeriod:      PeriodMonthly,
		CurrentPeriodStart: testNow.AddDate(0, 0, -10),
		CurrentPeriodEnd:   testNow.AddDate(0, 0, 20),
		Currency:           CurrencyEUR,
	}
}

func limitedPlan(limit int) *Plan {
	return &Plan{ID: "basic", Tier: TierBasic, AICallsLimit: limit, IsActive: true}
}

func TestCheckNoSubscription(t *testing.T) {
	got := Check(nil, nil, Ledger{}, DefaultTrialConfig(), testNow)
	if got.Allowed || got.Reason != ReasonNoSubscription {
		t.Fatalf("got allowed=%v reason=%q, want denied no_subscription", got.Allowed, got.Reason)
	}
}

func TestCheckActiveQuotaExhausted(t *testing.T) {
	got := Check(activeSub(TierBasic), limitedPlan(5), Ledger{CallsUsedThisPeriod: 5}, DefaultTrialConfig(), testNow)
	if got.Allowed {
		t.Fatal("expected denial")
	}
	if got.Reason != ReasonQuotaExhausted {
		t.Fatalf("reason=%q, want %q", got.Reason, ReasonQuotaExhausted)
	}
	if got.Remaining != 0 {
		t.Fatalf("remaining=%d, want 0", got.Remaining)
	}
	if got.SuggestedUpgrade != TierStandard {
		t.Fatalf("suggested=%q, want standard", got.SuggestedUpgrade)
	}
}

func TestCheckActiveWithinLimit(t *testing.T) {
	got := Check(activeSub(TierBasic), limitedPlan(5), Ledger{CallsUsedThisPeriod: 3}, DefaultTrialConfig(), testNow)
	if !got.Allowed || got.Reason != ReasonNone {
		t.Fatalf("got allowed=%v reason=%q, want allowed", got.Allowed, got.Reason)
	}
	if got.Limit != 5 || got.CurrentUsage != 3 || got.Remaining != 2 {
		t.Fatalf("limit/usage/remaining = %d/%d/%d, want 5/3/2", got.Limit, got.CurrentUsage, got.Remaining)
	}
}

func TestCheckUnlimitedReportsSentinel(t *testing.T) {
	plan := &Plan{ID: "unlimited", Tier: TierUnlimited, AICallsLimit: UnlimitedCalls}
	got := Check(activeSub(TierUnlimited), plan, Ledger{CallsUsedThisPeriod: 100000}, DefaultTrialConfig(), testNow)
	if !got.Allowed {
		t.Fatalf("unlimited plan denied: %q", got.Reason)
	}
	if got.Remaining != UnlimitedCalls || got.Limit != UnlimitedCalls {
		t.Fatalf("remaining=%d limit=%d, want -1/-1", got.Remaining, got.Limit)
	}
}

func TestCheckTrialExpiredEvenWithCallsLeft(t *testing.T) {
	cfg := TrialConfig{DurationDays: 30, MaxAICalls: 3, IsEnabled: true}
	sub := NewTrialSubscription("acct-1", cfg, testNow.AddDate(0, 0, -31))

	got := Check(sub, nil, Ledger{TrialCallsUsed: 1}, cfg, testNow)
	if got.Allowed || got.Reason != ReasonTrialExpired {
		t.Fatalf("got allowed=%v reason=%q, want denied trial_expired", got.Allowed, got.Reason)
	}
	if got.IsInTrial {
		t.Fatal("expired trial must not report IsInTrial")
	}
}

func TestCheckTrialCallsExhaustedWithTimeLeft(t *testing.T) {
	cfg := TrialConfig{DurationDays: 30, MaxAICalls: 3, IsEnabled: true}
	sub := NewTrialSubscription("acct-1", cfg, testNow.AddDate(0, 0, -2))

	got := Check(sub, nil, Ledger{TrialCallsUsed: 3}, cfg, testNow)
	if got.Allowed || got.Reason != ReasonTrialCallsExhausted {
		t.Fatalf("got allowed=%v reason=%q, want denied trial_calls_exhausted", got.Allowed, got.Reason)
	}
}

func TestCheckTrialAllowed(t *testing.T) {
	cfg := TrialConfig{DurationDays: 30, MaxAICalls: 3, IsEnabled: true}
	sub := NewTrialSubscription("acct-1", cfg, testNow.AddDate(0, 0, -2))

	got := Check(sub, nil, Ledger{TrialCallsUsed: 1}, cfg, testNow)
	if !got.Allowed || !got.IsInTrial {
		t.Fatalf("got allowed=%v inTrial=%v, want allowed trial", got.Allowed, got.IsInTrial)
	}
	if got.Limit != 3 || got.CurrentUsage != 1 || got.Remaining != 2 {
		t.Fatalf("limit/usage/remaining = %d/%d/%d, want 3/1/2", got.Limit, got.CurrentUsage, got.Remaining)
	}
	if got.TrialDaysRemaining == nil || *got.TrialDaysRemaining != 28 {
		t.Fatalf("trial days remaining = %v, want 28", got.TrialDaysRemaining)
	}
	if got.TrialCallsRemaining == nil || *got.TrialCallsRemaining != 2 {
		t.Fatalf("trial calls remaining = %v, want 2", got.TrialCallsRemaining)
	}
}

func TestCheckTrialUsesTermsCapturedOnRecord(t *testing.T) {
	granted := TrialConfig{DurationDays: 30, MaxAICalls: 10, IsEnabled: true}
	sub := NewTrialSubscription("acct-1", granted, testNow.AddDate(0, 0, -1))

	current := TrialConfig{DurationDays: 7, MaxAICalls: 3, IsEnabled: true}
	got := Check(sub, nil, Ledger{TrialCallsUsed: 5}, current, testNow)
	if !got.Allowed {
		t.Fatalf("config change must not shrink an existing trial: reason=%q", got.Reason)
	}
	if got.Limit != 10 {
		t.Fatalf("limit=%d, want 10", got.Limit)
	}
}

func TestCheckStatusTable(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		want   Reason
	}{
		{name: "canceled", status: StatusCanceled, want: ReasonSubscriptionCancelled},
		{name: "expired", status: StatusExpired, want: ReasonSubscriptionExpired},
		{name: "paused", status: StatusPaused, want: ReasonSubscriptionExpired},
		{name: "past due", status: StatusPastDue, want: ReasonPaymentFailed},
		{name: "unknown", status: Status("suspended"), want: ReasonGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := activeSub(TierPro)
			sub.Status = tt.status
			got := Check(sub, limitedPlan(30), Ledger{CallsUsedThisPeriod: 1}, DefaultTrialConfig(), testNow)
			if got.Allowed {
				t.Fatalf("status %q allowed", tt.status)
			}
			if got.Reason != tt.want {
				t.Fatalf("reason=%q, want %q", got.Reason, tt.want)
			}
		})
	}
}

func TestCheckActiveWithoutPlanIsGeneric(t *testing.T) {
	got := Check(activeSub(TierPro), nil, Ledger{}, DefaultTrialConfig(), testNow)
	if got.Allowed || got.Reason != ReasonGeneric {
		t.Fatalf("got allowed=%v reason=%q, want denied generic", got.Allowed, got.Reason)
	}
}

func TestOverrideIsDistinguishable(t *testing.T) {
	sub := activeSub(TierBasic)
	sub.Status = StatusCanceled
	got := Override(sub, Ledger{CallsUsedThisPeriod: 99})
	if !got.Allowed || got.Reason != ReasonAdminOverride {
		t.Fatalf("got allowed=%v reason=%q, want allowed admin_override", got.Allowed, got.Reason)
	}
}

func TestExceedsFairUse(t *testing.T) {
	unlimited := &Plan{ID: "u", Tier: TierUnlimited, AICallsLimit: UnlimitedCalls}
	if !ExceedsFairUse(unlimited, Ledger{CallsUsedThisPeriod: 500}, 500) {
		t.Fatal("expected ceiling reached")
	}
	if ExceedsFairUse(unlimited, Ledger{CallsUsedThisPeriod: 500}, 0) {
		t.Fatal("zero ceiling must disable the check")
	}
	if ExceedsFairUse(limitedPlan(5), Ledger{CallsUsedThisPeriod: 500}, 10) {
		t.Fatal("limited plans are never subject to the fair-use ceiling")
	}
}

func TestCheckLapsedTrialAfterSweepStillReportsTrialExpired(t *testing.T) {
	cfg := DefaultTrialConfig()
	acct := Account{Subscription: NewTrialSubscription("acct-1", cfg, testNow.AddDate(0, 0, -31))}
	ApplyRollover(&acct, testNow)

	got := Check(acct.Subscription, nil, acct.Ledger, cfg, testNow)
	if got.Reason != ReasonTrialExpired || !got.CanUpgrade {
		t.Fatalf("got reason=%q canUpgrade=%v, want trial_expired with upgrade", got.Reason, got.CanUpgrade)
	}
}
