package quota

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestApplyRolloverResetsCounterAfterPeriodEnd(t *testing.T) {
	sub := activeSub(TierBasic)
	sub.CurrentPeriodStart = testNow.AddDate(0, -1, -5)
	sub.CurrentPeriodEnd = testNow.AddDate(0, 0, -5)
	acct := Account{
		AccountID:    "acct-1",
		Subscription: sub,
		Ledger:       Ledger{PeriodKey: PeriodKey(sub.CurrentPeriodStart), CallsUsedThisPeriod: 4},
	}

	res := ApplyRollover(&acct, testNow)
	if !res.LedgerReset || res.PeriodsAdvanced != 1 {
		t.Fatalf("result = %+v, want one period advanced with reset", res)
	}
	if res.PreviousPeriodCalls != 4 {
		t.Fatalf("previous calls = %d, want 4", res.PreviousPeriodCalls)
	}
	if acct.Ledger.CallsUsedThisPeriod != 0 {
		t.Fatalf("calls = %d, want 0", acct.Ledger.CallsUsedThisPeriod)
	}
	if !testNow.Before(sub.CurrentPeriodEnd) || testNow.Before(sub.CurrentPeriodStart) {
		t.Fatalf("period [%s, %s) does not cover now", sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	}
}

func TestApplyRolloverSkipsMissedPeriods(t *testing.T) {
	sub := activeSub(TierBasic)
	sub.CurrentPeriodStart = time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	sub.CurrentPeriodEnd = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	acct := Account{Subscription: sub, Ledger: Ledger{PeriodKey: PeriodKey(sub.CurrentPeriodStart), CallsUsedThisPeriod: 2}}

	res := ApplyRollover(&acct, testNow)
	if res.PeriodsAdvanced != 3 {
		t.Fatalf("periods advanced = %d, want 3", res.PeriodsAdvanced)
	}
	want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if !sub.CurrentPeriodStart.Equal(want) {
		t.Fatalf("period start = %s, want %s", sub.CurrentPeriodStart, want)
	}
}

func TestApplyRolloverAppliesDeferredCancellation(t *testing.T) {
	sub := activeSub(TierPro)
	sub.CancelAtPeriodEnd = true
	sub.CurrentPeriodEnd = testNow.Add(-time.Minute)
	acct := Account{Subscription: sub, Ledger: Ledger{PeriodKey: PeriodKey(sub.CurrentPeriodStart)}}

	res := ApplyRollover(&acct, testNow)
	if !res.Canceled {
		t.Fatal("expected cancellation at period end")
	}
	if sub.Status != StatusCanceled || sub.CancelAtPeriodEnd {
		t.Fatalf("status=%s cancelAtPeriodEnd=%v, want canceled/false", sub.Status, sub.CancelAtPeriodEnd)
	}
	if err := sub.Validate(); err != nil {
		t.Fatalf("Validate after cancel: %v", err)
	}
}

func TestApplyRolloverKeepsCancelingSubscriptionUntilPeriodEnd(t *testing.T) {
	sub := activeSub(TierPro)
	sub.CancelAtPeriodEnd = true
	acct := Account{Subscription: sub, Ledger: Ledger{PeriodKey: PeriodKey(sub.CurrentPeriodStart), CallsUsedThisPeriod: 3}}

	if res := ApplyRollover(&acct, testNow); res.Changed() {
		t.Fatalf("unexpected change before period end: %+v", res)
	}
	if sub.Status != StatusActive {
		t.Fatalf("status=%s, want active", sub.Status)
	}
}

func TestApplyRolloverExpiresElapsedTrial(t *testing.T) {
	cfg := TrialConfig{DurationDays: 30, MaxAICalls: 3, IsEnabled: true}
	sub := NewTrialSubscription("acct-1", cfg, testNow.AddDate(0, 0, -31))
	acct := Account{Subscription: sub, Ledger: Ledger{PeriodKey: PeriodKey(sub.CurrentPeriodStart), TrialCallsUsed: 1}}

	res := ApplyRollover(&acct, testNow)
	if !res.TrialExpired {
		t.Fatal("expected trial expiry")
	}
	if sub.Status != StatusExpired || sub.TrialEndsAt != nil {
		t.Fatalf("status=%s trialEndsAt=%v, want expired/nil", sub.Status, sub.TrialEndsAt)
	}
	if acct.Ledger.TrialCallsUsed != 1 {
		t.Fatal("trial counter must survive expiry")
	}
}

func TestApplyRolloverInitializesEmptyPeriodKey(t *testing.T) {
	sub := activeSub(TierBasic)
	acct := Account{Subscription: sub}
	res := ApplyRollover(&acct, testNow)
	if res.LedgerReset {
		t.Fatal("an empty key is initialization, not a reset")
	}
	if acct.Ledger.PeriodKey != PeriodKey(sub.CurrentPeriodStart) {
		t.Fatalf("period key = %q", acct.Ledger.PeriodKey)
	}
}

func TestApplyRolloverAppliesPendingPlanChange(t *testing.T) {
	sub := activeSub(TierPro)
	sub.PendingChange = &PlanChange{PlanID: "basic", Tier: TierBasic, Amount: decimal.NewFromInt(19), EffectiveAt: sub.CurrentPeriodEnd}
	acct := Account{Subscription: sub, Ledger: Ledger{PeriodKey: PeriodKey(sub.CurrentPeriodStart)}}

	if res := ApplyRollover(&acct, testNow); res.PlanChanged {
		t.Fatal("change applied before the period ended")
	}

	res := ApplyRollover(&acct, sub.CurrentPeriodEnd.Add(time.Hour))
	if !res.PlanChanged || res.PeriodsAdvanced != 1 {
		t.Fatalf("result = %+v", res)
	}
	if sub.Tier != TierBasic || sub.PlanID != "basic" || sub.PendingChange != nil || !sub.CurrentPeriodAmount.Equal(decimal.NewFromInt(19)) {
		t.Fatalf("subscription = %+v", sub)
	}
}

func TestApplyRolloverCancellationDropsPendingChange(t *testing.T) {
	sub := activeSub(TierPro)
	sub.CancelAtPeriodEnd = true
	sub.PendingChange = &PlanChange{PlanID: "basic", Tier: TierBasic, EffectiveAt: sub.CurrentPeriodEnd}
	acct := Account{Subscription: sub, Ledger: Ledger{PeriodKey: PeriodKey(sub.CurrentPeriodStart)}}

	res := ApplyRollover(&acct, sub.CurrentPeriodEnd)
	if !res.Canceled || res.PlanChanged {
		t.Fatalf("result = %+v", res)
	}
	if sub.PendingChange != nil || sub.Tier != TierPro {
		t.Fatalf("subscription = %+v", sub)
	}
	if err := sub.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidatePausedKeepsResumeFields(t *testing.T) {
	trial := NewTrialSubscription("acct-1", DefaultTrialConfig(), testNow)
	trial.PausedFrom = StatusTrialing
	trial.Status = StatusPaused
	if err := trial.Validate(); err != nil {
		t.Fatalf("paused trial: %v", err)
	}

	canceling := activeSub(TierBasic)
	canceling.CancelAtPeriodEnd = true
	canceling.PausedFrom = StatusActive
	canceling.Status = StatusPaused
	if err := canceling.Validate(); err != nil {
		t.Fatalf("paused with pending cancel: %v", err)
	}

	stray := activeSub(TierBasic)
	stray.PausedFrom = StatusActive
	if err := stray.Validate(); err == nil {
		t.Fatal("pausedFrom on an active record must be rejected")
	}
}
