package quota

import (
	"testing"
	"time"
)

func TestTrialDaysRemainingRoundsUp(t *testing.T) {
	ends := testNow.Add(36 * time.Hour)
	sub := &Subscription{Status: StatusTrialing, TrialEndsAt: &ends}
	if got := TrialDaysRemaining(sub, testNow); got != 2 {
		t.Fatalf("days remaining = %d, want 2", got)
	}

	past := testNow.Add(-time.Hour)
	sub.TrialEndsAt = &past
	if got := TrialDaysRemaining(sub, testNow); got != 0 {
		t.Fatalf("days remaining after end = %d, want 0", got)
	}
}

func TestIsInTrialBoundary(t *testing.T) {
	ends := testNow
	sub := &Subscription{Status: StatusTrialing, TrialEndsAt: &ends}
	if IsInTrial(sub, testNow) {
		t.Fatal("trial must end exactly at TrialEndsAt")
	}
	if !HasTrialExpired(sub, testNow) {
		t.Fatal("expected expiry at TrialEndsAt")
	}
	if !IsInTrial(sub, testNow.Add(-time.Second)) {
		t.Fatal("expected trial one second before the end")
	}
}

func TestHasTrialExpiredIgnoresOtherStatuses(t *testing.T) {
	past := testNow.AddDate(0, 0, -1)
	sub := &Subscription{Status: StatusActive, TrialEndsAt: &past}
	if HasTrialExpired(sub, testNow) {
		t.Fatal("only trialing records can have an expired trial")
	}
}

func TestTrialCallsRemainingFloorsAtZero(t *testing.T) {
	if got := TrialCallsRemaining(Ledger{TrialCallsUsed: 5}, 3); got != 0 {
		t.Fatalf("calls remaining = %d, want 0", got)
	}
	if got := TrialCallsRemaining(Ledger{TrialCallsUsed: 1}, 3); got != 2 {
		t.Fatalf("calls remaining = %d, want 2", got)
	}
}

func TestNewTrialSubscriptionSatisfiesInvariants(t *testing.T) {
	sub := NewTrialSubscription("acct-9", DefaultTrialConfig(), testNow)
	if err := sub.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !sub.CurrentPeriodEnd.Equal(*sub.TrialEndsAt) {
		t.Fatal("trial period end must equal TrialEndsAt")
	}
	if sub.TrialMaxCalls != 3 {
		t.Fatalf("TrialMaxCalls = %d, want 3", sub.TrialMaxCalls)
	}
}
