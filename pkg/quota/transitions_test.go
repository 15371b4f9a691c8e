package quota

import (
	"reflect"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusTrialing, StatusActive, true},
		{StatusTrialing, StatusExpired, true},
		{StatusActive, StatusPastDue, true},
		{StatusPastDue, StatusActive, true},
		{StatusPastDue, StatusCanceled, true},
		{StatusActive, StatusCanceled, true},
		{StatusCanceled, StatusActive, true},
		{StatusExpired, StatusPaused, true},
		{StatusCanceled, StatusPaused, true},
		{StatusPaused, StatusPaused, false},
		{StatusExpired, StatusTrialing, false},
		{StatusCanceled, StatusPastDue, false},
		{StatusActive, StatusTrialing, false},
		{Status("bogus"), StatusPaused, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestValidTransitionsFromIsSorted(t *testing.T) {
	got := ValidTransitionsFrom(StatusPastDue)
	want := []Status{StatusActive, StatusCanceled, StatusPaused}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ValidTransitionsFrom(past_due) = %v, want %v", got, want)
	}
}

func TestCanCancel(t *testing.T) {
	sub := &Subscription{Status: StatusActive}
	if !CanCancel(sub) {
		t.Fatal("active subscription should be cancellable")
	}
	sub.CancelAtPeriodEnd = true
	if CanCancel(sub) {
		t.Fatal("already-canceling subscription should not be cancellable again")
	}
	if CanCancel(&Subscription{Status: StatusExpired}) {
		t.Fatal("expired subscription should not be cancellable")
	}
}

func TestMapProviderStatus(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Status
	}{
		{name: "active", raw: "active", want: StatusActive},
		{name: "trialing", raw: "trialing", want: StatusTrialing},
		{name: "unpaid maps to past due", raw: "unpaid", want: StatusPastDue},
		{name: "past due upper case", raw: " PAST_DUE ", want: StatusPastDue},
		{name: "incomplete", raw: "incomplete", want: StatusExpired},
		{name: "incomplete expired", raw: "incomplete_expired", want: StatusExpired},
		{name: "canceled", raw: "canceled", want: StatusCanceled},
		{name: "paused", raw: "paused", want: StatusPaused},
		{name: "unknown fails closed", raw: "mystery", want: StatusExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MapProviderStatus(tt.raw); got != tt.want {
				t.Fatalf("state=%q, want %q", got, tt.want)
			}
		})
	}
}

func TestSuggestUpgrade(t *testing.T) {
	if got := SuggestUpgrade(TierBasic); got != TierStandard {
		t.Fatalf("SuggestUpgrade(basic) = %q, want standard", got)
	}
	if got := SuggestUpgrade(TierUnlimited); got != "" {
		t.Fatalf("SuggestUpgrade(unlimited) = %q, want empty", got)
	}
	if !IsUpgrade(TierBasic, TierPro) || IsUpgrade(TierPro, TierBasic) {
		t.Fatal("tier ordering is wrong")
	}
}
