package quota

import (
	"fmt"
	"time"
)

const periodKeyLayout = "2006-01-02T15:04:05Z"

// PeriodKey identifies a usage cycle by its start instant.
func PeriodKey(start time.Time) string {
	return start.UTC().Format(periodKeyLayout)
}

// NextPeriod returns the boundaries of the cycle following [start, end).
func NextPeriod(end time.Time, period BillingPeriod) (time.Time, time.Time) {
	return end, AdvancePeriod(end, period)
}

// AdvancePeriod adds one billing period to t.
func AdvancePeriod(t time.Time, period BillingPeriod) time.Time {
	if period == PeriodYearly {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// Validate reports violations of the record invariants.
func (s *Subscription) Validate() error {
	if s.AccountID == "" {
		return fmt.Errorf("accountId is required")
	}
	if !IsKnownStatus(s.Status) {
		return fmt.Errorf("unknown status %q", s.Status)
	}
	if !s.CurrentPeriodStart.Before(s.CurrentPeriodEnd) {
		return fmt.Errorf("currentPeriodStart %s must be before currentPeriodEnd %s",
			s.CurrentPeriodStart.Format(time.RFC3339), s.CurrentPeriodEnd.Format(time.RFC3339))
	}
	// A paused record keeps the trial and cancel fields of the status it will resume to.
	status := s.Status
	if status == StatusPaused && s.PausedFrom != "" {
		status = s.PausedFrom
	} else if s.PausedFrom != "" {
		return fmt.Errorf("pausedFrom set on %s subscription", s.Status)
	}
	if (s.TrialEndsAt != nil) != (status == StatusTrialing) {
		return fmt.Errorf("trialEndsAt must be set iff status is trialing (status=%s)", s.Status)
	}
	if s.CancelAtPeriodEnd && status != StatusActive && status != StatusPastDue {
		return fmt.Errorf("cancelAtPeriodEnd requires active or past_due, got %s", s.Status)
	}
	if s.PendingChange != nil && status != StatusActive && status != StatusPastDue {
		return fmt.Errorf("pending plan change requires active or past_due, got %s", s.Status)
	}
	switch s.Currency {
	case CurrencyEUR, CurrencyUSD:
	default:
		return fmt.Errorf("unsupported currency %q", s.Currency)
	}
	return nil
}
