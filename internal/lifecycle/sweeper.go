package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/aiquota/internal/metrics"
	"github.com/rcourtman/aiquota/internal/store"
	"github.com/rcourtman/aiquota/pkg/quota"
)

const (
	DefaultSweepInterval = 1 * time.Hour
	// EventRetention is how long processed webhook event ids are kept.
	EventRetention = 30 * 24 * time.Hour

	DefaultPastDueReminderAfter = 3 * 24 * time.Hour
)

// CancelReasonPastDueGrace marks a subscription canceled by the past-due grace limit.
const CancelReasonPastDueGrace = "payment_failed_grace_elapsed"

// PastDuePolicy controls what the sweeper does with subscriptions that stay
// past_due. A zero duration disables that step.
type PastDuePolicy struct {
	ReminderAfter time.Duration
	CancelAfter   time.Duration
}

func (p PastDuePolicy) enabled() bool {
	return p.ReminderAfter > 0 || p.CancelAfter > 0
}

// PastDueAction is what SettlePastDue did to one account.
type PastDueAction string

const (
	PastDueNone     PastDueAction = ""
	PastDueReminded PastDueAction = "reminded"
	PastDueCanceled PastDueAction = "canceled"
)

// SettlePastDue flags an overdue payment for a reminder once ReminderAfter
// has passed, and cancels the subscription once CancelAfter has passed.
func (s *Service) SettlePastDue(ctx context.Context, accountID string, policy PastDuePolicy) (PastDueAction, error) {
	const op = "settle_past_due"
	action := PastDueNone
	var overdue time.Duration
	_, err := s.mutate(ctx, op, accountID, func(acct *quota.Account, now time.Time) (bool, error) {
		action = PastDueNone
		sub := acct.Subscription
		if sub == nil || sub.Status != quota.StatusPastDue {
			return false, nil
		}
		since := sub.UpdatedAt
		if sub.PastDueSince != nil {
			since = *sub.PastDueSince
		}
		overdue = now.Sub(since)
		switch {
		case policy.CancelAfter > 0 && overdue >= policy.CancelAfter:
			cancelNow(sub, now, CancelReasonPastDueGrace)
			action = PastDueCanceled
		case policy.ReminderAfter > 0 && overdue >= policy.ReminderAfter && !sub.PastDueReminded:
			sub.PastDueReminded = true
			sub.UpdatedAt = now
			action = PastDueReminded
		default:
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return PastDueNone, err
	}
	switch action {
	case PastDueReminded:
		log.Warn().
			Str("account_id", accountID).
			Dur("overdue", overdue).
			Msg("Payment overdue; reminder due")
	case PastDueCanceled:
		log.Warn().
			Str("account_id", accountID).
			Dur("overdue", overdue).
			Msg("Past-due grace elapsed; subscription canceled")
	}
	return action, nil
}

// SweepStats summarises one sweep.
type SweepStats struct {
	Accounts         int `json:"accounts"`
	TrialsExpired    int `json:"trialsExpired"`
	Canceled         int `json:"canceled"`
	PeriodsReset     int `json:"periodsReset"`
	PastDueReminders int `json:"pastDueReminders"`
	PastDueCanceled  int `json:"pastDueCanceled"`
	Failed           int `json:"failed"`
	EventsPurged     int `json:"eventsPurged"`
}

// Sweeper periodically persists rollovers for every account so that expiries
// and resets happen even for accounts nobody checks.
type Sweeper struct {
	service  *Service
	accounts store.Accounts
	events   store.EventLog
	interval time.Duration
	pastDue  PastDuePolicy
}

// NewSweeper creates a sweeper. events may be nil.
func NewSweeper(service *Service, events store.EventLog, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		service:  service,
		accounts: service.accounts,
		events:   events,
		interval: interval,
		pastDue:  PastDuePolicy{ReminderAfter: DefaultPastDueReminderAfter},
	}
}

// WithPastDuePolicy replaces the default policy (reminder after three days,
// no cancellation).
func (sw *Sweeper) WithPastDuePolicy(p PastDuePolicy) *Sweeper {
	sw.pastDue = p
	return sw
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	log.Info().Dur("interval", sw.interval).Msg("Subscription sweeper started")

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Subscription sweeper stopped")
			return
		case <-ticker.C:
			sw.Sweep(ctx)
		}
	}
}

// Sweep runs one pass.
func (sw *Sweeper) Sweep(ctx context.Context) SweepStats {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var stats SweepStats
	ids, err := sw.accounts.ListAccountIDs(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Sweeper: failed to list accounts")
		return stats
	}

	now := sw.service.now().UTC()
	for _, id := range ids {
		if ctx.Err() != nil {
			return stats
		}
		stats.Accounts++
		res, err := sw.service.Rollover(ctx, id, now)
		if err != nil {
			stats.Failed++
			log.Error().Err(err).Str("account_id", id).Msg("Sweeper: rollover failed")
			continue
		}
		if res.TrialExpired {
			stats.TrialsExpired++
		}
		if res.Canceled {
			stats.Canceled++
		}
		if res.LedgerReset {
			stats.PeriodsReset++
		}
		if !sw.pastDue.enabled() {
			continue
		}
		action, err := sw.service.SettlePastDue(ctx, id, sw.pastDue)
		if err != nil {
			stats.Failed++
			log.Error().Err(err).Str("account_id", id).Msg("Sweeper: past-due check failed")
			continue
		}
		switch action {
		case PastDueReminded:
			stats.PastDueReminders++
		case PastDueCanceled:
			stats.PastDueCanceled++
		}
	}

	if sw.events != nil {
		n, err := sw.events.PurgeEventsBefore(ctx, now.Add(-EventRetention))
		if err != nil {
			log.Warn().Err(err).Msg("Sweeper: failed to purge processed events")
		}
		stats.EventsPurged = n
	}

	log.Info().
		Int("accounts", stats.Accounts).
		Int("trials_expired", stats.TrialsExpired).
		Int("canceled", stats.Canceled).
		Int("periods_reset", stats.PeriodsReset).
		Int("past_due_reminders", stats.PastDueReminders).
		Int("past_due_canceled", stats.PastDueCanceled).
		Int("failed", stats.Failed).
		Int("events_purged", stats.EventsPurged).
		Msg("Subscription sweep complete")
	return stats
}
