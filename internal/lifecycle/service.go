// Package lifecycle applies subscription state changes: provisioning, trials,
// checkout, payment events, cancellation, admin pause and overrides, and the
// lazy period rollover. Every change is a versioned read-modify-write against
// the store.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	qerrors "github.com/rcourtman/aiquota/internal/errors"
	"github.com/rcourtman/aiquota/internal/metrics"
	"github.com/rcourtman/aiquota/internal/store"
	"github.com/rcourtman/aiquota/pkg/pricing"
	"github.com/rcourtman/aiquota/pkg/quota"
)

const maxUpdateAttempts = 5

// Cancel reasons stored on the record.
const (
	CancelReasonUser          = "user_requested"
	CancelReasonPaymentFailed = "payment_failed"
	CancelReasonProvider      = "provider_canceled"
)

// Catalog supplies trial terms and plans.
type Catalog interface {
	Get(ctx context.Context) (quota.Catalog, error)
}

// CheckoutResult is a completed payment-provider checkout.
type CheckoutResult struct {
	AccountID            string
	PlanID               string
	BillingPeriod        quota.BillingPeriod
	Currency             quota.Currency
	AmountPaid           *decimal.Decimal // nil derives the amount from the catalog
	StripeCustomerID     string
	StripeSubscriptionID string
}

// Invoice describes a paid invoice. A zero period means the provider did not
// report one.
type Invoice struct {
	PeriodStart time.Time
	PeriodEnd   time.Time
	Amount      *decimal.Decimal
}

// Service mutates subscription records.
type Service struct {
	accounts store.Accounts
	catalog  Catalog
	now      func() time.Time
}

// NewService wires a lifecycle service.
func NewService(accounts store.Accounts, catalog Catalog) *Service {
	return &Service{accounts: accounts, catalog: catalog, now: time.Now}
}

type mutation func(acct *quota.Account, now time.Time) (changed bool, err error)

// mutate re-reads and re-applies fn until the conditional write succeeds.
func (s *Service) mutate(ctx context.Context, op, accountID string, fn mutation) (quota.Account, error) {
	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		current, err := s.accounts.Get(ctx, accountID)
		if err != nil {
			if qerrors.IsNotFound(err) {
				return quota.Account{}, qerrors.NewQuotaError(qerrors.ErrorTypeNotFound, op, accountID, err)
			}
			return quota.Account{}, fmt.Errorf("%s: %w", op, err)
		}

		next := current.Clone()
		now := s.now().UTC()
		changed, err := fn(&next, now)
		if err != nil {
			return quota.Account{}, err
		}
		if !changed {
			return current, nil
		}
		if next.Subscription != nil {
			if err := next.Subscription.Validate(); err != nil {
				return quota.Account{}, qerrors.NewQuotaError(qerrors.ErrorTypeInternal, op, accountID, err)
			}
		}

		saved, err := s.accounts.Update(ctx, current.Version, next)
		if errors.Is(err, store.ErrVersionConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return quota.Account{}, fmt.Errorf("%s: %w", op, err)
		}
		logTransition(op, current, saved)
		return saved, nil
	}
	return quota.Account{}, qerrors.NewQuotaError(qerrors.ErrorTypeConflict, op, accountID, lastErr)
}

func logTransition(op string, before, after quota.Account) {
	var from, to quota.Status
	if before.Subscription != nil {
		from = before.Subscription.Status
	}
	if after.Subscription != nil {
		to = after.Subscription.Status
	}
	evt := log.Debug()
	if from != to {
		metrics.RecordTransition(string(from), string(to))
		evt = log.Info()
	}
	evt.Str("op", op).
		Str("account_id", after.AccountID).
		Str("from", string(from)).
		Str("to", string(to)).
		Int64("version", after.Version).
		Msg("Subscription updated")
}

func requireSubscription(op string, acct *quota.Account) (*quota.Subscription, error) {
	if acct.Subscription == nil {
		return nil, qerrors.NewQuotaError(qerrors.ErrorTypeNotFound, op, acct.AccountID,
			fmt.Errorf("%w: no subscription", qerrors.ErrNotFound))
	}
	return acct.Subscription, nil
}

// transition moves sub to `to`, or reports why it cannot.
func transition(op string, sub *quota.Subscription, to quota.Status, now time.Time) error {
	if !quota.CanTransition(sub.Status, to) {
		log.Debug().
			Str("op", op).
			Str("account_id", sub.AccountID).
			Str("from", string(sub.Status)).
			Str("to", string(to)).
			Strs("allowed", statusNames(quota.ValidTransitionsFrom(sub.Status))).
			Msg("Rejected lifecycle transition")
		return qerrors.WrapTransition(op, sub.AccountID, string(sub.Status), string(to))
	}
	sub.Status = to
	sub.PausedFrom = ""
	sub.UpdatedAt = now
	if to != quota.StatusTrialing {
		sub.TrialEndsAt = nil
	}
	if to == quota.StatusPastDue {
		since := now
		sub.PastDueSince = &since
	} else {
		sub.PastDueSince = nil
		sub.PastDueReminded = false
	}
	return nil
}

func statusNames(statuses []quota.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func startPeriod(acct *quota.Account, start time.Time, period quota.BillingPeriod) {
	sub := acct.Subscription
	sub.BillingPeriod = period
	sub.CurrentPeriodStart = start
	sub.CurrentPeriodEnd = quota.AdvancePeriod(start, period)
	acct.Ledger.PeriodKey = quota.PeriodKey(start)
	acct.Ledger.CallsUsedThisPeriod = 0
}

// Provision creates the trial record for a new account. An account that
// already exists is returned unchanged.
func (s *Service) Provision(ctx context.Context, accountID string) (quota.Account, error) {
	existing, err := s.accounts.Get(ctx, accountID)
	if err == nil {
		return existing, nil
	}
	if !qerrors.IsNotFound(err) {
		return quota.Account{}, fmt.Errorf("provision: %w", err)
	}
	acct, err := s.StartTrial(ctx, accountID)
	if errors.Is(err, store.ErrVersionConflict) {
		return s.accounts.Get(ctx, accountID)
	}
	return acct, err
}

// StartTrial puts the account on the current trial terms and clears the trial
// counter. Only accounts without a subscription, or already trialing, qualify.
func (s *Service) StartTrial(ctx context.Context, accountID string) (quota.Account, error) {
	if accountID == "" {
		return quota.Account{}, fmt.Errorf("%w: account id is required", qerrors.ErrInvalidInput)
	}
	cat, err := s.catalog.Get(ctx)
	if err != nil {
		return quota.Account{}, fmt.Errorf("start_trial: %w", err)
	}
	if !cat.Trial.IsEnabled {
		return quota.Account{}, qerrors.NewQuotaError(qerrors.ErrorTypeValidation, "start_trial", accountID, qerrors.ErrTrialDisabled)
	}

	begin := func(acct *quota.Account, now time.Time) {
		acct.Subscription = quota.NewTrialSubscription(accountID, cat.Trial, now)
		acct.Ledger.AccountID = accountID
		acct.Ledger.PeriodKey = quota.PeriodKey(now)
		acct.Ledger.CallsUsedThisPeriod = 0
		acct.Ledger.TrialCallsUsed = 0
	}

	_, err = s.accounts.Get(ctx, accountID)
	if qerrors.IsNotFound(err) {
		now := s.now().UTC()
		acct := quota.Account{AccountID: accountID}
		begin(&acct, now)
		saved, err := s.accounts.Update(ctx, 0, acct)
		if err != nil {
			return quota.Account{}, fmt.Errorf("start_trial: %w", err)
		}
		metrics.RecordTransition("", string(quota.StatusTrialing))
		log.Info().
			Str("account_id", accountID).
			Int("duration_days", cat.Trial.DurationDays).
			Int("max_calls", cat.Trial.MaxAICalls).
			Msg("Trial started")
		return saved, nil
	}
	if err != nil {
		return quota.Account{}, fmt.Errorf("start_trial: %w", err)
	}

	return s.mutate(ctx, "start_trial", accountID, func(acct *quota.Account, now time.Time) (bool, error) {
		if acct.Subscription != nil && acct.Subscription.Status != quota.StatusTrialing {
			return false, qerrors.WrapTransition("start_trial", accountID, string(acct.Subscription.Status), string(quota.StatusTrialing))
		}
		created := now
		if acct.Subscription != nil {
			created = acct.Subscription.CreatedAt
		}
		begin(acct, now)
		acct.Subscription.CreatedAt = created
		return true, nil
	})
}

// ActivateFromCheckout starts a paid period after a completed checkout.
func (s *Service) ActivateFromCheckout(ctx context.Context, res CheckoutResult) (quota.Account, error) {
	const op = "activate_from_checkout"
	cat, err := s.catalog.Get(ctx)
	if err != nil {
		return quota.Account{}, fmt.Errorf("%s: %w", op, err)
	}
	plan, ok := cat.Plans[res.PlanID]
	if !ok {
		return quota.Account{}, qerrors.NewQuotaError(qerrors.ErrorTypeValidation, op, res.AccountID,
			fmt.Errorf("%w: unknown plan %q", qerrors.ErrInvalidInput, res.PlanID))
	}
	if res.BillingPeriod == "" {
		res.BillingPeriod = quota.PeriodMonthly
	}
	if res.Currency == "" {
		res.Currency = quota.CurrencyEUR
	}
	amount, ok := plan.PeriodAmount(res.Currency, res.BillingPeriod, decimal.NewFromInt(pricing.DefaultAnnualDiscountPercent))
	if res.AmountPaid != nil {
		amount, ok = *res.AmountPaid, true
	}
	if !ok {
		return quota.Account{}, qerrors.NewQuotaError(qerrors.ErrorTypeValidation, op, res.AccountID,
			fmt.Errorf("%w: plan %s has no %s price", qerrors.ErrInvalidInput, plan.ID, res.Currency))
	}

	apply := func(acct *quota.Account, now time.Time) (bool, error) {
		sub := acct.Subscription
		if sub == nil {
			sub = &quota.Subscription{AccountID: res.AccountID, Status: quota.StatusExpired, CreatedAt: now}
			acct.Subscription = sub
		}
		if sub.Status == quota.StatusActive && sub.StripeSubscriptionID != "" && sub.StripeSubscriptionID == res.StripeSubscriptionID {
			return false, nil
		}
		if sub.Status != quota.StatusActive {
			if err := transition(op, sub, quota.StatusActive, now); err != nil {
				return false, err
			}
		}
		sub.PlanID = plan.ID
		sub.Tier = plan.Tier
		sub.Currency = res.Currency
		sub.CurrentPeriodAmount = amount
		sub.CancelAtPeriodEnd = false
		sub.CanceledAt = nil
		sub.CancelReason = ""
		sub.PendingChange = nil
		sub.UpdatedAt = now
		if res.StripeCustomerID != "" {
			sub.StripeCustomerID = res.StripeCustomerID
		}
		if res.StripeSubscriptionID != "" {
			sub.StripeSubscriptionID = res.StripeSubscriptionID
		}
		acct.Ledger.AccountID = res.AccountID
		startPeriod(acct, now, res.BillingPeriod)
		return true, nil
	}

	saved, err := s.mutate(ctx, op, res.AccountID, apply)
	if qerrors.IsNotFound(err) {
		acct := quota.Account{AccountID: res.AccountID}
		if _, err := apply(&acct, s.now().UTC()); err != nil {
			return quota.Account{}, err
		}
		saved, err = s.accounts.Update(ctx, 0, acct)
		if err != nil {
			return quota.Account{}, fmt.Errorf("%s: %w", op, err)
		}
		metrics.RecordTransition("", string(quota.StatusActive))
	}
	if err != nil {
		return quota.Account{}, err
	}
	return saved, nil
}

// PaymentFailed moves an active subscription to past_due.
func (s *Service) PaymentFailed(ctx context.Context, accountID string) (quota.Account, error) {
	const op = "payment_failed"
	return s.mutate(ctx, op, accountID, func(acct *quota.Account, now time.Time) (bool, error) {
		sub, err := requireSubscription(op, acct)
		if err != nil {
			return false, err
		}
		if sub.Status == quota.StatusPastDue {
			return false, nil
		}
		return true, transition(op, sub, quota.StatusPastDue, now)
	})
}

// PaymentSucceeded restores a past_due subscription, or on an active one moves
// to the paid invoice's period.
func (s *Service) PaymentSucceeded(ctx context.Context, accountID string, inv Invoice) (quota.Account, error) {
	const op = "payment_succeeded"
	return s.mutate(ctx, op, accountID, func(acct *quota.Account, now time.Time) (bool, error) {
		sub, err := requireSubscription(op, acct)
		if err != nil {
			return false, err
		}
		changed := false
		switch sub.Status {
		case quota.StatusPastDue:
			if err := transition(op, sub, quota.StatusActive, now); err != nil {
				return false, err
			}
			changed = true
		case quota.StatusActive:
		default:
			return false, qerrors.WrapTransition(op, accountID, string(sub.Status), string(quota.StatusActive))
		}

		switch {
		case !inv.PeriodStart.IsZero() && inv.PeriodEnd.After(inv.PeriodStart) && inv.PeriodStart.After(sub.CurrentPeriodStart):
			sub.CurrentPeriodStart = inv.PeriodStart.UTC()
			sub.CurrentPeriodEnd = inv.PeriodEnd.UTC()
			acct.Ledger.PeriodKey = quota.PeriodKey(sub.CurrentPeriodStart)
			acct.Ledger.CallsUsedThisPeriod = 0
			changed = true
		case inv.PeriodStart.IsZero() && !now.Before(sub.CurrentPeriodEnd):
			for !now.Before(sub.CurrentPeriodEnd) {
				sub.CurrentPeriodStart, sub.CurrentPeriodEnd = quota.NextPeriod(sub.CurrentPeriodEnd, sub.BillingPeriod)
			}
			acct.Ledger.PeriodKey = quota.PeriodKey(sub.CurrentPeriodStart)
			acct.Ledger.CallsUsedThisPeriod = 0
			changed = true
		}
		if quota.ApplyPendingChange(sub, sub.CurrentPeriodStart) {
			log.Info().
				Str("account_id", accountID).
				Str("plan_id", sub.PlanID).
				Msg("Scheduled plan change applied at renewal")
			changed = true
		}
		if inv.Amount != nil && !inv.Amount.Equal(sub.CurrentPeriodAmount) {
			sub.CurrentPeriodAmount = *inv.Amount
			changed = true
		}
		if changed {
			sub.UpdatedAt = now
		}
		return changed, nil
	})
}

// PaymentRetriesExhausted cancels a past_due subscription.
func (s *Service) PaymentRetriesExhausted(ctx context.Context, accountID string) (quota.Account, error) {
	const op = "payment_retries_exhausted"
	return s.mutate(ctx, op, accountID, func(acct *quota.Account, now time.Time) (bool, error) {
		sub, err := requireSubscription(op, acct)
		if err != nil {
			return false, err
		}
		if sub.Status != quota.StatusPastDue {
			return false, qerrors.WrapTransition(op, accountID, string(sub.Status), string(quota.StatusCanceled))
		}
		cancelNow(sub, now, CancelReasonPaymentFailed)
		return true, nil
	})
}

func cancelNow(sub *quota.Subscription, now time.Time, reason string) {
	sub.Status = quota.StatusCanceled
	sub.PausedFrom = ""
	sub.PendingChange = nil
	sub.PastDueSince = nil
	sub.PastDueReminded = false
	sub.TrialEndsAt = nil
	sub.CancelAtPeriodEnd = false
	sub.CanceledAt = &now
	sub.CancelReason = reason
	sub.UpdatedAt = now
}

// Cancel ends a subscription. With atPeriodEnd an active or past_due record
// keeps its status until the period ends; trials always cancel immediately.
func (s *Service) Cancel(ctx context.Context, accountID string, atPeriodEnd bool) (quota.Account, error) {
	const op = "cancel"
	return s.mutate(ctx, op, accountID, func(acct *quota.Account, now time.Time) (bool, error) {
		sub, err := requireSubscription(op, acct)
		if err != nil {
			return false, err
		}
		if !quota.CanCancel(sub) {
			if sub.CancelAtPeriodEnd && atPeriodEnd {
				return false, nil
			}
			return false, qerrors.WrapTransition(op, accountID, string(sub.Status), string(quota.StatusCanceled))
		}
		if atPeriodEnd && sub.Status != quota.StatusTrialing {
			sub.CancelAtPeriodEnd = true
			sub.CancelReason = CancelReasonUser
			sub.UpdatedAt = now
			return true, nil
		}
		cancelNow(sub, now, CancelReasonUser)
		return true, nil
	})
}

// Reactivate undoes a pending cancellation, or revives a canceled record whose
// paid period has not ended yet. A record that never had a paid plan, such as
// a canceled trial, cannot be revived this way.
func (s *Service) Reactivate(ctx context.Context, accountID string) (quota.Account, error) {
	const op = "reactivate"
	return s.mutate(ctx, op, accountID, func(acct *quota.Account, now time.Time) (bool, error) {
		sub, err := requireSubscription(op, acct)
		if err != nil {
			return false, err
		}
		if sub.CancelAtPeriodEnd {
			sub.CancelAtPeriodEnd = false
			sub.CancelReason = ""
			sub.UpdatedAt = now
			return true, nil
		}
		if sub.Status != quota.StatusCanceled || !now.Before(sub.CurrentPeriodEnd) ||
			sub.PlanID == "" || sub.Tier == quota.TierTrial {
			return false, qerrors.WrapTransition(op, accountID, string(sub.Status), string(quota.StatusActive))
		}
		if err := transition(op, sub, quota.StatusActive, now); err != nil {
			return false, err
		}
		sub.CanceledAt = nil
		sub.CancelReason = ""
		return true, nil
	})
}

// Pause suspends AI access for an account. The current status, trial window
// and pending cancellation are kept for Resume.
func (s *Service) Pause(ctx context.Context, accountID string) (quota.Account, error) {
	const op = "pause"
	return s.mutate(ctx, op, accountID, func(acct *quota.Account, now time.Time) (bool, error) {
		sub, err := requireSubscription(op, acct)
		if err != nil {
			return false, err
		}
		if sub.Status == quota.StatusPaused {
			return false, nil
		}
		return true, pause(op, sub, now)
	})
}

func pause(op string, sub *quota.Subscription, now time.Time) error {
	if !quota.CanTransition(sub.Status, quota.StatusPaused) {
		return qerrors.WrapTransition(op, sub.AccountID, string(sub.Status), string(quota.StatusPaused))
	}
	sub.PausedFrom = sub.Status
	sub.Status = quota.StatusPaused
	sub.UpdatedAt = now
	return nil
}

// Resume returns a paused account to the status it had when paused. An active
// period that ended while paused is replaced by one starting now; anything
// else that lapsed meanwhile (a trial window, a deferred cancellation) is
// settled by the next rollover.
func (s *Service) Resume(ctx context.Context, accountID string) (quota.Account, error) {
	const op = "resume"
	return s.mutate(ctx, op, accountID, func(acct *quota.Account, now time.Time) (bool, error) {
		sub, err := requireSubscription(op, acct)
		if err != nil {
			return false, err
		}
		if sub.Status != quota.StatusPaused {
			return false, qerrors.WrapTransition(op, accountID, string(sub.Status), string(quota.StatusActive))
		}
		to := sub.PausedFrom
		if to == "" {
			// Records paused before the previous status was kept.
			to = quota.StatusActive
		}
		sub.Status = to
		sub.PausedFrom = ""
		sub.UpdatedAt = now
		if to != quota.StatusTrialing {
			sub.TrialEndsAt = nil
		}
		if to == quota.StatusActive && !sub.CancelAtPeriodEnd && !now.Before(sub.CurrentPeriodEnd) {
			startPeriod(acct, now, sub.BillingPeriod)
		}
		return true, nil
	})
}

// ApplyProviderStatus reconciles the record with a status reported by the
// payment provider.
func (s *Service) ApplyProviderStatus(ctx context.Context, accountID, providerStatus string) (quota.Account, error) {
	const op = "apply_provider_status"
	target := quota.MapProviderStatus(providerStatus)
	return s.mutate(ctx, op, accountID, func(acct *quota.Account, now time.Time) (bool, error) {
		sub, err := requireSubscription(op, acct)
		if err != nil {
			return false, err
		}
		if sub.Status == target {
			return false, nil
		}
		if target == quota.StatusCanceled {
			if !quota.CanTransition(sub.Status, target) {
				return false, qerrors.WrapTransition(op, accountID, string(sub.Status), string(target))
			}
			cancelNow(sub, now, CancelReasonProvider)
			return true, nil
		}
		if target == quota.StatusPaused {
			err = pause(op, sub, now)
		} else {
			err = transition(op, sub, target, now)
		}
		if err != nil {
			log.Warn().
				Str("account_id", accountID).
				Str("provider_status", providerStatus).
				Str("status", string(sub.Status)).
				Msg("Ignoring provider status outside the lifecycle table")
			return false, err
		}
		if target == quota.StatusActive {
			sub.CancelAtPeriodEnd = false
			sub.CanceledAt = nil
			sub.CancelReason = ""
		}
		return true, nil
	})
}

// ProviderSubscription is the provider's view of a subscription.
type ProviderSubscription struct {
	Status            string
	PriceID           string
	CancelAtPeriodEnd bool
	PeriodStart       time.Time
	PeriodEnd         time.Time
}

// SyncFromProvider applies the status then mirrors the cancel flag, the
// period and the plan. A move to a higher or equal tier takes effect at once;
// a downgrade is scheduled for the end of the current period.
func (s *Service) SyncFromProvider(ctx context.Context, accountID string, ps ProviderSubscription) (quota.Account, error) {
	const op = "sync_from_provider"
	acct, err := s.ApplyProviderStatus(ctx, accountID, ps.Status)
	if err != nil {
		return quota.Account{}, err
	}
	sub := acct.Subscription
	if sub == nil || (sub.Status != quota.StatusActive && sub.Status != quota.StatusPastDue) {
		return acct, nil
	}

	var (
		plan       quota.Plan
		period     quota.BillingPeriod
		knownPrice bool
	)
	if ps.PriceID != "" {
		cat, err := s.catalog.Get(ctx)
		if err != nil {
			return quota.Account{}, fmt.Errorf("%s: %w", op, err)
		}
		plan, period, knownPrice = cat.PlanByStripePrice(ps.PriceID)
		if !knownPrice {
			log.Warn().
				Str("account_id", accountID).
				Str("price_id", ps.PriceID).
				Msg("Provider subscription uses a price not in the catalog")
		}
	}

	return s.mutate(ctx, op, accountID, func(acct *quota.Account, now time.Time) (bool, error) {
		sub := acct.Subscription
		if sub.Status != quota.StatusActive && sub.Status != quota.StatusPastDue {
			return false, nil
		}
		changed := false
		if sub.CancelAtPeriodEnd != ps.CancelAtPeriodEnd {
			sub.CancelAtPeriodEnd = ps.CancelAtPeriodEnd
			if ps.CancelAtPeriodEnd {
				sub.CancelReason = CancelReasonUser
			} else {
				sub.CancelReason = ""
			}
			changed = true
		}
		if !ps.PeriodStart.IsZero() && ps.PeriodEnd.After(ps.PeriodStart) && !ps.PeriodStart.Equal(sub.CurrentPeriodStart) {
			sub.CurrentPeriodStart = ps.PeriodStart.UTC()
			sub.CurrentPeriodEnd = ps.PeriodEnd.UTC()
			quota.ApplyPendingChange(sub, sub.CurrentPeriodStart)
			changed = true
		}
		if knownPrice {
			downgrade := quota.TierRank(plan.Tier) < quota.TierRank(sub.Tier)
			amount := planAmount(plan, sub.Currency, period, sub.CurrentPeriodAmount)
			if switchPlan(sub, plan, period, amount, !downgrade, "provider") {
				changed = true
			}
		}
		if changed {
			sub.UpdatedAt = now
		}
		return changed, nil
	})
}

// planAmount is the plan's price for the period, or fallback when the plan
// has no price in that currency.
func planAmount(plan quota.Plan, currency quota.Currency, period quota.BillingPeriod, fallback decimal.Decimal) decimal.Decimal {
	if amount, ok := plan.PeriodAmount(currency, period, decimal.NewFromInt(pricing.DefaultAnnualDiscountPercent)); ok {
		return amount
	}
	return fallback
}

// switchPlan puts sub on plan immediately, or records it as the pending change
// for the end of the current period. Choosing the plan already in effect
// drops any pending change.
func switchPlan(sub *quota.Subscription, plan quota.Plan, period quota.BillingPeriod, amount decimal.Decimal, immediate bool, by string) bool {
	if plan.ID == sub.PlanID {
		if sub.PendingChange == nil {
			return false
		}
		sub.PendingChange = nil
		return true
	}
	if immediate {
		sub.PlanID = plan.ID
		sub.Tier = plan.Tier
		sub.CurrentPeriodAmount = amount
		if period != "" {
			sub.BillingPeriod = period
		}
		sub.PendingChange = nil
		return true
	}
	next := &quota.PlanChange{
		PlanID:      plan.ID,
		Tier:        plan.Tier,
		Amount:      amount,
		EffectiveAt: sub.CurrentPeriodEnd,
		RequestedBy: by,
	}
	if pc := sub.PendingChange; pc != nil && pc.PlanID == next.PlanID && pc.EffectiveAt.Equal(next.EffectiveAt) {
		return false
	}
	sub.PendingChange = next
	return true
}

// Rollover persists the lazy rollover for one account.
func (s *Service) Rollover(ctx context.Context, accountID string, at time.Time) (quota.RolloverResult, error) {
	var res quota.RolloverResult
	_, err := s.mutate(ctx, "rollover", accountID, func(acct *quota.Account, _ time.Time) (bool, error) {
		res = quota.ApplyRollover(acct, at)
		return res.Changed(), nil
	})
	if err != nil {
		return quota.RolloverResult{}, err
	}
	if res.LedgerReset {
		log.Info().
			Str("account_id", accountID).
			Str("previous_period", res.PreviousPeriodKey).
			Int("previous_calls", res.PreviousPeriodCalls).
			Msg("Usage period reset")
	}
	if res.TrialExpired {
		log.Info().Str("account_id", accountID).Msg("Trial ended without payment")
	}
	return res, nil
}
